package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peer-rpc/middleware"
	"peer-rpc/server"
)

// EchoService is the demo service published by serve.
type EchoService struct{}

func (EchoService) Echo(s string) string { return s }

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the echo service and publish it to the registry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, reg, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer reg.Close()

		ct, _ := cfg.Server.Codec()
		svr := server.NewServer(server.Config{
			HeartbeatInterval: cfg.Server.HeartbeatInterval,
			HeartbeatTimes:    cfg.Server.HeartbeatTimes,
			Workers:           cfg.Server.Workers,
			QueueSize:         cfg.Server.QueueSize,
			Codec:             ct,
			Logger:            logger.Named("server"),
		})
		svr.Use(middleware.RecoverMiddleware(logger))
		svr.Use(middleware.LoggingMiddleware(logger))
		switch {
		case cfg.Server.RateLimit <= 0:
		case cfg.Server.RatePerService:
			svr.Use(middleware.ServiceRateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
		default:
			svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
		}
		if cfg.Server.HandlerTimeout > 0 {
			svr.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
		}
		if err := svr.RegisterServiceBean("echo", EchoService{}, "Echo"); err != nil {
			return err
		}
		if err := reg.RegisterSingle(cfg.Server.Advertise, cfg.Server.Port, "echo", cfg.Server.Weight); err != nil {
			return err
		}
		svr.SetPublisher(reg)

		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
		if err != nil {
			return err
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		served := make(chan error, 1)
		go func() { served <- svr.Serve(lis) }()

		select {
		case err := <-served:
			return err
		case sig := <-quit:
			logger.Info("shutting down", zap.Stringer("signal", sig))
		}
		return svr.Shutdown(10 * time.Second)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
