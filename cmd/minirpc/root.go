package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peer-rpc/config"
	"peer-rpc/registry"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "minirpc",
	Short:        "Peer-to-peer RPC runtime with etcd discovery.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./minirpc.yaml or /etc/minirpc/minirpc.yaml)")
}

// setup loads the configuration and connects the registry.
func setup() (*config.Config, *zap.Logger, *registry.Client, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := registry.NewEtcdStore(registry.EtcdConfig{
		Endpoints:   cfg.Registry.Endpoints,
		DialTimeout: cfg.Registry.DialTimeout,
		LeaseTTL:    int64(cfg.Registry.LeaseTTL.Seconds()),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	reg := registry.NewClient(store, registry.Config{
		Namespace:  cfg.Registry.Namespace,
		Persistent: !cfg.Registry.Ephemeral,
		Timeout:    cfg.Registry.Timeout,
		Logger:     logger.Named("registry"),
	})
	return cfg, logger, reg, nil
}
