package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"peer-rpc/client"
)

var callCmd = &cobra.Command{
	Use:   "call <text>",
	Short: "Discover the echo service and call it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, reg, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer reg.Close()

		ct, _ := cfg.Client.Codec()
		strategy, _ := cfg.Client.BalanceStrategy()
		c, err := client.New(reg, client.Options{
			Codec:             ct,
			ConnectTimeout:    cfg.Client.ConnectTimeout,
			RequestTimeout:    cfg.Client.RequestTimeout,
			HeartbeatInterval: cfg.Client.HeartbeatInterval,
			Logger:            logger.Named("client"),
		})
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Bind("echo", client.Method{ServiceName: "echo", Strategy: strategy}); err != nil {
			return err
		}
		var reply string
		if err := c.Call("echo", &reply, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
