package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gobby/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			daemon, err := server.NewDaemon(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("%s listening on %s\n", bold("gobby"),
				green(fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)))
			return daemon.Run(context.Background())
		},
	}
}
