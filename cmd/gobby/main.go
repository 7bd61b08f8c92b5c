// gobby is the CLI for the gobby daemon: it runs the daemon in the
// foreground and drives its HTTP API for status and cron management.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gobby/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "gobby",
		Short:        "Local-first daemon coordinating AI coding assistant sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.gobby/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCronCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// daemonBaseURL is where the CLI subcommands reach the running daemon.
func daemonBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
}
