// gobby-server is a headless entry point for running the daemon under
// a process supervisor, without the CLI surface of the gobby binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gobby/internal/config"
	"gobby/internal/server"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.gobby/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gobby-server:", err)
		os.Exit(1)
	}
	daemon, err := server.NewDaemon(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gobby-server:", err)
		os.Exit(1)
	}
	if err := daemon.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "gobby-server:", err)
		os.Exit(1)
	}
}
