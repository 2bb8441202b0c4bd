// siterisk serves live and historical safety risk for a mine site.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbd888/siterisk/internal/config"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "siterisk:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("site_config", cfg.SiteConfigPath)
	logger.Info("starting siterisk", "version", version, "commit", commit, "env", cfg.Env, "rules_config", cfg.RulesConfigPath)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(version))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
