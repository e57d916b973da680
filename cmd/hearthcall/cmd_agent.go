package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hearthshare/hearthcall/internal/agent"
	"github.com/hearthshare/hearthcall/internal/api"
	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

// runAgent starts the calling agent and its UI bridge
func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	log.Info("Starting HearthCall agent",
		"household", cfg.Household,
		"user", cfg.Identity.UserID,
		"version", "0.1.0",
	)

	if cfg.Bridge.Token.Hash == "" {
		log.Error("No bridge token configured in config file")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "ERROR: No bridge token configured.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Generate one with:")
		fmt.Fprintf(os.Stderr, "    %s token generate -c %s\n", os.Args[0], cfgFile)
		fmt.Fprintln(os.Stderr, "")
		os.Exit(1)
	}
	log.Info("Bridge token validated", "created_at", cfg.Bridge.Token.CreatedAt)

	if dir := filepath.Dir(cfg.History.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("Failed to create data directory", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()

	a, err := agent.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		log.Error("Failed to start agent", "error", err)
		a.Destroy(ctx)
		os.Exit(1)
	}

	// A startup probe picks the right ICE transport policy before the first
	// call instead of during it.
	report := a.RunDiagnostics(ctx)
	if report.Remediation != "" {
		log.Warn("Connectivity issues detected", "remediation", report.Remediation)
	}

	bridge := api.New(&cfg.Bridge, a, log)
	go func() {
		if err := bridge.Start(); err != nil {
			log.Error("Bridge server error", "error", err)
		}
	}()

	log.Info("Agent ready", "bridge", fmt.Sprintf("%s:%d", cfg.Bridge.Bind, cfg.Bridge.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig)

	if err := bridge.Stop(); err != nil {
		log.Warn("Bridge shutdown error", "error", err)
	}
	a.Destroy(ctx)
	log.Info("Agent stopped")
}
