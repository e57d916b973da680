package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/diagnostics"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Run connectivity diagnostics",
	Long:  `Probe the configured STUN and TURN servers, check media device access, and verify local ICE connectivity`,
	Run: func(cmd *cobra.Command, args []string) {
		runDiagnostics(cfgFile)
	},
}

func init() {
	rootCmd.AddCommand(diagCmd)
}

func runDiagnostics(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var capturer media.Capturer
	if devices, err := media.NewDeviceCapturer(log); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: media devices unavailable: %v\n", err)
	} else {
		capturer = devices
	}

	runner := diagnostics.NewRunner(cfg.ICE, cfg.Identity.UserID, capturer, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Running connectivity checks...")
	fmt.Println()

	report := runner.Run(ctx)

	fmt.Printf("STUN reachable:    %s\n", checkMark(report.STUNReachable))
	fmt.Printf("TURN reachable:    %s\n", checkMark(report.TURNReachable))
	fmt.Printf("Media access:      %s\n", checkMark(report.MediaAccess))
	fmt.Printf("ICE connectivity:  %s\n", checkMark(report.ICEConnectivity))

	if report.Remediation != "" {
		fmt.Println()
		fmt.Println(report.Remediation)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("All checks passed.")
}

func checkMark(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}
