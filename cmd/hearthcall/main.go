package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "hearthcall",
	Short: "HearthCall - household video calling agent",
	Long: `HearthCall is a self-hosted calling agent for one household:
- 1:1 calls and small group rooms over WebRTC
- Signaling over a shared Redis instance, no cloud dependency
- Local HTTP/WebSocket bridge for the household UI
- Connectivity diagnostics for STUN/TURN and media devices`,
	Run: func(cmd *cobra.Command, args []string) {
		// Default: run the agent
		runAgent()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
