package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit",
		Short: "Real-time collaborative document sync server",
		Long: `Coedit relays document updates and presence between clients
editing the same room over WebSocket.

Features:

  • Conflict-free update merging with pluggable engines
  • Binary and JSON wire protocols on the same connection
  • Awareness (cursor and presence) relay with expiry
  • Snapshot persistence to memory, Redis, or S3
  • Prometheus metrics and OpenTelemetry traces`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		tokenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}
