// Package ctl implements the gatekeeperctl command-line administration
// client using Cobra. Each subcommand is a thin HTTP call against a
// running engine's control API (see internal/gatekeeper).
package ctl

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	client  = &http.Client{Timeout: 10 * time.Second}
)

var rootCmd = &cobra.Command{
	Use:           "gatekeeperctl",
	Short:         "gatekeeperctl — administer a running Gatekeeper engine",
	Long:          `gatekeeperctl talks to a Gatekeeper engine's HTTP control API to publish policy snapshots, inspect runtime stats, and manage checkpoints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:8080", "Gatekeeper control API base address")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
