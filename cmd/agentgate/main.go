// Agentgate is the security gateway daemon for multi-agent plugin execution.
//
// The binary runs the gateway with its full security pipeline: manifest
// registry, permission broker, credential vault, sandbox executor, traffic
// governor, behavioral monitor and hash-chained audit ledger.
//
// Configuration is loaded from ~/.config/agentgate/config.yaml and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the gateway with defaults
//	agentgate serve
//
//	# Configure via environment
//	VAULT_MASTER_KEY=AGE-SECRET-KEY-... SERVER_METRICS_ADDR=:9464 agentgate serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Security gateway for multi-agent plugin execution",
	Long: `agentgate mediates every plugin execution through a fixed security
pipeline: signed manifest verification, capability grants, one-shot
credential injection, sandboxed execution, rate limiting and behavioral
anomaly response. Every decision lands in a hash-chained audit ledger.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentgate\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/agentgate/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
