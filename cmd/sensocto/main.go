package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes for scripting against the CLI.
const (
	exitOK       = 0
	exitRuntime  = 1
	exitProtocol = 2
	exitUsage    = 64
)

var rootCmd = &cobra.Command{
	Use:     "sensocto",
	Short:   "Sensocto - real-time sensor ingestion and attention-aware control node",
	Long:    `Sensocto ingests high-frequency sensor telemetry, derives per-attribute attention levels from observer intent, and pushes adaptive back-pressure contracts to connected producers.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sensocto %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.Run = func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	}
	rootCmd.PersistentFlags().String("env-file", "", "path to a .env file with node configuration")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(nodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}
