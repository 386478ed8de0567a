package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version 信息，构建时通过 ldflags 注入。
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentflow-dispatch",
	Short: "Aether dispatch core: candidate resolution, failover, and rate limiting for an LLM-API reverse proxy",
	Version: fmt.Sprintf("%s (build %s, commit %s)", Version, BuildTime, GitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newSimulateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
