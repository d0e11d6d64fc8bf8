package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bountycast",
	Short: "bountycast - bounty Q&A server with on-chain settlement",
	Long: `bountycast serves the bounty Q&A API and settles expired questions
against the bounty contract.

Commands:
  serve      - Run the HTTP API, job workers and settlement scheduler
  migrate    - Apply pending database migrations
  sweep      - Settle every expired open question once
  reconcile  - Finish or clear pending award transactions
  backup     - Write a consistent copy of the SQLite database`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("bountycast %s (built at %s)\n", version, buildTime))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
