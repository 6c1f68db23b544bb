package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "codesand",
	Short: "codesand - run untrusted code in a pool of containers",
	Long: `codesand runs short snippets of untrusted code inside a fixed pool of
LXC (or Docker) containers and returns their captured output.

Every container is restored to a clean snapshot after each job.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./codesand.yaml or ~/.codesand/codesand.yaml)")
}

// loadConfig reads the config and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
