package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
	exitCode   int
)

var rootCmd = &cobra.Command{
	Use:   "gorexec",
	Short: "Run build actions through a remote cache and remote executor",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return setupLogging(cfg.LogLevel)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./gorexec.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gcCmd)
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gorexec: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
