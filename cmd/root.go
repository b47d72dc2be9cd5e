/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"popupbridge/pkg/config"
	"popupbridge/pkg/logger"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "popupbridge",
	Short: "Verified messaging between a window and the popups it opens",
	Long: `popupbridge runs an opener window and its popups inside an in-memory
browser and wires them together with token-verified envelopes, an outbound
queue that waits for popup readiness, and close detection.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadRuntime loads configuration (defaults when no config file exists) and
// installs the process logger writing to w.
func loadRuntime(component string, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewWithWriter(cfg.Logging, w)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, slog.Default().With("component", component), nil
}
