package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"popupbridge/pkg/playground"
	"popupbridge/pkg/ui/console"

	"github.com/spf13/cobra"
)

var (
	chatLogFile string
	chatOpenURL string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Drive an opener and its popup from an interactive console",
	Long:  "Starts the in-memory browser with an opener page and lets you open, message and close popups from a terminal UI.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		logWriter, closeLog, err := openChatLog(chatLogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		cfg, log, err := loadRuntime("cmd.chat", logWriter)
		if err != nil {
			return err
		}

		session, err := playground.NewSession(cfg, log)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer session.Shutdown()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if url := strings.TrimSpace(chatOpenURL); url != "" {
			if err := session.Open(runCtx, url); err != nil {
				log.Warn("Initial popup failed", "url", url, "error", err)
			}
		}

		return console.Run(runCtx, session)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "", "write logs to this file instead of discarding them")
	chatCmd.Flags().StringVar(&chatOpenURL, "open", "", "open a popup at this URL on start")
}

// openChatLog keeps log lines off the terminal the console draws on.
func openChatLog(path string) (io.Writer, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return io.Discard, func() {}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
