package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/playground"

	"github.com/spf13/cobra"
)

const demoTimeout = 30 * time.Second

var (
	demoURL       string
	demoMessages  int
	demoUserClose bool
	demoDelayMS   int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted opener/popup exchange",
	Long: `Opens a popup in the in-memory browser, sends messages before the popup is
ready, waits for every echo, then closes the popup either from the opener or
as an end user would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, log, err := loadRuntime("cmd.demo", os.Stderr)
		if err != nil {
			return err
		}
		if demoDelayMS >= 0 {
			cfg.Sim.LoadDelayMS = demoDelayMS
		}

		session, err := playground.NewSession(cfg, log)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer session.Shutdown()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runCtx, cancel := context.WithTimeout(runCtx, demoTimeout)
		defer cancel()

		result, err := runDemo(runCtx, session, demoOptions{
			url:       demoURL,
			messages:  demoMessages,
			userClose: demoUserClose,
		}, log)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), result.summary())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoURL, "url", playground.DefaultPopupURL, "URL to open in the popup")
	demoCmd.Flags().IntVarP(&demoMessages, "messages", "n", 3, "number of chat messages to send")
	demoCmd.Flags().BoolVar(&demoUserClose, "user-close", false, "close the popup as an end user instead of from the opener")
	demoCmd.Flags().IntVar(&demoDelayMS, "delay", -1, "popup load delay in milliseconds (default from config)")
}

// demoSession is the part of playground.Session the demo drives.
type demoSession interface {
	Open(ctx context.Context, url string) error
	Send(msgType string, value any) error
	Close() error
	UserClose() error
	Updates() <-chan playground.Update
}

type demoOptions struct {
	url       string
	messages  int
	userClose bool
}

type demoResult struct {
	url          string
	sent         int
	echoed       int
	flushes      int
	greeted      bool
	closedByUser bool
}

func (r demoResult) summary() string {
	how := "by opener"
	if r.closedByUser {
		how = "by user"
	}
	return fmt.Sprintf("%s: sent %d, echoed %d, flushes %d, closed %s", r.url, r.sent, r.echoed, r.flushes, how)
}

func runDemo(ctx context.Context, session demoSession, opts demoOptions, log *slog.Logger) (demoResult, error) {
	if opts.messages < 0 {
		return demoResult{}, errors.New("messages must not be negative")
	}
	if opts.url == "" {
		opts.url = playground.DefaultPopupURL
	}
	if log == nil {
		log = slog.Default()
	}

	result := demoResult{url: opts.url}
	if err := session.Open(ctx, opts.url); err != nil {
		return result, fmt.Errorf("open popup: %w", err)
	}
	log.Info("Popup opened", "url", opts.url)

	for i := 1; i <= opts.messages; i++ {
		if err := session.Send(playground.TypeChat, fmt.Sprintf("message %d", i)); err != nil {
			return result, fmt.Errorf("send message %d: %w", i, err)
		}
		result.sent++
	}

	for result.echoed < result.sent || !result.greeted {
		update, err := nextUpdate(ctx, session)
		if err != nil {
			return result, fmt.Errorf("wait for echoes: %w", err)
		}
		result.record(update, log)
	}

	if opts.userClose {
		if err := session.UserClose(); err != nil {
			return result, fmt.Errorf("user close: %w", err)
		}
	} else if err := session.Close(); err != nil {
		return result, fmt.Errorf("close popup: %w", err)
	}

	for {
		update, err := nextUpdate(ctx, session)
		if err != nil {
			return result, fmt.Errorf("wait for close: %w", err)
		}
		if update.Kind == playground.UpdateClosed {
			result.closedByUser = update.Close.ByUser()
			log.Info("Popup closed", "by_user", result.closedByUser)
			return result, nil
		}
		result.record(update, log)
	}
}

func (r *demoResult) record(update playground.Update, log *slog.Logger) {
	switch update.Kind {
	case playground.UpdateMessage:
		switch {
		case update.Message.Is(playground.TypeGreeting):
			r.greeted = true
			log.Info("Popup greeted opener", "location", update.Message.Value)
		case update.Message.Is(playground.TypeEcho):
			r.echoed++
			log.Info("Echo received", "value", update.Message.Value)
		}
	case playground.UpdateEvent:
		if update.Event.Type == bus.EventMessagesFlushed {
			r.flushes++
		}
		log.Debug("Bridge event", "type", string(update.Event.Type), "peer", update.Event.Peer, "count", update.Event.Count)
	}
}

func nextUpdate(ctx context.Context, session demoSession) (playground.Update, error) {
	select {
	case <-ctx.Done():
		return playground.Update{}, ctx.Err()
	case update, ok := <-session.Updates():
		if !ok {
			return playground.Update{}, playground.ErrSessionDone
		}
		return update, nil
	}
}
