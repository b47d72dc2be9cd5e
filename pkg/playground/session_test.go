package playground

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"popupbridge/pkg/bridge"
	"popupbridge/pkg/config"
	"popupbridge/pkg/logger"
)

func newTestSession(t *testing.T, mutate func(*config.Config)) *Session {
	t.Helper()

	cfg := config.Default()
	cfg.Sim.LoadDelayMS = 10
	cfg.Bridge.RetryIntervalMS = 5
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewSession(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// next returns the first non-event update, failing after a timeout.
func next(t *testing.T, s *Session) Update {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case update, ok := <-s.Updates():
			require.True(t, ok, "updates closed")
			if update.Kind != UpdateEvent {
				return update
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestSessionEchoesChatMessages(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.Open(context.Background(), ""))

	greeting := next(t, s)
	require.Equal(t, UpdateMessage, greeting.Kind)
	require.True(t, greeting.Message.Is(TypeGreeting))
	require.Equal(t, DefaultPopupURL, greeting.Message.Value)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Send(TypeChat, text))
	}
	for _, want := range []string{"one", "two", "three"} {
		update := next(t, s)
		require.True(t, update.Message.Is(TypeEcho))
		require.Equal(t, want, update.Message.Value)
	}

	info := s.Info()
	require.True(t, info.PopupOpen)
	require.Equal(t, DefaultPopupURL, info.PopupURL)
	require.Equal(t, "json", info.Codec)
}

func TestSessionCloseVariants(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		close    func(*Session) error
		wantUser bool
	}{
		{name: "opener close", path: "opener", close: (*Session).Close},
		{name: "popup close self", path: "self", close: (*Session).CloseFromPopup},
		{name: "user close", path: "user", close: (*Session).UserClose, wantUser: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t, nil)
			require.NoError(t, s.Open(context.Background(), "https://example.com/"+tc.path))
			require.True(t, next(t, s).Message.Is(TypeGreeting))

			require.NoError(t, tc.close(s))
			update := next(t, s)
			require.Equal(t, UpdateClosed, update.Kind)
			require.Equal(t, tc.wantUser, update.Close.ByUser())
			if tc.wantUser {
				require.True(t, errors.Is(update.Close.Err, bridge.ErrClosedByUser))
			}

			require.ErrorIs(t, s.Send(TypeChat, "late"), ErrNoPopup)
			require.False(t, s.Info().PopupOpen)
		})
	}
}

func TestSessionOpenTwiceAndBlocked(t *testing.T) {
	s := newTestSession(t, nil)
	require.NoError(t, s.Open(context.Background(), ""))
	require.ErrorIs(t, s.Open(context.Background(), ""), ErrPopupOpen)

	blocked := newTestSession(t, func(cfg *config.Config) { cfg.Sim.PopupBlocker = true })
	err := blocked.Open(context.Background(), "")
	require.ErrorIs(t, err, bridge.ErrWindowOpen)
	require.ErrorIs(t, blocked.Send(TypeChat, "x"), ErrNoPopup)
}

func TestSessionWithCBORAndLoadReadiness(t *testing.T) {
	s := newTestSession(t, func(cfg *config.Config) {
		cfg.Bridge.Codec = config.CodecCBOR
		cfg.Bridge.Readiness = config.ReadinessLoad
	})
	require.NoError(t, s.Open(context.Background(), ""))
	require.NoError(t, s.Send(TypeChat, "early"))

	var echoed bool
	for !echoed {
		update := next(t, s)
		if update.Message.Is(TypeEcho) {
			require.Equal(t, "early", update.Message.Value)
			echoed = true
		}
	}
}

func TestShutdownClosesUpdates(t *testing.T) {
	s := newTestSession(t, nil)
	s.Shutdown()
	s.Shutdown()

	for range s.Updates() {
	}
	require.ErrorIs(t, s.Send(TypeChat, "x"), ErrSessionDone)
	require.ErrorIs(t, s.Open(context.Background(), ""), ErrSessionDone)
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Codec = "yaml"
	_, err := NewSession(cfg, logger.Discard())
	require.Error(t, err)
}
