package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
	"popupbridge/pkg/window"
)

// ErrUnauthenticated marks an envelope not addressed to this window.
var ErrUnauthenticated = errors.New("envelope not addressed to this window")

const (
	dropMalformed       = "malformed"
	dropUnauthenticated = "unauthenticated"
)

// Listener is the single inbound message listener of a window context and
// the only place that decides whether cross-window data is accepted.
type Listener struct {
	self   window.Window
	token  identity.Token
	codec  envelope.Codec
	dir    *Directory
	events *Events
	log    *slog.Logger

	installOnce sync.Once
	mu          sync.Mutex
	remove      func()
}

func NewListener(self window.Window, token identity.Token, codec envelope.Codec, dir *Directory, events *Events, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = envelope.JSONCodec{}
	}

	return &Listener{
		self:   self,
		token:  token,
		codec:  codec,
		dir:    dir,
		events: events,
		log:    log.With("component", "bus.listener", "window", self.ID()),
	}
}

// Install registers the listener on its window. Only the first call has an
// effect.
func (l *Listener) Install() {
	l.installOnce.Do(func() {
		remove := l.self.AddEventListener(window.EventMessage, l.HandleEvent)

		l.mu.Lock()
		l.remove = remove
		l.mu.Unlock()
	})
}

// Uninstall removes the listener from its window.
func (l *Listener) Uninstall() {
	l.mu.Lock()
	remove := l.remove
	l.remove = nil
	l.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// HandleEvent is the window.Listener installed by Install.
func (l *Listener) HandleEvent(event window.Event) {
	if event.Kind != window.EventMessage {
		return
	}
	_, _ = l.Receive(event.Data)
}

// Receive decodes, authenticates and dispatches one inbound payload. It
// returns the number of handlers that ran, or the reason the payload was
// dropped.
func (l *Listener) Receive(data []byte) (int, error) {
	env, err := l.codec.Decode(data)
	if err != nil {
		l.drop(dropMalformed, "")
		return 0, err
	}

	if env.SenderVerify != l.token {
		l.drop(dropUnauthenticated, env.RecipientHandlerVerify.Short())
		return 0, fmt.Errorf("%w: sender %s", ErrUnauthenticated, env.RecipientHandlerVerify.Short())
	}

	count := l.dir.Dispatch(env.RecipientHandlerVerify, env.Payload)
	l.events.Publish(Event{
		Type:        EventMessageDelivered,
		Window:      l.self.ID(),
		Peer:        env.RecipientHandlerVerify.Short(),
		MessageType: env.Payload.Type.String(),
		Count:       count,
	})
	return count, nil
}

// drop records a rejected payload. Unrelated cross-window traffic is
// expected, so this is debug-level only.
func (l *Listener) drop(reason, peer string) {
	l.log.Debug("Dropped inbound data", "reason", reason, "peer", peer)
	l.events.Publish(Event{
		Type:   EventEnvelopeDropped,
		Window: l.self.ID(),
		Peer:   peer,
		Reason: reason,
	})
}
