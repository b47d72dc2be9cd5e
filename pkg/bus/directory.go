package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
)

// Directory maps a peer token to the handlers registered for messages from
// that peer. One directory exists per window context.
type Directory struct {
	log    *slog.Logger
	events *Events

	mu   sync.RWMutex
	sets map[identity.Token]*HandlerSet
}

func NewDirectory(log *slog.Logger, events *Events) *Directory {
	if log == nil {
		log = slog.Default()
	}

	return &Directory{
		log:    log.With("component", "bus.directory"),
		events: events,
		sets:   make(map[identity.Token]*HandlerSet),
	}
}

// Register adds h to the set for token, creating the set if needed.
// Registering the same handler twice is a no-op.
func (d *Directory) Register(token identity.Token, h MessageHandler) error {
	if err := checkComparable(h); err != nil {
		return err
	}

	_, err := d.setFor(token).Add(h)
	return err
}

// Unregister removes h from the set for token if present.
func (d *Directory) Unregister(token identity.Token, h MessageHandler) {
	d.mu.RLock()
	set, ok := d.sets[token]
	d.mu.RUnlock()
	if !ok || h == nil {
		return
	}

	set.Remove(h)
}

// Attach installs set as the entry for token, replacing any previous one.
func (d *Directory) Attach(token identity.Token, set *HandlerSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets[token] = set
}

// Detach drops the entry for token only while it is still set. A window
// reused for a new handle keeps the newer handle's entry.
func (d *Directory) Detach(token identity.Token, set *HandlerSet) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.sets[token]; !ok || current != set {
		return false
	}
	delete(d.sets, token)
	return true
}

// Remove drops the entry for token.
func (d *Directory) Remove(token identity.Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sets, token)
}

// Len returns the number of handlers registered for token.
func (d *Directory) Len(token identity.Token) int {
	d.mu.RLock()
	set, ok := d.sets[token]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return set.Len()
}

// Tokens lists every token with an entry, sorted.
func (d *Directory) Tokens() []identity.Token {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tokens := make([]identity.Token, 0, len(d.sets))
	for token := range d.sets {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Dispatch runs every handler registered for token in insertion order and
// returns how many ran. A failing handler is logged and does not stop the
// rest. An unknown token is ignored.
func (d *Directory) Dispatch(token identity.Token, msg envelope.Message) int {
	d.mu.RLock()
	set, ok := d.sets[token]
	d.mu.RUnlock()
	if !ok {
		return 0
	}

	handlers := set.Snapshot()
	for _, h := range handlers {
		if err := invoke(token, h, msg); err != nil {
			d.log.Error("Message handler failed", "peer", token.Short(), "message_type", msg.Type.String(), "error", err)
			d.events.Publish(Event{
				Type:        EventHandlerFailed,
				Peer:        token.Short(),
				MessageType: msg.Type.String(),
				Error:       err.Error(),
			})
		}
	}

	return len(handlers)
}

func (d *Directory) setFor(token identity.Token) *HandlerSet {
	d.mu.RLock()
	set, ok := d.sets[token]
	d.mu.RUnlock()
	if ok {
		return set
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok = d.sets[token]
	if ok {
		return set
	}

	set = NewHandlerSet()
	d.sets[token] = set
	return set
}

func invoke(token identity.Token, h MessageHandler, msg envelope.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerInvocationError{
				Token:       token,
				MessageType: msg.Type.String(),
				Err:         fmt.Errorf("panic: %v", r),
				Panic:       r,
			}
		}
	}()

	if handlerErr := h.HandleMessage(msg); handlerErr != nil {
		return &HandlerInvocationError{Token: token, MessageType: msg.Type.String(), Err: handlerErr}
	}
	return nil
}
