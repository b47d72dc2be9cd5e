package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

type EventType string

const (
	EventMessageQueued    EventType = "message_queued"
	EventMessagesFlushed  EventType = "messages_flushed"
	EventFlushDeferred    EventType = "flush_deferred"
	EventQueueGaveUp      EventType = "queue_gave_up"
	EventMessageSent      EventType = "message_sent"
	EventMessageDelivered EventType = "message_delivered"
	EventEnvelopeDropped  EventType = "envelope_dropped"
	EventHandlerFailed    EventType = "handler_failed"
	EventWindowClosed     EventType = "window_closed"
)

// Event is a diagnostic record of something the bridge did. Subscribers
// use it for UIs and tests; the core never depends on it being read.
type Event struct {
	Type        EventType `json:"type"`
	At          time.Time `json:"at"`
	Window      string    `json:"window,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	Count       int       `json:"count,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Events fans diagnostic events out to subscribers without ever blocking the
// publisher.
type Events struct {
	subscribers      map[uint64]chan Event
	nextSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewEvents() *Events {
	return &Events{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// Publish delivers event to every subscriber with buffer room and reports
// whether the fan-out is still open. A nil receiver is allowed.
func (e *Events) Publish(event Event) bool {
	if e == nil {
		return false
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-e.done:
		return false
	default:
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

// Subscribe returns a channel of future events and a func that ends the
// subscription. The channel is closed on unsubscribe, ctx cancellation or
// Close.
func (e *Events) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := e.nextSubscriberID
	e.nextSubscriberID++
	e.subscribers[id] = ch
	e.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			if eventCh, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(eventCh)
			}
			e.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-e.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

// Close ends every subscription. Later publishes are ignored.
func (e *Events) Close() {
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		for id, ch := range e.subscribers {
			close(ch)
			delete(e.subscribers, id)
		}
		e.mu.Unlock()
	})
}
