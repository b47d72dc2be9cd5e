// Package queue buffers outbound envelopes for one peer window until the
// peer reports that it can receive them.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"popupbridge/pkg/bus"
)

const DefaultRetryInterval = 100 * time.Millisecond

var (
	ErrQueueFull = errors.New("outbound queue is full")
	ErrAbandoned = errors.New("outbound queue abandoned")
)

// Peer is the receiving side of a queue.
type Peer interface {
	Ready() bool
	Post(data []byte, targetOrigin string)
}

// Item is one queued post.
type Item struct {
	Data         []byte
	TargetOrigin string
}

// Option configures a Queue.
type Option func(*Queue)

func WithRetryInterval(interval time.Duration) Option {
	return func(q *Queue) {
		if interval > 0 {
			q.interval = interval
		}
	}
}

// WithMaxPending bounds the number of queued items. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPending = n
		}
	}
}

// WithMaxRetries bounds how many times a flush is retried while the peer is
// not ready. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithOnGiveUp is called with the dropped items when the retry limit is hit.
func WithOnGiveUp(fn func([]Item)) Option {
	return func(q *Queue) {
		q.onGiveUp = fn
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithEvents publishes queue activity, tagged with the owning window and peer.
func WithEvents(events *bus.Events, window, peer string) Option {
	return func(q *Queue) {
		q.events = events
		q.window = window
		q.peer = peer
	}
}

// Queue is a FIFO of posts for one peer. At most one retry timer is
// pending at a time; items enqueued while it waits go out in the same flush.
type Queue struct {
	target     Peer
	interval   time.Duration
	maxPending int
	maxRetries int
	onGiveUp   func([]Item)
	log        *slog.Logger
	events     *bus.Events
	window     string
	peer       string

	// flushMu keeps posts from concurrent flushes in enqueue order.
	flushMu sync.Mutex

	mu        sync.Mutex
	items     []Item
	timer     *time.Timer
	retries   int
	abandoned bool
}

func New(target Peer, opts ...Option) *Queue {
	q := &Queue{
		target:   target,
		interval: DefaultRetryInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue", "peer", q.peer)
	return q
}

// Enqueue appends one post and attempts a flush.
func (q *Queue) Enqueue(data []byte, targetOrigin string) error {
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return ErrAbandoned
	}
	if q.maxPending > 0 && len(q.items) >= q.maxPending {
		pending := len(q.items)
		q.mu.Unlock()
		return fmt.Errorf("%w: %d pending", ErrQueueFull, pending)
	}

	q.items = append(q.items, Item{Data: append([]byte(nil), data...), TargetOrigin: targetOrigin})
	pending := len(q.items)
	q.mu.Unlock()

	q.publish(bus.EventMessageQueued, pending, "")
	q.Flush()
	return nil
}

// Flush posts every queued item if the peer is ready, or schedules a retry
// if it is not. It returns immediately when a retry is already pending.
func (q *Queue) Flush() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.abandoned || q.timer != nil || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}

	if !q.target.Ready() {
		if q.maxRetries > 0 && q.retries >= q.maxRetries {
			dropped := q.items
			q.items = nil
			q.retries = 0
			q.mu.Unlock()
			q.giveUp(dropped)
			return
		}

		q.retries++
		q.timer = time.AfterFunc(q.interval, q.retry)
		pending := len(q.items)
		q.mu.Unlock()

		q.publish(bus.EventFlushDeferred, pending, "peer not ready")
		return
	}

	items := q.items
	q.items = nil
	q.retries = 0
	q.mu.Unlock()

	for _, item := range items {
		q.target.Post(item.Data, item.TargetOrigin)
	}
	q.log.Debug("Flushed outbound queue", "count", len(items))
	q.publish(bus.EventMessagesFlushed, len(items), "")
}

func (q *Queue) retry() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()

	q.Flush()
}

func (q *Queue) giveUp(dropped []Item) {
	q.log.Warn("Peer never became ready; dropping queued messages", "count", len(dropped), "retries", q.maxRetries)
	q.publish(bus.EventQueueGaveUp, len(dropped), "retry limit reached")
	if q.onGiveUp != nil {
		q.onGiveUp(dropped)
	}
}

// Abandon stops any pending retry and discards queued items. Later
// Enqueue calls fail with ErrAbandoned. It returns the number discarded.
func (q *Queue) Abandon() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	discarded := len(q.items)
	q.items = nil
	q.abandoned = true
	return discarded
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Retrying reports whether a retry timer is pending.
func (q *Queue) Retrying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

func (q *Queue) publish(eventType bus.EventType, count int, reason string) {
	q.events.Publish(bus.Event{
		Type:   eventType,
		Window: q.window,
		Peer:   q.peer,
		Count:  count,
		Reason: reason,
	})
}
