package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/logger"
)

type testPeer struct {
	ready atomic.Bool

	mu    sync.Mutex
	posts []Item
}

func (p *testPeer) Ready() bool { return p.ready.Load() }

func (p *testPeer) Post(data []byte, targetOrigin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, Item{Data: data, TargetOrigin: targetOrigin})
}

func (p *testPeer) snapshot() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Item(nil), p.posts...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueReadyPeerPostsImmediately(t *testing.T) {
	peer := &testPeer{}
	peer.ready.Store(true)
	q := New(peer, WithLogger(logger.Discard()))

	if err := q.Enqueue([]byte("one"), "*"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	posts := peer.snapshot()
	if len(posts) != 1 || string(posts[0].Data) != "one" || posts[0].TargetOrigin != "*" {
		t.Fatalf("posts = %+v, want one post to *", posts)
	}
	if q.Pending() != 0 || q.Retrying() {
		t.Fatalf("pending=%d retrying=%v, want empty idle queue", q.Pending(), q.Retrying())
	}
}

func TestQueuedMessagesFlushInOrderOnceReady(t *testing.T) {
	events := bus.NewEvents()
	t.Cleanup(events.Close)
	stream, unsubscribe := events.Subscribe(context.Background(), 64)
	defer unsubscribe()

	peer := &testPeer{}
	q := New(peer,
		WithRetryInterval(5*time.Millisecond),
		WithLogger(logger.Discard()),
		WithEvents(events, "opener", "popup"),
	)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue([]byte(fmt.Sprintf("m%d", i)), "https://example.com"); err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}
	if got := q.Pending(); got != 5 {
		t.Fatalf("Pending = %d, want 5", got)
	}
	if !q.Retrying() {
		t.Fatal("expected a pending retry while peer is not ready")
	}
	if len(peer.snapshot()) != 0 {
		t.Fatal("nothing should be posted before readiness")
	}

	peer.ready.Store(true)
	waitFor(t, time.Second, func() bool { return len(peer.snapshot()) == 5 })

	for i, post := range peer.snapshot() {
		if want := fmt.Sprintf("m%d", i); string(post.Data) != want {
			t.Fatalf("post %d = %q, want %q", i, post.Data, want)
		}
	}

	var flushed []bus.Event
	timeout := time.After(time.Second)
	for len(flushed) == 0 {
		select {
		case event := <-stream:
			if event.Type == bus.EventMessagesFlushed {
				flushed = append(flushed, event)
			}
		case <-timeout:
			t.Fatal("expected a messages_flushed event")
		}
	}
	time.Sleep(20 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case event := <-stream:
			if event.Type == bus.EventMessagesFlushed {
				flushed = append(flushed, event)
			}
		default:
			drained = true
		}
	}

	if len(flushed) != 1 || flushed[0].Count != 5 {
		t.Fatalf("flush events = %+v, want one flush of 5", flushed)
	}
}

func TestFlushDefersWhileRetryPending(t *testing.T) {
	peer := &testPeer{}
	q := New(peer, WithRetryInterval(time.Hour), WithLogger(logger.Discard()))
	t.Cleanup(func() { q.Abandon() })

	if err := q.Enqueue([]byte("a"), "*"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	peer.ready.Store(true)
	q.Flush()
	if err := q.Enqueue([]byte("b"), "*"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	if got := len(peer.snapshot()); got != 0 {
		t.Fatalf("posts while retry pending = %d, want 0", got)
	}
	if got := q.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
}

func TestMaxPending(t *testing.T) {
	peer := &testPeer{}
	q := New(peer, WithMaxPending(2), WithRetryInterval(time.Hour), WithLogger(logger.Discard()))
	t.Cleanup(func() { q.Abandon() })

	for i := 0; i < 2; i++ {
		if err := q.Enqueue([]byte("x"), "*"); err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}
	if err := q.Enqueue([]byte("x"), "*"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over limit error = %v, want ErrQueueFull", err)
	}
}

func TestMaxRetriesGivesUp(t *testing.T) {
	peer := &testPeer{}
	dropped := make(chan []Item, 1)
	q := New(peer,
		WithRetryInterval(2*time.Millisecond),
		WithMaxRetries(3),
		WithOnGiveUp(func(items []Item) { dropped <- items }),
		WithLogger(logger.Discard()),
	)

	if err := q.Enqueue([]byte("lost"), "*"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	select {
	case items := <-dropped:
		if len(items) != 1 || string(items[0].Data) != "lost" {
			t.Fatalf("dropped = %+v, want the queued item", items)
		}
	case <-time.After(time.Second):
		t.Fatal("expected queue to give up")
	}

	if q.Pending() != 0 || q.Retrying() {
		t.Fatalf("pending=%d retrying=%v, want idle queue after give up", q.Pending(), q.Retrying())
	}

	peer.ready.Store(true)
	if err := q.Enqueue([]byte("next"), "*"); err != nil {
		t.Fatalf("Enqueue after give up error: %v", err)
	}
	if got := peer.snapshot(); len(got) != 1 || string(got[0].Data) != "next" {
		t.Fatalf("posts = %+v, want only the new item", got)
	}
}

func TestAbandonStopsRetries(t *testing.T) {
	peer := &testPeer{}
	q := New(peer, WithRetryInterval(2*time.Millisecond), WithLogger(logger.Discard()))

	for i := 0; i < 3; i++ {
		if err := q.Enqueue([]byte("x"), "*"); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}

	if got := q.Abandon(); got != 3 {
		t.Fatalf("Abandon = %d, want 3", got)
	}
	if q.Retrying() {
		t.Fatal("expected no pending retry after Abandon")
	}
	if err := q.Enqueue([]byte("x"), "*"); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("Enqueue after Abandon error = %v, want ErrAbandoned", err)
	}

	peer.ready.Store(true)
	time.Sleep(20 * time.Millisecond)
	if got := len(peer.snapshot()); got != 0 {
		t.Fatalf("posts after Abandon = %d, want 0", got)
	}
}

func TestEnqueueCopiesData(t *testing.T) {
	peer := &testPeer{}
	q := New(peer, WithRetryInterval(time.Hour), WithLogger(logger.Discard()))
	t.Cleanup(func() { q.Abandon() })

	data := []byte("abc")
	if err := q.Enqueue(data, "*"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	data[0] = 'z'

	q.mu.Lock()
	got := string(q.items[0].Data)
	q.mu.Unlock()
	if got != "abc" {
		t.Fatalf("queued data = %q, want abc", got)
	}
}
