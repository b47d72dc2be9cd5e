package sim

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"popupbridge/pkg/logger"
	"popupbridge/pkg/window"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestBrowser(t *testing.T, opts ...Option) *Browser {
	t.Helper()

	b := NewBrowser(append([]Option{WithLogger(logger.Discard())}, opts...)...)
	t.Cleanup(b.Close)
	return b
}

func TestNewWindowRunsPageScriptBeforeLoad(t *testing.T) {
	rec := &recorder{}
	b := newTestBrowser(t, WithPage("https://opener.test/", func(w *Window) {
		rec.add("script:" + w.Location())
		w.AddEventListener(window.EventLoad, func(window.Event) { rec.add("load") })
	}))

	w := b.NewWindow("https://opener.test/")
	if w.Opener() != nil {
		t.Fatal("top-level window must not have an opener")
	}
	if !w.Loaded() {
		t.Fatal("expected NewWindow to wait for load")
	}
	if got, want := rec.list(), []string{"script:https://opener.test/", "load"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := w.Origin(); got != "https://opener.test" {
		t.Fatalf("Origin = %q, want https://opener.test", got)
	}
}

func TestOpenNavigatesFromBlank(t *testing.T) {
	rec := &recorder{}
	b := newTestBrowser(t,
		WithLoadDelay(20*time.Millisecond),
		WithPage("https://example.com/", func(*Window) { rec.add("script") }),
	)
	opener := b.NewWindow("https://opener.test/")

	var popup window.Window
	if err := opener.Run(func() {
		popup = opener.Open("https://example.com/", "", "")
		if popup.Location() != BlankURL {
			rec.add("not blank")
		}
		popup.AddEventListener(window.EventUnload, func(window.Event) { rec.add("unload:" + popup.Location()) })
		popup.AddEventListener(window.EventLoad, func(window.Event) { rec.add("load:" + popup.Location()) })
	}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	waitFor(t, func() bool { return len(rec.list()) == 3 })
	want := []string{"unload:about:blank", "script", "load:https://example.com/"}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if popup.Opener() != window.Window(opener) {
		t.Fatal("popup opener should be the opening window")
	}
}

func TestPopupBlockerReturnsNil(t *testing.T) {
	b := newTestBrowser(t, WithPopupBlocker(true))
	opener := b.NewWindow("https://opener.test/")

	if w := opener.Open("https://example.com/", "", ""); w != nil {
		t.Fatalf("Open with blocker = %v, want nil", w)
	}

	b.SetPopupBlocker(false)
	if w := opener.Open("https://example.com/", "", ""); w == nil {
		t.Fatal("expected Open to succeed once the blocker is off")
	}
}

func TestPostDeliversInOrderOnLoop(t *testing.T) {
	b := newTestBrowser(t)
	w := b.NewWindow("https://example.com/")

	rec := &recorder{}
	w.AddEventListener(window.EventMessage, func(event window.Event) { rec.add(string(event.Data)) })

	for _, msg := range []string{"a", "b", "c"} {
		w.Post([]byte(msg), "*")
	}
	w.Post([]byte("wrong-origin"), "https://other.test")
	w.Post([]byte("d"), "https://example.com/some/path")

	waitFor(t, func() bool { return len(rec.list()) == 4 })
	if got, want := rec.list(), []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}

func TestCloseFiresUnloadAndStopsLoop(t *testing.T) {
	b := newTestBrowser(t)
	w := b.NewWindow("https://example.com/")

	unloads := 0
	var mu sync.Mutex
	w.AddEventListener(window.EventUnload, func(window.Event) {
		mu.Lock()
		unloads++
		mu.Unlock()
	})

	w.UserClose()
	w.Close()
	<-w.Done()

	mu.Lock()
	defer mu.Unlock()
	if unloads != 1 {
		t.Fatalf("unloads = %d, want 1", unloads)
	}
	if !w.Closed() {
		t.Fatal("expected window to be closed")
	}
	if err := w.Run(func() {}); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("Run after close error = %v, want ErrWindowClosed", err)
	}
	if child := w.Open("https://example.com/", "", ""); child != nil {
		t.Fatal("closed window must not open children")
	}
}

func TestOnlyClosingUnloadIsFlagged(t *testing.T) {
	b := newTestBrowser(t)
	w := b.NewWindow("https://example.com/")

	var closing []bool
	var mu sync.Mutex
	w.AddEventListener(window.EventUnload, func(event window.Event) {
		mu.Lock()
		closing = append(closing, event.Closing)
		mu.Unlock()
	})

	w.Navigate("https://example.org/")
	w.Close()
	<-w.Done()

	mu.Lock()
	defer mu.Unlock()
	if want := []bool{false, true}; !reflect.DeepEqual(closing, want) {
		t.Fatalf("closing flags = %v, want %v", closing, want)
	}
}

func TestNamedTargetReusesWindow(t *testing.T) {
	b := newTestBrowser(t)
	opener := b.NewWindow("https://opener.test/")

	first := opener.Open("https://example.com/a", "panel", "")
	second := opener.Open("https://example.com/b", "panel", "")
	if first != second {
		t.Fatal("expected the named target to reuse the window")
	}

	waitFor(t, func() bool { return first.Location() == "https://example.com/b" })
	if got := len(b.Windows()); got != 2 {
		t.Fatalf("windows = %d, want 2", got)
	}
}

func TestLoadDelay(t *testing.T) {
	b := newTestBrowser(t, WithLoadDelay(30*time.Millisecond))
	opener := b.NewWindow("https://opener.test/")

	popup := opener.Open("https://example.com/", "", "")
	if popup.Location() != BlankURL {
		t.Fatalf("Location = %q, want about:blank before the load delay", popup.Location())
	}
	waitFor(t, func() bool { return popup.Location() == "https://example.com/" })
}

func TestOriginOf(t *testing.T) {
	tests := map[string]string{
		"https://Example.com/path?q=1": "https://example.com",
		"http://localhost:8080/":       "http://localhost:8080",
		"about:blank":                  "null",
		"":                             "null",
	}
	for input, want := range tests {
		if got := originOf(input); got != want {
			t.Fatalf("originOf(%q) = %q, want %q", input, got, want)
		}
	}
}
