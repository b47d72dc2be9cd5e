package sim

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"popupbridge/pkg/window"
)

// ErrWindowClosed is returned by Run once the window's loop has stopped.
var ErrWindowClosed = errors.New("window is closed")

type listenerEntry struct {
	id int
	fn window.Listener
}

// Window is one simulated window. Everything that touches its document
// (listeners, scripts, event delivery) runs on its own loop goroutine, one
// task at a time.
type Window struct {
	browser *Browser
	id      string
	name    string
	opener  *Window
	state   *window.MemoryState

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu           sync.Mutex
	tasks        []func()
	location     string
	listeners    map[window.EventKind][]listenerEntry
	nextListener int
	loaded       bool
	closed       bool
	stopped      bool
}

func newWindow(b *Browser, id string, opener *Window, name string) *Window {
	return &Window{
		browser:   b,
		id:        id,
		name:      name,
		opener:    opener,
		state:     window.NewMemoryState(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		location:  BlankURL,
		listeners: make(map[window.EventKind][]listenerEntry),
	}
}

func (w *Window) ID() string { return w.id }

func (w *Window) State() window.State { return w.state }

func (w *Window) Location() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.location
}

// Origin returns scheme://host of the current document, or "null" for
// documents without one.
func (w *Window) Origin() string {
	return originOf(w.Location())
}

func (w *Window) Opener() window.Window {
	if w.opener == nil {
		return nil
	}
	return w.opener
}

// Loaded reports whether the current document has fired load.
func (w *Window) Loaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Open asks the browser for a child window. The child starts at
// about:blank and navigates to url on its own loop.
func (w *Window) Open(url, target, _ string) window.Window {
	if w.Closed() {
		return nil
	}

	child := w.browser.open(w, url, target)
	if child == nil {
		return nil
	}
	return child
}

// Post delivers data to this window as a message event on its loop.
// Posts to a closed window or to a non-matching origin are dropped.
func (w *Window) Post(data []byte, targetOrigin string) {
	if w.Closed() {
		w.browser.log.Debug("Dropped post to closed window", "window", w.id)
		return
	}

	origin := w.Origin()
	if !originMatches(targetOrigin, origin) {
		w.browser.log.Debug("Dropped post with mismatched target origin", "window", w.id, "target_origin", targetOrigin, "origin", origin)
		return
	}

	clone := append([]byte(nil), data...)
	w.schedule(func() {
		w.fire(window.Event{Kind: window.EventMessage, Data: clone})
	})
}

func (w *Window) AddEventListener(kind window.EventKind, fn window.Listener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextListener
	w.nextListener++
	w.listeners[kind] = append(w.listeners[kind], listenerEntry{id: id, fn: fn})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		entries := w.listeners[kind]
		for i, entry := range entries {
			if entry.id == id {
				w.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Close closes the window as a script would.
func (w *Window) Close() {
	w.schedule(w.closeNow)
}

// UserClose closes the window the way an end user does. The window cannot
// tell the difference; only the bridge's own state record can.
func (w *Window) UserClose() {
	w.browser.log.Debug("User closed window", "window", w.id)
	w.schedule(w.closeNow)
}

// Navigate loads url in this window: unload, new location, page script,
// load.
func (w *Window) Navigate(url string) {
	w.schedule(func() { w.navigate(url) })
}

// Run executes fn on the window's loop and waits for it to return. It
// must not be called from the window's own loop.
func (w *Window) Run(fn func()) error {
	finished := make(chan struct{})
	if !w.schedule(func() {
		defer close(finished)
		fn()
	}) {
		return ErrWindowClosed
	}

	select {
	case <-finished:
		return nil
	case <-w.exited:
		select {
		case <-finished:
			return nil
		default:
			return ErrWindowClosed
		}
	}
}

// Done is closed once the window's loop has stopped.
func (w *Window) Done() <-chan struct{} {
	return w.exited
}

func (w *Window) schedule(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *Window) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || len(w.tasks) == 0 {
		return nil, false
	}
	fn := w.tasks[0]
	w.tasks = w.tasks[1:]
	return fn, true
}

func (w *Window) loop() {
	defer close(w.exited)

	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			for {
				fn, ok := w.next()
				if !ok {
					break
				}
				fn()
			}
		}
	}
}

func (w *Window) navigateLater(url string, delay time.Duration) {
	if delay <= 0 {
		w.Navigate(url)
		return
	}
	time.AfterFunc(delay, func() { w.Navigate(url) })
}

// navigate runs on the loop.
func (w *Window) navigate(url string) {
	if w.Closed() {
		return
	}

	w.fire(window.Event{Kind: window.EventUnload})

	w.mu.Lock()
	w.location = url
	w.loaded = false
	w.mu.Unlock()

	if script := w.browser.page(url); script != nil {
		w.runScript(url, script)
	}

	w.mu.Lock()
	w.loaded = true
	w.mu.Unlock()

	w.fire(window.Event{Kind: window.EventLoad})
}

func (w *Window) runScript(url string, script Script) {
	defer func() {
		if r := recover(); r != nil {
			w.browser.log.Error("Page script panicked", "window", w.id, "url", url, "panic", r)
		}
	}()
	script(w)
}

// closeNow runs on the loop.
func (w *Window) closeNow() {
	if w.Closed() {
		return
	}

	w.fire(window.Event{Kind: window.EventUnload, Closing: true})

	w.mu.Lock()
	w.closed = true
	w.stopped = true
	w.tasks = nil
	w.mu.Unlock()

	close(w.done)
}

func (w *Window) fire(event window.Event) {
	w.mu.Lock()
	entries := append([]listenerEntry(nil), w.listeners[event.Kind]...)
	w.mu.Unlock()

	for _, entry := range entries {
		w.dispatch(entry.fn, event)
	}
}

func (w *Window) dispatch(fn window.Listener, event window.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.browser.log.Error("Event listener panicked", "window", w.id, "event", string(event.Kind), "panic", r)
		}
	}()
	fn(event)
}

func originOf(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func originMatches(targetOrigin, origin string) bool {
	targetOrigin = strings.TrimSpace(targetOrigin)
	if targetOrigin == "*" {
		return true
	}
	if targetOrigin == "" {
		return false
	}
	return originOf(targetOrigin) == origin
}
