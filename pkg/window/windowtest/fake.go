// Package windowtest provides a synchronous, recording window.Window for
// unit tests that do not need a full simulated browser.
package windowtest

import (
	"slices"
	"sync"

	"popupbridge/pkg/window"
)

// Post is one recorded Post call.
type Post struct {
	Data         []byte
	TargetOrigin string
}

// Fake records posts and lets tests fire events by hand.
type Fake struct {
	id     string
	origin string
	state  *window.MemoryState

	mu        sync.Mutex
	location  string
	opener    window.Window
	posts     []Post
	listeners map[window.EventKind]map[int]window.Listener
	nextID    int
	closed    bool
	children  []*Fake
	blockOpen bool
}

func New(id, location string) *Fake {
	return &Fake{
		id:        id,
		origin:    "https://fake.test",
		location:  location,
		state:     window.NewMemoryState(),
		listeners: make(map[window.EventKind]map[int]window.Listener),
	}
}

// WithOpener sets the window's opener and returns the fake.
func (f *Fake) WithOpener(opener window.Window) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opener = opener
	return f
}

// BlockOpen makes Open return nil.
func (f *Fake) BlockOpen(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockOpen = block
}

func (f *Fake) ID() string { return f.id }

func (f *Fake) Origin() string { return f.origin }

func (f *Fake) State() window.State { return f.state }

func (f *Fake) Location() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location
}

// SetLocation changes the location without firing events.
func (f *Fake) SetLocation(location string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = location
}

func (f *Fake) Opener() window.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opener
}

// Open returns a child at about:blank; tests move it to url with
// SetLocation and fire its lifecycle events by hand.
func (f *Fake) Open(_, _, _ string) window.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockOpen {
		return nil
	}

	child := New(f.id+".child", "about:blank")
	child.opener = f
	f.children = append(f.children, child)
	return child
}

// Children returns windows created through Open.
func (f *Fake) Children() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.children...)
}

func (f *Fake) Post(data []byte, targetOrigin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.posts = append(f.posts, Post{Data: append([]byte(nil), data...), TargetOrigin: targetOrigin})
}

// Posts returns a copy of everything posted to the window.
func (f *Fake) Posts() []Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Post(nil), f.posts...)
}

func (f *Fake) AddEventListener(kind window.EventKind, fn window.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listeners[kind] == nil {
		f.listeners[kind] = make(map[int]window.Listener)
	}
	id := f.nextID
	f.nextID++
	f.listeners[kind][id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[kind], id)
	}
}

// ListenerCount reports how many listeners are registered for kind.
func (f *Fake) ListenerCount(kind window.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[kind])
}

// Fire invokes every listener for event.Kind synchronously in registration order.
func (f *Fake) Fire(event window.Event) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.listeners[event.Kind]))
	for id := range f.listeners[event.Kind] {
		ids = append(ids, id)
	}
	fns := make([]window.Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, f.listeners[event.Kind][id])
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Deliver fires a message event carrying data.
func (f *Fake) Deliver(data []byte, source window.Window) {
	origin := ""
	if source != nil {
		origin = source.Origin()
	}
	f.Fire(window.Event{Kind: window.EventMessage, Data: data, Origin: origin, Source: source})
}

// Close fires unload and marks the window closed.
func (f *Fake) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.Fire(window.Event{Kind: window.EventUnload, Closing: true})

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
