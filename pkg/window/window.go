// Package window describes the host environment a bridge runs in: window
// instances, the open primitive, the fire-and-forget message transport and
// the load/unload lifecycle. Implementations live in pkg/sim (in memory) and
// pkg/jswindow (browser, js/wasm).
package window

// EventKind identifies what a window event carries.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventLoad    EventKind = "load"
	EventUnload  EventKind = "unload"
)

// Event is delivered to listeners registered with AddEventListener.
// Data, Origin and Source are only set for EventMessage. Closing is set on
// the unload fired because the window itself is going away, as opposed to a
// navigation.
type Event struct {
	Kind    EventKind
	Data    []byte
	Origin  string
	Source  Window
	Closing bool
}

// Listener handles one window event. Listeners run on the window's own
// execution context and must not block.
type Listener func(Event)

// Window is one window instance as seen from any execution context that
// holds a reference to it.
type Window interface {
	// ID is a diagnostic name, stable for the window's lifetime.
	ID() string

	// Location returns the current document URL.
	Location() string

	// Origin returns scheme://host of the current document.
	Origin() string

	// Opener returns the window that opened this one, or nil.
	Opener() Window

	// Open asks the environment for a new child window. It returns nil when
	// the environment refuses (for example a popup blocker).
	Open(url, target, features string) Window

	// Post sends data to this window. Delivery is asynchronous and not
	// guaranteed; data posted to a closed window or to a non-matching
	// targetOrigin is dropped. Post never blocks and never calls back
	// synchronously.
	Post(data []byte, targetOrigin string)

	// AddEventListener registers fn for kind and returns a func removing it.
	AddEventListener(kind EventKind, fn Listener) (remove func())

	// Close closes the window. Closing an already closed window is a no-op.
	Close()

	// Closed reports whether the window has been closed.
	Closed() bool

	// State returns the per-instance record shared by every context that
	// references this window.
	State() State
}
