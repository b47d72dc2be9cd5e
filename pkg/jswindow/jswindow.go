//go:build js && wasm

// Package jswindow adapts browser windows to window.Window through
// syscall/js. The per-window state record lives in a property on the JS
// window object so opener and popup contexts see the same values.
package jswindow

import (
	"strconv"
	"syscall/js"
	"unicode/utf8"

	"popupbridge/pkg/window"
)

const stateProperty = "__popupbridge"

// Window wraps one JS window object.
type Window struct {
	value js.Value
}

// Current returns the window the program runs in.
func Current() *Window {
	return Wrap(js.Global())
}

// Wrap returns the adapter for a JS window value, or nil for null and
// undefined.
func Wrap(value js.Value) *Window {
	if value.IsNull() || value.IsUndefined() {
		return nil
	}
	return &Window{value: value}
}

// Value returns the underlying JS window object.
func (w *Window) Value() js.Value {
	return w.value
}

func (w *Window) ID() string {
	record := w.record()
	if id := record.Get("id"); id.Type() == js.TypeString {
		return id.String()
	}

	id := "js-" + strconv.FormatInt(int64(js.Global().Get("Math").Call("random").Float()*1e12), 36)
	record.Set("id", id)
	return id
}

func (w *Window) Location() (href string) {
	defer func() {
		// Cross-origin windows throw on location access.
		if recover() != nil {
			href = ""
		}
	}()
	return w.value.Get("location").Get("href").String()
}

func (w *Window) Origin() (origin string) {
	defer func() {
		if recover() != nil {
			origin = "null"
		}
	}()
	return w.value.Get("location").Get("origin").String()
}

func (w *Window) Opener() window.Window {
	opener := Wrap(w.value.Get("opener"))
	if opener == nil {
		return nil
	}
	return opener
}

func (w *Window) Open(url, target, features string) window.Window {
	child := Wrap(w.value.Call("open", url, target, features))
	if child == nil {
		return nil
	}
	return child
}

// Post sends text payloads as strings and anything else as a Uint8Array.
func (w *Window) Post(data []byte, targetOrigin string) {
	if w.Closed() {
		return
	}

	var payload any
	if isText(data) {
		payload = string(data)
	} else {
		buf := js.Global().Get("Uint8Array").New(len(data))
		js.CopyBytesToJS(buf, data)
		payload = buf
	}
	w.value.Call("postMessage", payload, targetOrigin)
}

func (w *Window) AddEventListener(kind window.EventKind, fn window.Listener) func() {
	handler := js.FuncOf(func(this js.Value, args []js.Value) any {
		event := window.Event{Kind: kind}
		if kind == window.EventMessage && len(args) > 0 {
			event.Data = eventData(args[0].Get("data"))
			event.Origin = args[0].Get("origin").String()
			if source := Wrap(args[0].Get("source")); source != nil {
				event.Source = source
			}
		}
		fn(event)
		return nil
	})

	w.value.Call("addEventListener", string(kind), handler)
	removed := false
	return func() {
		if removed {
			return
		}
		removed = true
		w.value.Call("removeEventListener", string(kind), handler)
		handler.Release()
	}
}

func (w *Window) Close() {
	w.value.Call("close")
}

func (w *Window) Closed() bool {
	closed := w.value.Get("closed")
	return closed.Type() == js.TypeBoolean && closed.Bool()
}

func (w *Window) State() window.State {
	return state{record: w.record()}
}

func (w *Window) record() js.Value {
	record := w.value.Get(stateProperty)
	if record.Type() != js.TypeObject {
		record = js.Global().Get("Object").New()
		w.value.Set(stateProperty, record)
	}
	return record
}

func eventData(data js.Value) []byte {
	switch {
	case data.Type() == js.TypeString:
		return []byte(data.String())
	case data.InstanceOf(js.Global().Get("Uint8Array")):
		buf := make([]byte, data.Get("length").Int())
		js.CopyBytesToGo(buf, data)
		return buf
	case data.InstanceOf(js.Global().Get("ArrayBuffer")):
		view := js.Global().Get("Uint8Array").New(data)
		buf := make([]byte, view.Get("length").Int())
		js.CopyBytesToGo(buf, view)
		return buf
	default:
		return nil
	}
}

// isText reports whether data is a JSON document; CBOR envelopes start with
// a map header and never match.
func isText(data []byte) bool {
	return len(data) > 0 && data[0] == '{' && utf8.Valid(data)
}

// state reads and writes the record object on every call.
type state struct {
	record js.Value
}

func (s state) Token() string {
	if token := s.record.Get("token"); token.Type() == js.TypeString {
		return token.String()
	}
	return ""
}

func (s state) EnsureToken(mint func() string) string {
	if token := s.Token(); token != "" {
		return token
	}
	token := mint()
	s.record.Set("token", token)
	return token
}

func (s state) Ready() bool {
	return s.flag("ready")
}

func (s state) SetReady(ready bool) {
	s.record.Set("ready", ready)
}

func (s state) ClosedByUs() bool {
	return s.flag("closedByUs")
}

func (s state) MarkClosedByUs() {
	s.record.Set("closedByUs", true)
}

func (s state) flag(name string) bool {
	value := s.record.Get(name)
	return value.Type() == js.TypeBoolean && value.Bool()
}
