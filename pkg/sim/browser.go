// Package sim is an in-memory browser: windows with their own event loops,
// an open primitive with a popup blocker, navigation with load and unload
// events, and an asynchronous postMessage transport.
package sim

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"popupbridge/pkg/envelope"
)

// BlankURL is where every new window starts.
const BlankURL = "about:blank"

// Script runs inside a window's event loop when a page is loaded there,
// before the load event fires.
type Script func(w *Window)

// Option configures a Browser.
type Option func(*Browser)

// WithCodec sets the codec pages should use for their bridge contexts.
func WithCodec(codec envelope.Codec) Option {
	return func(b *Browser) {
		if codec != nil {
			b.codec = codec
		}
	}
}

// WithLoadDelay delays every navigation by d.
func WithLoadDelay(d time.Duration) Option {
	return func(b *Browser) {
		if d > 0 {
			b.loadDelay = d
		}
	}
}

// WithPopupBlocker makes Window.Open refuse every request.
func WithPopupBlocker(on bool) Option {
	return func(b *Browser) {
		b.blocker = on
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(b *Browser) {
		if log != nil {
			b.log = log
		}
	}
}

// WithPage registers the script run when a window loads url. A URL that
// matches no page loads as an empty document.
func WithPage(url string, script Script) Option {
	return func(b *Browser) {
		b.pages[url] = script
	}
}

type Browser struct {
	codec     envelope.Codec
	loadDelay time.Duration
	log       *slog.Logger

	mu      sync.RWMutex
	blocker bool
	pages   map[string]Script
	windows []*Window
	named   map[string]*Window
	nextID  int
}

func NewBrowser(opts ...Option) *Browser {
	b := &Browser{
		codec: envelope.JSONCodec{},
		log:   slog.Default(),
		pages: make(map[string]Script),
		named: make(map[string]*Window),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "sim.browser")
	return b
}

// Codec returns the codec pages are expected to use.
func (b *Browser) Codec() envelope.Codec {
	return b.codec
}

// SetPopupBlocker toggles the popup blocker at runtime.
func (b *Browser) SetPopupBlocker(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocker = on
}

// SetPage registers or replaces the script for url.
func (b *Browser) SetPage(url string, script Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = script
}

// NewWindow opens a top-level window at url and waits for it to load.
func (b *Browser) NewWindow(url string) *Window {
	w := b.newWindow(nil, "")
	done := make(chan struct{})
	w.schedule(func() {
		defer close(done)
		w.navigate(url)
	})
	<-done
	return w
}

// Windows returns every window the browser created, open or closed.
func (b *Browser) Windows() []*Window {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Window(nil), b.windows...)
}

// Close closes every open window and waits for their loops to stop.
func (b *Browser) Close() {
	for _, w := range b.Windows() {
		w.Close()
	}
	for _, w := range b.Windows() {
		<-w.exited
	}
}

func (b *Browser) newWindow(opener *Window, name string) *Window {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("w%d", b.nextID)
	w := newWindow(b, id, opener, name)
	b.windows = append(b.windows, w)
	if name != "" {
		b.named[name] = w
	}
	b.mu.Unlock()

	go w.loop()
	return w
}

// open implements Window.Open for opener.
func (b *Browser) open(opener *Window, url, target string) *Window {
	b.mu.RLock()
	blocked := b.blocker
	b.mu.RUnlock()
	if blocked {
		b.log.Info("Popup blocked", "url", url, "opener", opener.id)
		return nil
	}

	name := strings.TrimSpace(target)
	if name == "_blank" {
		name = ""
	}

	if existing := b.namedWindow(name); existing != nil {
		b.log.Debug("Reusing named window", "name", name, "window", existing.id)
		existing.navigateLater(url, b.loadDelay)
		return existing
	}

	w := b.newWindow(opener, name)
	b.log.Debug("Opened window", "window", w.id, "opener", opener.id, "url", url)
	w.navigateLater(url, b.loadDelay)
	return w
}

func (b *Browser) namedWindow(name string) *Window {
	if name == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.named[name]
	if !ok || w.Closed() {
		return nil
	}
	return w
}

func (b *Browser) page(url string) Script {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pages[url]
}
