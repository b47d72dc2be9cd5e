package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
	"popupbridge/pkg/queue"
	"popupbridge/pkg/window"
)

// CloseHandler is told once when a popup's window goes away.
type CloseHandler interface {
	HandleClose(note envelope.CloseNotification)
}

type closeFunc struct {
	fn func(envelope.CloseNotification)
}

func (h *closeFunc) HandleClose(note envelope.CloseNotification) {
	h.fn(note)
}

// CloseHandlerFunc wraps fn in a CloseHandler with pointer identity.
func CloseHandlerFunc(fn func(envelope.CloseNotification)) CloseHandler {
	return &closeFunc{fn: fn}
}

// windowPeer adapts a window to the queue's readiness check.
type windowPeer struct {
	window.Window
}

func (p windowPeer) Ready() bool {
	return p.State().Ready()
}

// Popup is the opener's handle on one window it opened.
type Popup struct {
	ctx   *Context
	win   window.Window
	url   string
	token identity.Token
	log   *slog.Logger

	queue         *queue.Queue
	messages      *bus.HandlerSet
	closeHandlers *bus.OrderedSet[CloseHandler]

	mu        sync.Mutex
	closed    bool
	loaded    bool
	detached  bool
	listeners []func()
}

func newPopup(c *Context, w window.Window, url string, token identity.Token) *Popup {
	log := c.log.With("component", "bridge.popup", "popup", w.ID())

	p := &Popup{
		ctx:           c,
		win:           w,
		url:           url,
		token:         token,
		log:           log,
		messages:      bus.NewHandlerSet(),
		closeHandlers: bus.NewOrderedSet[CloseHandler](),
	}
	p.queue = queue.New(windowPeer{Window: w},
		queue.WithRetryInterval(c.cfg.RetryInterval()),
		queue.WithMaxPending(c.cfg.MaxPending),
		queue.WithMaxRetries(c.cfg.MaxRetries),
		queue.WithLogger(log),
		queue.WithEvents(c.events, c.self.ID(), w.ID()),
	)
	return p
}

// watch subscribes to the owned window's lifecycle. A window that already
// shows the handle's URL counts as loaded.
func (p *Popup) watch() {
	removeLoad := p.win.AddEventListener(window.EventLoad, p.handleLoad)
	removeUnload := p.win.AddEventListener(window.EventUnload, p.handleUnload)

	p.mu.Lock()
	p.listeners = append(p.listeners, removeLoad, removeUnload)
	p.mu.Unlock()

	if p.atURL() {
		p.markLoaded()
	}
}

func (p *Popup) Name() string {
	return "popup"
}

// URL is the address the popup was opened with.
func (p *Popup) URL() string {
	return p.url
}

// Token is the popup window's token.
func (p *Popup) Token() identity.Token {
	return p.token
}

func (p *Popup) Window() window.Window {
	return p.win
}

// Closed reports whether the popup's window has unloaded.
func (p *Popup) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Pending returns the number of messages waiting for the popup to be ready.
func (p *Popup) Pending() int {
	return p.queue.Pending()
}

// SendMessage queues msg for the popup. It is posted once the popup is
// ready, in the order SendMessage was called.
func (p *Popup) SendMessage(msg envelope.Message, targetOrigin ...string) error {
	data, err := p.ctx.encode(p.token, p.ctx.token, msg)
	if err != nil {
		return err
	}

	if err := p.queue.Enqueue(data, p.ctx.targetOrigin(targetOrigin)); err != nil {
		return fmt.Errorf("send %q to popup: %w", msg.Type.String(), err)
	}
	return nil
}

// Close marks the popup as closed by us and closes its window.
func (p *Popup) Close() {
	p.win.State().MarkClosedByUs()
	p.win.Close()
}

func (p *Popup) AddMessageHandler(h bus.MessageHandler) error {
	_, err := p.messages.Add(h)
	return err
}

func (p *Popup) RemoveMessageHandler(h bus.MessageHandler) error {
	p.messages.Remove(h)
	return nil
}

func (p *Popup) AddCloseHandler(h CloseHandler) error {
	_, err := p.closeHandlers.Add(h)
	if err != nil {
		return fmt.Errorf("add close handler: %w", err)
	}
	return nil
}

func (p *Popup) RemoveCloseHandler(h CloseHandler) {
	p.closeHandlers.Remove(h)
}

func (p *Popup) atURL() bool {
	return strings.Contains(p.win.Location(), p.url)
}

func (p *Popup) handleLoad(window.Event) {
	if p.atURL() {
		p.markLoaded()
	}
}

func (p *Popup) markLoaded() {
	p.mu.Lock()
	first := !p.loaded
	p.loaded = true
	p.mu.Unlock()

	if first && p.ctx.loadReadiness() {
		p.win.State().SetReady(true)
		p.log.Debug("Popup marked ready on load", "url", p.url)
	}
}

// handleUnload runs when the owned window unloads. An unload that closes the
// window always counts. A navigation unload counts only at the handle's URL
// (and after load, in strict mode).
func (p *Popup) handleUnload(event window.Event) {
	if !event.Closing && !p.atURL() {
		return
	}

	p.mu.Lock()
	if p.closed || p.detached || (!event.Closing && p.ctx.cfg.StrictUnload && !p.loaded) {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	discarded := p.teardown()
	p.ctx.forget(p)

	note := envelope.CloseNotification{Type: envelope.CloseType}
	if !p.win.State().ClosedByUs() {
		note.Err = ErrClosedByUser
	}

	p.log.Info("Popup closed", "url", p.url, "by_user", note.ByUser(), "discarded", discarded)
	p.ctx.events.Publish(bus.Event{
		Type:   bus.EventWindowClosed,
		Window: p.ctx.self.ID(),
		Peer:   p.win.ID(),
		Count:  discarded,
		Reason: closeReason(note),
	})

	for _, h := range p.closeHandlers.Snapshot() {
		p.notify(h, note)
	}
}

func (p *Popup) notify(h CloseHandler, note envelope.CloseNotification) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Close handler panicked", "url", p.url, "panic", r)
		}
	}()
	h.HandleClose(note)
}

// teardown drops the handle's own directory entry, abandons the queue and
// removes the lifecycle listeners. It returns how many queued messages were
// discarded.
func (p *Popup) teardown() int {
	p.ctx.dir.Detach(p.token, p.messages)
	discarded := p.queue.Abandon()

	p.mu.Lock()
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	for _, remove := range listeners {
		remove()
	}
	return discarded
}

// detach is teardown without a close notification, used when the owning
// context closes before the popup does.
func (p *Popup) detach() {
	p.mu.Lock()
	if p.closed || p.detached {
		p.mu.Unlock()
		return
	}
	p.detached = true
	p.mu.Unlock()

	p.teardown()
}

func closeReason(note envelope.CloseNotification) string {
	if note.ByUser() {
		return "closed by user"
	}
	return "closed by bridge"
}
