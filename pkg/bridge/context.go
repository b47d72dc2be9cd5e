// Package bridge implements verified messaging between a window and the
// popups it opens. A Context owns everything one window instance needs:
// its token, handler directory, inbound listener and opener facade.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/config"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
	"popupbridge/pkg/window"
)

// Option configures a Context.
type Option func(*Context)

// WithCodec overrides the codec selected by config.BridgeConfig.Codec.
func WithCodec(codec envelope.Codec) Option {
	return func(c *Context) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithRegistry replaces the default token registry.
func WithRegistry(registry *identity.Registry) Option {
	return func(c *Context) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithEvents publishes to a shared event fan-out. The caller keeps
// ownership and closes it.
func WithEvents(events *bus.Events) Option {
	return func(c *Context) {
		if events != nil {
			c.events = events
			c.ownsEvents = false
		}
	}
}

type Context struct {
	self     window.Window
	cfg      config.BridgeConfig
	log      *slog.Logger
	codec    envelope.Codec
	registry *identity.Registry

	token      identity.Token
	dir        *bus.Directory
	events     *bus.Events
	ownsEvents bool
	listener   *bus.Listener
	opener     *OpenerFacade

	mu     sync.Mutex
	popups map[*Popup]struct{}
	closed bool
}

// New creates the bridge context for self and installs its inbound
// listener. Unless readiness is "load", self is marked ready immediately.
func New(self window.Window, cfg config.BridgeConfig, log *slog.Logger, opts ...Option) (*Context, error) {
	if self == nil {
		return nil, errors.New("window is required")
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Context{
		self:       self,
		cfg:        cfg,
		registry:   identity.NewRegistry(),
		events:     bus.NewEvents(),
		ownsEvents: true,
		popups:     make(map[*Popup]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.codec == nil {
		codec, err := envelope.NewCodec(cfg.Codec)
		if err != nil {
			return nil, fmt.Errorf("configure codec: %w", err)
		}
		c.codec = codec
	}

	c.token = c.registry.Ensure(self)
	c.log = log.With("component", "bridge.context", "window", self.ID())
	c.dir = bus.NewDirectory(log, c.events)
	c.listener = bus.NewListener(self, c.token, c.codec, c.dir, c.events, log)
	c.opener = &OpenerFacade{ctx: c, log: log.With("component", "bridge.opener", "window", self.ID())}

	c.listener.Install()
	if !c.loadReadiness() {
		self.State().SetReady(true)
	}

	c.log.Debug("Bridge context ready", "token", c.token.Short(), "codec", c.codec.Name())
	return c, nil
}

// OpenChannel opens url in a new window and returns a handle for talking
// to it. It fails with ErrWindowOpen when the environment returns no window.
//
// Call it on the context's own execution context, and add the handle's
// message handlers in the same turn. Inbound messages are dispatched on that
// context too, so none from the new window can arrive before the handle is
// wired.
func (c *Context) OpenChannel(ctx context.Context, url, target, features string) (*Popup, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(url) == "" {
		return nil, NewError(ErrorWindowOpen, "url is required")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	w := c.self.Open(url, target, features)
	if w == nil {
		c.log.Warn("Window open refused", "url", url)
		return nil, NewError(ErrorWindowOpen, fmt.Sprintf("can not open window for %s", url))
	}

	token := c.registry.Ensure(w)
	p := newPopup(c, w, url, token)
	c.dir.Attach(token, p.messages)

	c.mu.Lock()
	c.popups[p] = struct{}{}
	c.mu.Unlock()

	p.watch()
	c.log.Info("Opened popup", "url", url, "popup", w.ID(), "peer", token.Short())
	return p, nil
}

// Opener returns the facade for the window that opened this one.
func (c *Context) Opener() *OpenerFacade {
	return c.opener
}

func (c *Context) Token() identity.Token {
	return c.token
}

func (c *Context) Window() window.Window {
	return c.self
}

func (c *Context) Directory() *bus.Directory {
	return c.dir
}

func (c *Context) Events() *bus.Events {
	return c.events
}

// Popups returns the handles that have not seen their window close yet.
func (c *Context) Popups() []*Popup {
	c.mu.Lock()
	defer c.mu.Unlock()

	popups := make([]*Popup, 0, len(c.popups))
	for p := range c.popups {
		popups = append(popups, p)
	}
	return popups
}

// Close detaches the context from its window. Popups stay open but their
// queues are abandoned and no further messages are dispatched.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	popups := make([]*Popup, 0, len(c.popups))
	for p := range c.popups {
		popups = append(popups, p)
	}
	c.popups = make(map[*Popup]struct{})
	c.mu.Unlock()

	c.listener.Uninstall()
	for _, p := range popups {
		p.detach()
	}
	for _, token := range c.dir.Tokens() {
		c.dir.Remove(token)
	}
	if c.ownsEvents {
		c.events.Close()
	}

	c.log.Debug("Bridge context closed", "popups", len(popups))
}

func (c *Context) forget(p *Popup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.popups, p)
}

func (c *Context) loadReadiness() bool {
	return strings.EqualFold(strings.TrimSpace(c.cfg.Readiness), config.ReadinessLoad)
}

func (c *Context) targetOrigin(origins []string) string {
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			return origin
		}
	}
	return c.cfg.TargetOrigin()
}

func (c *Context) encode(senderVerify, recipient identity.Token, msg envelope.Message) ([]byte, error) {
	data, err := c.codec.Encode(envelope.Envelope{
		SenderVerify:           senderVerify,
		RecipientHandlerVerify: recipient,
		Payload:                msg,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
