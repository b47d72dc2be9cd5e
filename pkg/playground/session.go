// Package playground wires an opener window and an echoing popup together
// inside the simulated browser. The demo command and the console UI both
// drive a Session.
package playground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"popupbridge/pkg/bridge"
	"popupbridge/pkg/bus"
	"popupbridge/pkg/channel"
	"popupbridge/pkg/config"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/sim"
	"popupbridge/pkg/window"
)

const (
	// OpenerURL is where the session's top-level window lives.
	OpenerURL = "https://opener.popupbridge.test/"
	// DefaultPopupURL is opened when Open is called without a URL.
	DefaultPopupURL = "https://example.com/"
)

// Message types spoken between the two pages.
const (
	TypeChat      = "chat"
	TypeEcho      = "echo"
	TypeGreeting  = "popup-ready"
	TypeCloseSelf = "close-self"
)

const updateBuffer = 256

var (
	ErrNoPopup     = errors.New("no popup is open")
	ErrPopupOpen   = errors.New("a popup is already open")
	ErrSessionDone = errors.New("session is shut down")
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEvent   UpdateKind = "event"
	UpdateClosed  UpdateKind = "closed"
)

// Update is something the opener observed: a message from the popup, a
// bridge event or the popup's close notification.
type Update struct {
	Kind    UpdateKind
	Message envelope.Message
	Event   bus.Event
	Close   envelope.CloseNotification
}

// Info summarizes the session for status lines.
type Info struct {
	OpenerURL string
	PopupURL  string
	Codec     string
	Readiness string
	Token     string
	PopupOpen bool
	Pending   int
}

// Session owns one simulated browser with an opener page and at most one
// popup at a time.
type Session struct {
	cfg     *config.Config
	log     *slog.Logger
	codec   envelope.Codec
	browser *sim.Browser
	opener  *sim.Window
	bridge  *bridge.Context
	events  *bus.Events

	updates     chan Update
	forwardDone chan struct{}

	mu     sync.Mutex
	popup  *bridge.Popup
	pages  map[string]bool
	closed bool
}

// NewSession starts the browser and the opener page.
func NewSession(cfg *config.Config, log *slog.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	codec, err := envelope.NewCodec(cfg.Bridge.Codec)
	if err != nil {
		return nil, fmt.Errorf("configure codec: %w", err)
	}

	s := &Session{
		cfg:         cfg,
		log:         log.With("component", "playground"),
		codec:       codec,
		events:      bus.NewEvents(),
		updates:     make(chan Update, updateBuffer),
		forwardDone: make(chan struct{}),
		pages:       make(map[string]bool),
	}

	s.browser = sim.NewBrowser(
		sim.WithCodec(codec),
		sim.WithLoadDelay(cfg.Sim.LoadDelay()),
		sim.WithPopupBlocker(cfg.Sim.PopupBlocker),
		sim.WithLogger(log),
	)
	s.opener = s.browser.NewWindow(OpenerURL)

	var bridgeErr error
	if err := s.opener.Run(func() {
		s.bridge, bridgeErr = bridge.New(s.opener, cfg.Bridge, log, bridge.WithCodec(codec), bridge.WithEvents(s.events))
	}); err != nil {
		s.browser.Close()
		return nil, fmt.Errorf("start opener: %w", err)
	}
	if bridgeErr != nil {
		s.browser.Close()
		return nil, fmt.Errorf("start opener bridge: %w", bridgeErr)
	}

	events, _ := s.events.Subscribe(context.Background(), updateBuffer)
	go s.forward(events)

	s.log.Debug("Session started", "opener", s.opener.ID(), "codec", codec.Name())
	return s, nil
}

// Updates streams what the opener observes. It is closed by Shutdown.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// SetPopupBlocker toggles the browser's popup blocker.
func (s *Session) SetPopupBlocker(on bool) {
	s.browser.SetPopupBlocker(on)
}

// Open opens url as the session's popup. The page at url answers every chat
// message with an echo and greets the opener once its bridge is up.
func (s *Session) Open(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultPopupURL
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionDone
	}
	if s.popup != nil && !s.popup.Closed() {
		s.mu.Unlock()
		return ErrPopupOpen
	}
	if !s.pages[url] {
		s.pages[url] = true
		s.browser.SetPage(url, s.popupPage)
	}
	s.mu.Unlock()

	var (
		popup   *bridge.Popup
		openErr error
	)
	if err := s.opener.Run(func() {
		popup, openErr = s.bridge.OpenChannel(ctx, url, "", "")
		if openErr != nil {
			return
		}
		if err := popup.AddMessageHandler(bus.HandlerFunc(s.handlePopupMessage)); err != nil {
			openErr = err
			return
		}
		openErr = popup.AddCloseHandler(bridge.CloseHandlerFunc(s.handleClose))
	}); err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}

	s.mu.Lock()
	s.popup = popup
	s.mu.Unlock()
	return nil
}

// Send queues a message for the popup.
func (s *Session) Send(msgType string, value any) error {
	popup, err := s.currentPopup()
	if err != nil {
		return err
	}

	var sendErr error
	if err := s.opener.Run(func() {
		sendErr = popup.SendMessage(envelope.NewMessage(msgType, value))
	}); err != nil {
		return err
	}
	return sendErr
}

// Close closes the popup from the opener.
func (s *Session) Close() error {
	popup, err := s.currentPopup()
	if err != nil {
		return err
	}
	return s.opener.Run(popup.Close)
}

// CloseFromPopup asks the popup page to close itself through its opener
// facade.
func (s *Session) CloseFromPopup() error {
	return s.Send(TypeCloseSelf, nil)
}

// UserClose closes the popup the way an end user would, outside the
// bridge.
func (s *Session) UserClose() error {
	popup, err := s.currentPopup()
	if err != nil {
		return err
	}

	win, ok := popup.Window().(*sim.Window)
	if !ok {
		return fmt.Errorf("popup window %s is not simulated", popup.Window().ID())
	}
	win.UserClose()
	return nil
}

func (s *Session) Info() Info {
	info := Info{
		OpenerURL: OpenerURL,
		Codec:     s.codec.Name(),
		Readiness: s.cfg.Bridge.Readiness,
		Token:     s.bridge.Token().Short(),
	}

	s.mu.Lock()
	popup := s.popup
	s.mu.Unlock()
	if popup != nil {
		info.PopupURL = popup.URL()
		info.PopupOpen = !popup.Closed()
		info.Pending = popup.Pending()
	}
	return info
}

// Shutdown closes every window and ends the update stream.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.opener.Run(s.bridge.Close); err != nil {
		s.bridge.Close()
	}
	s.browser.Close()
	s.events.Close()
	<-s.forwardDone

	s.mu.Lock()
	close(s.updates)
	s.mu.Unlock()

	s.log.Debug("Session shut down")
}

func (s *Session) currentPopup() (*bridge.Popup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionDone
	}
	if s.popup == nil || s.popup.Closed() {
		return nil, ErrNoPopup
	}
	return s.popup, nil
}

func (s *Session) forward(events <-chan bus.Event) {
	defer close(s.forwardDone)
	for event := range events {
		s.emit(Update{Kind: UpdateEvent, Event: event})
	}
}

func (s *Session) handlePopupMessage(msg envelope.Message) error {
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	return nil
}

func (s *Session) handleClose(note envelope.CloseNotification) {
	s.emit(Update{Kind: UpdateClosed, Close: note})
}

// emit never blocks: handlers run on window loops that Send also waits on.
func (s *Session) emit(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && update.Kind != UpdateEvent {
		return
	}
	select {
	case s.updates <- update:
	default:
		s.log.Warn("Dropped session update", "kind", string(update.Kind))
	}
}

// popupPage runs inside each popup window when it loads.
func (s *Session) popupPage(w *sim.Window) {
	log := s.log.With("page", w.Location())

	ctx, err := bridge.New(w, s.cfg.Bridge, log, bridge.WithCodec(s.codec))
	if err != nil {
		log.Error("Popup bridge failed", "error", err)
		return
	}
	w.AddEventListener(window.EventUnload, func(window.Event) { ctx.Close() })

	facade := ctx.Opener()
	if _, err := channel.Serve(facade, func(msg envelope.Message) (envelope.Message, bool, error) {
		switch {
		case msg.Is(TypeCloseSelf):
			return envelope.Message{}, false, facade.CloseSelf()
		case msg.Is(TypeChat):
			return envelope.NewMessage(TypeEcho, msg.Value), true, nil
		default:
			return envelope.Message{}, false, nil
		}
	}); err != nil {
		log.Warn("Popup has no opener", "error", err)
		return
	}

	if err := facade.SendMessage(envelope.NewMessage(TypeGreeting, w.Location())); err != nil {
		log.Warn("Popup greeting failed", "error", err)
	}
}
