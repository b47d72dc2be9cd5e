package bridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popupbridge/pkg/bridge"
	"popupbridge/pkg/bus"
	"popupbridge/pkg/channel"
	"popupbridge/pkg/config"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/logger"
	"popupbridge/pkg/queue"
	"popupbridge/pkg/sim"
)

const (
	openerURL = "https://opener.test/"
	popupURL  = "https://example.com/"
)

func testConfig() config.BridgeConfig {
	cfg := config.Default().Bridge
	cfg.RetryIntervalMS = 5
	return cfg
}

// inbox collects messages delivered to a handler.
type inbox struct {
	mu       sync.Mutex
	messages []envelope.Message
}

func (b *inbox) handler() bus.MessageHandler {
	return bus.HandlerFunc(func(msg envelope.Message) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.messages = append(b.messages, msg)
		return nil
	})
}

func (b *inbox) list() []envelope.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]envelope.Message(nil), b.messages...)
}

// closeLog collects close notifications.
type closeLog struct {
	mu    sync.Mutex
	notes []envelope.CloseNotification
}

func (l *closeLog) handler() bridge.CloseHandler {
	return bridge.CloseHandlerFunc(func(note envelope.CloseNotification) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.notes = append(l.notes, note)
	})
}

func (l *closeLog) list() []envelope.CloseNotification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]envelope.CloseNotification(nil), l.notes...)
}

// popupPage is a page script that creates a bridge context in the popup and
// hands it to the test.
type popupPage struct {
	cfg      config.BridgeConfig
	contexts chan *bridge.Context
	windows  chan *sim.Window
	setup    func(*bridge.Context)
}

func newPopupPage(cfg config.BridgeConfig, setup func(*bridge.Context)) *popupPage {
	return &popupPage{
		cfg:      cfg,
		contexts: make(chan *bridge.Context, 4),
		windows:  make(chan *sim.Window, 4),
		setup:    setup,
	}
}

func (p *popupPage) script(w *sim.Window) {
	ctx, err := bridge.New(w, p.cfg, logger.Discard())
	if err != nil {
		panic(err)
	}
	if p.setup != nil {
		p.setup(ctx)
	}
	p.contexts <- ctx
	p.windows <- w
}

func newOpener(t *testing.T, cfg config.BridgeConfig, opts ...sim.Option) (*sim.Browser, *bridge.Context) {
	t.Helper()

	b := sim.NewBrowser(append([]sim.Option{sim.WithLogger(logger.Discard())}, opts...)...)
	t.Cleanup(b.Close)

	ctx, err := bridge.New(b.NewWindow(openerURL), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	return b, ctx
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestHelloReachesPopupExactlyOnce(t *testing.T) {
	received := &inbox{}
	page := newPopupPage(testConfig(), func(ctx *bridge.Context) {
		assert.NoError(t, ctx.Opener().AddMessageHandler(received.handler()))
	})
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	require.Equal(t, popupURL, popup.URL())
	require.False(t, popup.Closed())

	require.NoError(t, popup.SendMessage(envelope.NewMessage("hello", "hi")))

	require.Eventually(t, func() bool { return len(received.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	got := received.list()
	require.Len(t, got, 1)
	require.True(t, got[0].Is("hello"))
	require.Equal(t, "hi", got[0].Value)
}

func TestRepliesRouteBackToPopupHandle(t *testing.T) {
	page := newPopupPage(testConfig(), func(ctx *bridge.Context) {
		_, err := channel.Serve(ctx.Opener(), func(msg envelope.Message) (envelope.Message, bool, error) {
			return envelope.NewMessage("echo", msg.Value), true, nil
		})
		assert.NoError(t, err)
	})
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)

	first, second := &inbox{}, &inbox{}
	require.NoError(t, popup.AddMessageHandler(first.handler()))
	require.NoError(t, popup.AddMessageHandler(second.handler()))

	for i := 0; i < 3; i++ {
		require.NoError(t, popup.SendMessage(envelope.NewMessage("say", float64(i))))
	}

	require.Eventually(t, func() bool {
		return len(first.list()) == 3 && len(second.list()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	for i, msg := range first.list() {
		require.True(t, msg.Is("echo"))
		require.Equal(t, float64(i), msg.Value)
	}
}

func TestMessagesQueuedBeforeReadinessFlushTogether(t *testing.T) {
	cfg := testConfig()
	received := &inbox{}
	page := newPopupPage(cfg, func(ctx *bridge.Context) {
		assert.NoError(t, ctx.Opener().AddMessageHandler(received.handler()))
	})
	_, opener := newOpener(t, cfg,
		sim.WithPage(popupURL, page.script),
		sim.WithLoadDelay(60*time.Millisecond),
	)

	events, unsubscribe := opener.Events().Subscribe(context.Background(), 128)
	defer unsubscribe()

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, popup.SendMessage(envelope.NewMessage("n", float64(i))))
	}
	require.Equal(t, 5, popup.Pending())

	require.Eventually(t, func() bool { return len(received.list()) == 5 }, 2*time.Second, 5*time.Millisecond)
	for i, msg := range received.list() {
		require.Equal(t, float64(i), msg.Value)
	}

	var flushes []bus.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case event := <-events:
				if event.Type == bus.EventMessagesFlushed {
					flushes = append(flushes, event)
				}
			default:
				return len(flushes) > 0
			}
		}
	}, time.Second, 5*time.Millisecond)
	require.Len(t, flushes, 1)
	require.Equal(t, 5, flushes[0].Count)
}

func TestCloseNotifiesOnceWithoutError(t *testing.T) {
	page := newPopupPage(testConfig(), nil)
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	receive(t, page.contexts)

	closes := &closeLog{}
	require.NoError(t, popup.AddCloseHandler(closes.handler()))

	popup.Close()
	popup.Close()

	require.Eventually(t, func() bool { return len(closes.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	notes := closes.list()
	require.Len(t, notes, 1)
	require.Equal(t, envelope.CloseType, notes[0].Type)
	require.NoError(t, notes[0].Err)
	require.True(t, popup.Closed())
	require.Zero(t, opener.Directory().Len(popup.Token()))
	require.Empty(t, opener.Popups())
}

func TestUserCloseNotifiesWithError(t *testing.T) {
	page := newPopupPage(testConfig(), nil)
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	win := receive(t, page.windows)

	closes := &closeLog{}
	require.NoError(t, popup.AddCloseHandler(closes.handler()))

	win.UserClose()

	require.Eventually(t, func() bool { return len(closes.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	note := closes.list()[0]
	require.ErrorIs(t, note.Err, bridge.ErrClosedByUser)
	require.True(t, note.ByUser())

	require.ErrorIs(t, popup.SendMessage(envelope.NewMessage("late", nil)), queue.ErrAbandoned)
}

func TestPopupCloseSelfIsCleanClose(t *testing.T) {
	page := newPopupPage(testConfig(), nil)
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	popupCtx := receive(t, page.contexts)
	win := receive(t, page.windows)

	closes := &closeLog{}
	require.NoError(t, popup.AddCloseHandler(closes.handler()))

	require.NoError(t, win.Run(func() {
		assert.True(t, popupCtx.Opener().Available())
		assert.NoError(t, popupCtx.Opener().CloseSelf())
	}))

	require.Eventually(t, func() bool { return len(closes.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, closes.list()[0].Err)
}

func TestRemovedCloseHandlerIsNotCalled(t *testing.T) {
	page := newPopupPage(testConfig(), nil)
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	receive(t, page.contexts)

	kept, removed := &closeLog{}, &closeLog{}
	removedHandler := removed.handler()
	require.NoError(t, popup.AddCloseHandler(kept.handler()))
	require.NoError(t, popup.AddCloseHandler(removedHandler))
	require.NoError(t, popup.AddCloseHandler(bridge.CloseHandlerFunc(func(envelope.CloseNotification) {
		panic("close handler bug")
	})))
	popup.RemoveCloseHandler(removedHandler)

	popup.Close()

	require.Eventually(t, func() bool { return len(kept.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, removed.list())
}

func TestOpenChannelBlocked(t *testing.T) {
	_, opener := newOpener(t, testConfig(), sim.WithPopupBlocker(true))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.Nil(t, popup)
	require.ErrorIs(t, err, bridge.ErrWindowOpen)
	require.Equal(t, bridge.ErrorWindowOpen, bridge.CategoryFromError(err))
	require.Empty(t, opener.Directory().Tokens())
}

func TestOpenChannelHonorsContext(t *testing.T) {
	_, opener := newOpener(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := opener.OpenChannel(ctx, popupURL, "", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCBORCodecEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = config.CodecCBOR

	received := &inbox{}
	page := newPopupPage(cfg, func(ctx *bridge.Context) {
		assert.NoError(t, ctx.Opener().AddMessageHandler(received.handler()))
	})
	_, opener := newOpener(t, cfg, sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)
	require.NoError(t, popup.SendMessage(envelope.Message{Type: envelope.NumericType(7), Value: "seven"}))

	require.Eventually(t, func() bool { return len(received.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := received.list()[0]
	require.True(t, msg.Type.IsNumeric())
	require.Equal(t, "7", msg.Type.String())
	require.Equal(t, "seven", msg.Value)
}

func TestTargetOriginMismatchIsDropped(t *testing.T) {
	received := &inbox{}
	page := newPopupPage(testConfig(), func(ctx *bridge.Context) {
		assert.NoError(t, ctx.Opener().AddMessageHandler(received.handler()))
	})
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))

	popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
	require.NoError(t, err)

	require.NoError(t, popup.SendMessage(envelope.NewMessage("secret", 1), "https://attacker.test"))
	require.NoError(t, popup.SendMessage(envelope.NewMessage("public", 2), "https://example.com"))

	require.Eventually(t, func() bool { return len(received.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, received.list(), 1)
	require.True(t, received.list()[0].Is("public"))
}

func TestReusedNamedWindowRoutesToNewestHandle(t *testing.T) {
	const otherURL = "https://example.org/"

	first := newPopupPage(testConfig(), nil)
	second := newPopupPage(testConfig(), nil)
	_, opener := newOpener(t, testConfig(),
		sim.WithPage(popupURL, first.script),
		sim.WithPage(otherURL, second.script),
	)

	old, err := opener.OpenChannel(context.Background(), popupURL, "named", "")
	require.NoError(t, err)
	receive(t, first.contexts)

	current, err := opener.OpenChannel(context.Background(), otherURL, "named", "")
	require.NoError(t, err)
	require.Equal(t, old.Window().ID(), current.Window().ID())
	popupCtx := receive(t, second.contexts)
	win := receive(t, second.windows)

	require.Eventually(t, old.Closed, 2*time.Second, 5*time.Millisecond)
	require.False(t, current.Closed())

	received := &inbox{}
	require.NoError(t, current.AddMessageHandler(received.handler()))
	require.Equal(t, 1, opener.Directory().Len(current.Token()))

	require.NoError(t, win.Run(func() {
		assert.NoError(t, popupCtx.Opener().SendMessage(envelope.NewMessage("after-reuse", nil)))
	}))

	require.Eventually(t, func() bool { return len(received.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, received.list()[0].Is("after-reuse"))
}

func TestCloseBeforeFirstLoadNotifiesOnce(t *testing.T) {
	tests := []struct {
		name     string
		close    func(*bridge.Popup)
		wantUser bool
	}{
		{name: "bridge close", close: (*bridge.Popup).Close},
		{name: "user close", close: func(p *bridge.Popup) { p.Window().(*sim.Window).UserClose() }, wantUser: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page := newPopupPage(testConfig(), nil)
			_, opener := newOpener(t, testConfig(),
				sim.WithPage(popupURL, page.script),
				sim.WithLoadDelay(200*time.Millisecond),
			)

			popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
			require.NoError(t, err)
			closes := &closeLog{}
			require.NoError(t, popup.AddCloseHandler(closes.handler()))
			require.NoError(t, popup.SendMessage(envelope.NewMessage("early", nil)))

			tc.close(popup)

			require.Eventually(t, func() bool { return len(closes.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
			time.Sleep(250 * time.Millisecond)

			notes := closes.list()
			require.Len(t, notes, 1)
			require.Equal(t, tc.wantUser, notes[0].ByUser())
			require.True(t, popup.Closed())
			require.Zero(t, popup.Pending())
			require.Empty(t, opener.Directory().Tokens())
			require.Empty(t, opener.Popups())
			require.Empty(t, page.contexts)
		})
	}
}

func TestOpenChannelOnOpenerLoopSeesFirstMessage(t *testing.T) {
	page := newPopupPage(testConfig(), func(ctx *bridge.Context) {
		assert.NoError(t, ctx.Opener().SendMessage(envelope.NewMessage("first", nil)))
	})
	_, opener := newOpener(t, testConfig(), sim.WithPage(popupURL, page.script))
	openerWin, ok := opener.Window().(*sim.Window)
	require.True(t, ok)

	received := &inbox{}
	require.NoError(t, openerWin.Run(func() {
		popup, err := opener.OpenChannel(context.Background(), popupURL, "", "")
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, popup.AddMessageHandler(received.handler()))
	}))

	require.Eventually(t, func() bool { return len(received.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, received.list()[0].Is("first"))
}
