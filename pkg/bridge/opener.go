package bridge

import (
	"fmt"
	"log/slog"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
	"popupbridge/pkg/window"
)

// OpenerFacade is a window's handle on the window that opened it. Every
// method fails with ErrNoOpener when there is no live opener.
type OpenerFacade struct {
	ctx *Context
	log *slog.Logger
}

func (o *OpenerFacade) Name() string {
	return "opener"
}

// Available reports whether this window has a live opener.
func (o *OpenerFacade) Available() bool {
	_, err := o.window()
	return err == nil
}

func (o *OpenerFacade) window() (window.Window, error) {
	opener := o.ctx.self.Opener()
	if opener == nil || opener.Closed() {
		return nil, ErrNoOpener
	}
	return opener, nil
}

func (o *OpenerFacade) peer() (window.Window, identity.Token, error) {
	opener, err := o.window()
	if err != nil {
		return nil, "", err
	}
	return opener, o.ctx.registry.Ensure(opener), nil
}

// AddMessageHandler registers h for messages sent by the opener.
func (o *OpenerFacade) AddMessageHandler(h bus.MessageHandler) error {
	_, token, err := o.peer()
	if err != nil {
		return err
	}
	return o.ctx.dir.Register(token, h)
}

func (o *OpenerFacade) RemoveMessageHandler(h bus.MessageHandler) error {
	_, token, err := o.peer()
	if err != nil {
		return err
	}
	o.ctx.dir.Unregister(token, h)
	return nil
}

// SendMessage posts msg to the opener right away. An opener that holds a
// reference to us has already finished loading, so there is no queue.
func (o *OpenerFacade) SendMessage(msg envelope.Message, targetOrigin ...string) error {
	opener, token, err := o.peer()
	if err != nil {
		return err
	}

	data, err := o.ctx.encode(token, o.ctx.token, msg)
	if err != nil {
		return fmt.Errorf("send %q to opener: %w", msg.Type.String(), err)
	}

	opener.Post(data, o.ctx.targetOrigin(targetOrigin))
	o.ctx.events.Publish(bus.Event{
		Type:        bus.EventMessageSent,
		Window:      o.ctx.self.ID(),
		Peer:        opener.ID(),
		MessageType: msg.Type.String(),
		Count:       1,
	})
	return nil
}

// CloseSelf marks this window as closed by the bridge and closes it, so the
// opener reports a clean close instead of a user close.
func (o *OpenerFacade) CloseSelf() error {
	if _, err := o.window(); err != nil {
		return err
	}

	o.log.Debug("Closing own window")
	o.ctx.self.State().MarkClosedByUs()
	o.ctx.self.Close()
	return nil
}
