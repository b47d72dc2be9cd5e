package channel

import (
	"strings"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/envelope"
)

// Handle is one side of a verified window channel: a popup seen from its
// opener, or the opener seen from inside the popup.
type Handle interface {
	Name() string
	SendMessage(msg envelope.Message, targetOrigin ...string) error
	AddMessageHandler(h bus.MessageHandler) error
	RemoveMessageHandler(h bus.MessageHandler) error
}

// Handler processes one inbound message and returns an optional reply.
type Handler func(msg envelope.Message) (reply envelope.Message, ok bool, err error)

// Name returns the handle's side for logs.
func Name(h Handle) string {
	if h == nil {
		return ""
	}
	if name := strings.TrimSpace(h.Name()); name != "" {
		return name
	}
	return "channel"
}

// Names joins the names of handles with commas.
func Names(handles ...Handle) string {
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		names = append(names, Name(h))
	}

	return strings.Join(names, ",")
}

// Serve registers a message handler on h that sends every reply produced by
// fn back over h. The returned handler can be passed to
// RemoveMessageHandler.
func Serve(h Handle, fn Handler) (bus.MessageHandler, error) {
	handler := bus.HandlerFunc(func(msg envelope.Message) error {
		reply, ok, err := fn(msg)
		if err != nil || !ok {
			return err
		}
		return h.SendMessage(reply)
	})

	if err := h.AddMessageHandler(handler); err != nil {
		return nil, err
	}
	return handler, nil
}
