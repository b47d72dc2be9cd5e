package bus

import (
	"errors"
	"fmt"
	"reflect"

	"popupbridge/pkg/envelope"
	"popupbridge/pkg/identity"
)

var (
	ErrNilHandler           = errors.New("handler is required")
	ErrHandlerNotComparable = errors.New("handler must be comparable; use HandlerFunc or a pointer receiver")
)

// MessageHandler receives payloads routed to one peer token.
type MessageHandler interface {
	HandleMessage(msg envelope.Message) error
}

type funcHandler struct {
	fn func(envelope.Message) error
}

func (h *funcHandler) HandleMessage(msg envelope.Message) error {
	return h.fn(msg)
}

// HandlerFunc wraps fn in a handler with pointer identity, so the returned
// value can be added and removed like any other handler.
func HandlerFunc(fn func(envelope.Message) error) MessageHandler {
	return &funcHandler{fn: fn}
}

// HandlerInvocationError describes a handler that failed during dispatch.
type HandlerInvocationError struct {
	Token       identity.Token
	MessageType string
	Err         error
	Panic       any
}

func (e *HandlerInvocationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("message handler for %s panicked on %q: %v", e.Token.Short(), e.MessageType, e.Panic)
	}
	return fmt.Sprintf("message handler for %s failed on %q: %v", e.Token.Short(), e.MessageType, e.Err)
}

func (e *HandlerInvocationError) Unwrap() error {
	return e.Err
}

// checkComparable rejects values that would panic as map keys or in ==.
func checkComparable(v any) error {
	if v == nil {
		return ErrNilHandler
	}
	if !reflect.TypeOf(v).Comparable() {
		return ErrHandlerNotComparable
	}
	return nil
}
