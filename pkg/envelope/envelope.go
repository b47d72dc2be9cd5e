// Package envelope defines what travels between windows: the application
// Message, the verification Envelope wrapped around it, and the codecs used
// to put envelopes on the transport.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"popupbridge/pkg/identity"
)

// CloseType is the Type of every CloseNotification.
const CloseType = "closed"

// MessageType is a message's type tag. On the wire it is either a string or
// a number; it re-encodes in the kind it was created or decoded with.
type MessageType struct {
	text    string
	numeric bool
	set     bool
}

// Type returns a string message type.
func Type(name string) MessageType {
	return MessageType{text: name, set: true}
}

// NumericType returns a number message type.
func NumericType(n float64) MessageType {
	return MessageType{text: strconv.FormatFloat(n, 'f', -1, 64), numeric: true, set: true}
}

func (t MessageType) String() string { return t.text }

// IsNumeric reports whether the type travels as a number.
func (t MessageType) IsNumeric() bool { return t.numeric }

// IsZero reports whether no type was set.
func (t MessageType) IsZero() bool { return !t.set }

func (t MessageType) MarshalJSON() ([]byte, error) {
	if t.numeric {
		return []byte(t.text), nil
	}
	return json.Marshal(t.text)
}

func (t *MessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty message type")
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*t = Type(text)
		return nil
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("message type must be a string or number: %w", err)
	}
	*t = NumericType(n)
	return nil
}

func (t MessageType) MarshalCBOR() ([]byte, error) {
	if !t.numeric {
		return cbor.Marshal(t.text)
	}

	n, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, err
	}
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return cbor.Marshal(int64(n))
	}
	return cbor.Marshal(n)
}

func (t *MessageType) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		*t = Type(v)
	case uint64:
		*t = NumericType(float64(v))
	case int64:
		*t = NumericType(float64(v))
	case float64:
		*t = NumericType(v)
	case float32:
		*t = NumericType(float64(v))
	default:
		return fmt.Errorf("message type must be a string or number, got %T", raw)
	}
	return nil
}

// Message is the opaque application payload.
type Message struct {
	Type  MessageType `json:"type" cbor:"type"`
	Value any         `json:"value" cbor:"value"`
}

// NewMessage builds a message with a string type.
func NewMessage(msgType string, value any) Message {
	return Message{Type: Type(msgType), Value: value}
}

// Is reports whether the message carries the given string type.
func (m Message) Is(msgType string) bool {
	return !m.Type.numeric && m.Type.set && m.Type.text == msgType
}

// Envelope wraps a message with the two tokens the receiver checks.
//
// SenderVerify must equal the receiving window's own token or the envelope
// is dropped. RecipientHandlerVerify names the handler set the receiver
// dispatches to, which is the sending window's token.
type Envelope struct {
	SenderVerify           identity.Token `json:"senderVerify" cbor:"senderVerify"`
	RecipientHandlerVerify identity.Token `json:"recipientHandlerVerify" cbor:"recipientHandlerVerify"`
	Payload                Message        `json:"payload" cbor:"payload"`
}

// CloseNotification is handed to close handlers when a popup goes away.
// Err is nil when the bridge itself closed the window.
type CloseNotification struct {
	Type string
	Err  error
}

// ByUser reports whether the window was closed outside the bridge.
func (n CloseNotification) ByUser() bool {
	return n.Err != nil
}
