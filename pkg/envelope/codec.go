package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformed marks inbound data that is not a well-formed envelope.
var ErrMalformed = errors.New("malformed envelope")

// Codec turns envelopes into transport data and back.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// NewCodec returns the codec registered under name ("json" or "cbor").
// An empty name selects JSON.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

const envelopeSchema = `{
  "type": "object",
  "required": ["senderVerify", "recipientHandlerVerify", "payload"],
  "properties": {
    "senderVerify": {"type": "string", "minLength": 1},
    "recipientHandlerVerify": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": ["string", "number"]}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return schema, schemaErr
}

// JSONCodec encodes envelopes as JSON and validates inbound documents
// against the envelope schema before decoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	s, err := compiledSchema()
	if err != nil {
		return Envelope{}, fmt.Errorf("compile envelope schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformed, strings.Join(details, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// CBORCodec encodes envelopes as CBOR maps keyed by the JSON field names.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(env Envelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func (CBORCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case env.SenderVerify == "":
		return Envelope{}, fmt.Errorf("%w: senderVerify is required", ErrMalformed)
	case env.RecipientHandlerVerify == "":
		return Envelope{}, fmt.Errorf("%w: recipientHandlerVerify is required", ErrMalformed)
	case env.Payload.Type.IsZero():
		return Envelope{}, fmt.Errorf("%w: payload.type is required", ErrMalformed)
	}
	return env, nil
}
