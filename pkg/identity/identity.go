// Package identity mints the per-window tokens the bridge uses both to
// address envelopes and to route replies.
package identity

import (
	"github.com/google/uuid"

	"popupbridge/pkg/window"
)

// Token identifies one window instance.
type Token string

func (t Token) String() string {
	return string(t)
}

// Short returns a log-safe prefix of the token.
func (t Token) Short() string {
	if len(t) <= 8 {
		return string(t)
	}
	return string(t[:8])
}

// Generator produces a fresh token.
type Generator func() Token

// Registry ensures tokens on window instances.
type Registry struct {
	generate Generator
}

// Option configures a Registry.
type Option func(*Registry)

// WithGenerator replaces the random token source.
func WithGenerator(gen Generator) Option {
	return func(r *Registry) {
		if gen != nil {
			r.generate = gen
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{generate: NewToken}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewToken returns a random UUIDv4 token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Ensure returns the token already stored on w, minting and storing one if
// none exists yet.
func (r *Registry) Ensure(w window.Window) Token {
	return Token(w.State().EnsureToken(func() string {
		return string(r.generate())
	}))
}

// Lookup returns the token stored on w without minting one.
func Lookup(w window.Window) (Token, bool) {
	if w == nil {
		return "", false
	}
	token := w.State().Token()
	return Token(token), token != ""
}

var defaultRegistry = NewRegistry()

// Ensure uses the default random registry.
func Ensure(w window.Window) Token {
	return defaultRegistry.Ensure(w)
}
