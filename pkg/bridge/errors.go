package bridge

import (
	"errors"
	"fmt"
)

const (
	ErrorWindowOpen   = "window_open"
	ErrorNoOpener     = "no_opener"
	ErrorClosedByUser = "closed_by_user"
	ErrorClosed       = "context_closed"
)

// Error represents a stable, categorized bridge failure. Two errors match
// with errors.Is when their categories are equal.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Category == other.Category
}

var (
	ErrWindowOpen   = &Error{Category: ErrorWindowOpen, Detail: "can not open window"}
	ErrNoOpener     = &Error{Category: ErrorNoOpener, Detail: "can not find opener window"}
	ErrClosedByUser = &Error{Category: ErrorClosedByUser, Detail: "closed by user"}
	ErrClosed       = &Error{Category: ErrorClosed, Detail: "bridge context is closed"}
)

// NewError creates a categorized bridge error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ""
}
