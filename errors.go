package st7789v

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Error kinds. Returned errors wrap one of these, plus the underlying cause
// when there is one, so both can be matched with errors.Is.
var (
	ErrConnection      = errors.New("st7789v: connection failed")
	ErrInvalidArgument = errors.New("st7789v: invalid argument")
	ErrTransfer        = errors.New("st7789v: transfer failed")
	ErrNotInitialized  = errors.New("st7789v: not initialized")
	ErrInvalidState    = errors.New("st7789v: invalid state")
	ErrClosed          = errors.New("st7789v: closed")
)

// newErr annotates kind with msg and the caller's stack.
func newErr(kind error, msg string) error {
	return goerrors.Wrap(fmt.Errorf("%w: %s", kind, msg), 1)
}

// wrapErr annotates kind and cause with msg and the caller's stack.
func wrapErr(kind error, msg string, cause error) error {
	return goerrors.Wrap(fmt.Errorf("%w: %s: %w", kind, msg, cause), 1)
}
