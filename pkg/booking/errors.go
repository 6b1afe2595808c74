package booking

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrMatchFull      = errors.New("match is full")
	ErrMatchClosed    = errors.New("match is cancelled")
	ErrAlreadyInvited = errors.New("player already invited")
	ErrNotInMatch     = errors.New("player is not in the match")
)

// StaleValueError is returned together with the last good value when a
// refresh failed. Callers may show the value while flagging it as stale.
type StaleValueError struct {
	Key querycache.Key
	Err error
}

func (e *StaleValueError) Error() string {
	return fmt.Sprintf("serving stale value for %s: %v", e.Key, e.Err)
}

func (e *StaleValueError) Unwrap() error {
	return e.Err
}

// IsStale reports whether err only signals that the returned value is stale.
func IsStale(err error) bool {
	var staleErr *StaleValueError
	return errors.As(err, &staleErr)
}
