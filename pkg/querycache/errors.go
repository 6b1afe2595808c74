package querycache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned synchronously for empty keys or keys holding
	// a non-primitive segment.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrFetchFailed matches every *FetchError via errors.Is.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrCapacityExceeded is returned when a new key cannot be admitted
	// because every resident entry is pinned by subscribers or an
	// outstanding fetch.
	ErrCapacityExceeded = errors.New("cache capacity exceeded")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache is closed")
)

// FetchError reports a failed FetchFunc. The previously cached value, if any,
// is left untouched; HasStale tells the caller whether it can still be shown.
type FetchError struct {
	Key      Key
	HasStale bool
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch for key %s failed: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFetchFailed) true for every FetchError.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}
