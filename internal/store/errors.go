package store

import (
	"errors"
	"fmt"
)

// ErrNoData reports a position that exists but holds no written row.
var ErrNoData = errors.New("no data")

// ErrClosed reports use of a store after Close.
var ErrClosed = errors.New("store is closed")

// errNotFound is the backend-level sentinel for a missing dataset path.
var errNotFound = errors.New("dataset not found")

// NotFoundError reports a symbol with no dataset behind it.
type NotFoundError struct {
	Symbol string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("symbol %s not exists", e.Symbol)
}

// IsNotFound reports whether err wraps a missing-symbol condition.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
