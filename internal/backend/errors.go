package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout means a bounded fetch exceeded its budget.
	ErrTimeout = errors.New("timeout")
	// ErrNetwork means the transport to the backend failed.
	ErrNetwork = errors.New("network error")
	// ErrNotFound means the record or profile does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleCompletion marks a result that arrived after being
	// superseded. It is never shown to the user.
	ErrStaleCompletion = errors.New("stale completion")
)

// Transport classifies a failed backend call. Errors already in the
// taxonomy and cancellations keep their identity, a deadline becomes
// ErrTimeout and anything else is treated as ErrNetwork.
func Transport(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTimeout), errors.Is(err, ErrNetwork), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}
}
