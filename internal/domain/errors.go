package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is a caller-correctable input problem (HTTP 400).
	ErrValidation = errors.New("validation error")
	// ErrNotFoundOrUnauthorized merges "absent" and "not yours" so existence never leaks.
	ErrNotFoundOrUnauthorized = errors.New("message not found or unauthorized")
	// ErrPersistence is a durable-store failure. Callers may retry.
	ErrPersistence = errors.New("persistence error")
	// ErrConnectionState is an internal registry invariant violation. Logged, never fatal.
	ErrConnectionState = errors.New("connection state error")

	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a store error so that both the sentinel and the cause match errors.Is.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
