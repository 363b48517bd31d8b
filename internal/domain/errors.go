package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Radio and store failures are reported through these
// so callers can classify them with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrClosed       = fmt.Errorf("closed")
)

// Sentinel errors for the radio and roaming layer.
var (
	ErrCapacity        = fmt.Errorf("access point at capacity")
	ErrNotReady        = fmt.Errorf("access point not ready")
	ErrUnavailable     = fmt.Errorf("access point unavailable")
	ErrStaleHandle     = fmt.Errorf("stale handle")
	ErrAnalysisBusy    = fmt.Errorf("passive analysis already running")
	ErrCommandRejected = fmt.Errorf("radio command rejected")
	ErrBootFailed      = fmt.Errorf("access point failed to boot")

	// Bonding store errors.
	ErrBondingLoad  = fmt.Errorf("bonding store load failed")
	ErrBondingFlush = fmt.Errorf("bonding store flush failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Endpoint.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is a radio failure that is expected to clear
// on its own (a stale handle after a race with a close, a flapping link, a
// command issued before boot). Such errors are logged and otherwise ignored.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStaleHandle) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCommandRejected)
}
