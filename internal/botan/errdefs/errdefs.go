// Package errdefs defines the stable error kinds the fleet core reports to
// its callers. Every error crossing a component boundary wraps exactly one
// kind so the excluded API layer can map failures to documented conditions
// with errors.Is instead of string matching.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Classify with the Is* predicates (or errors.Is) so wrapped
// errors are recognised.
var (
	// ErrNotFound marks lookups of bots, containers or incidents that do
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists marks registrations or creations colliding with a
	// live id or name.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState marks operations that are illegal for the target's
	// current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation marks bad input rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrResourceLimit marks a poll-based resource enforcement kill. It is
	// surfaced through container failure reasons and incident entries, never
	// as a direct call result.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrTimeout marks a bounded wait that expired and escalated.
	ErrTimeout = errors.New("timeout")

	// ErrStorage marks a persistence failure; the previously committed
	// state remains authoritative.
	ErrStorage = errors.New("storage failure")

	// ErrInternal marks unexpected conditions.
	ErrInternal = errors.New("internal error")
)

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAlreadyExists)...)
}

func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidState)...)
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func ResourceLimitf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrResourceLimit)...)
}

func Timeoutf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTimeout)...)
}

// Storage wraps a persistence error, preserving the cause for errors.As
// while attaching the storage kind.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidState(err error) bool  { return errors.Is(err, ErrInvalidState) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsResourceLimit(err error) bool { return errors.Is(err, ErrResourceLimit) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
func IsStorage(err error) bool       { return errors.Is(err, ErrStorage) }

// FromContext converts a context termination into the Timeout kind so
// callers see one stable condition for expired or cancelled waits. Other
// errors pass through unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Kind returns a stable machine-readable name for the error's kind, for use
// in log fields and journal rows. Unrecognised errors report "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not-found"
	case IsAlreadyExists(err):
		return "already-exists"
	case IsInvalidState(err):
		return "invalid-state"
	case IsValidation(err):
		return "validation"
	case IsResourceLimit(err):
		return "resource-limit-exceeded"
	case IsTimeout(err):
		return "timeout"
	case IsStorage(err):
		return "storage"
	default:
		return "internal"
	}
}
