// Package errors defines the error kinds shared across the service and the
// retry helpers built on top of them. Callers classify with errors.Is against
// the exported sentinels; transport handlers map kinds to status codes.
package errors

import (
	"errors"
	"fmt"
)

// Error kind sentinels. Wrap with the *f constructors so errors.Is works
// through the chain.
var (
	// ErrValidation indicates malformed input from the caller. Never retried.
	ErrValidation = errors.New("validation")

	// ErrUnavailable indicates admission is full or a dependency is not ready.
	ErrUnavailable = errors.New("unavailable")

	// ErrNotFound indicates an unknown task or sandbox id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal indicates an operation on a task that has ended.
	ErrAlreadyTerminal = errors.New("already terminal")

	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient")

	// ErrToolBudget indicates a rate limit or token budget was exhausted.
	ErrToolBudget = errors.New("tool budget exhausted")

	// ErrCancelled marks cooperative cancellation. Terminal, not a failure.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal indicates a broken internal invariant (store unwritable,
	// workspace unusable). The task fails; the process keeps serving.
	ErrFatal = errors.New("fatal")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Unavailablef wraps ErrUnavailable with a formatted message.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// AlreadyTerminalf wraps ErrAlreadyTerminal with a formatted message.
func AlreadyTerminalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAlreadyTerminal)...)
}

// Transientf wraps ErrTransient with a formatted message.
func Transientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

// ToolBudgetf wraps ErrToolBudget with a formatted message.
func ToolBudgetf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrToolBudget)...)
}

// Cancelledf wraps ErrCancelled with a formatted message.
func Cancelledf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrCancelled)...)
}

// Fatalf wraps ErrFatal with a formatted message.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatal)...)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnavailable reports whether err is an unavailable error.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyTerminal reports whether err targets a terminal task.
func IsAlreadyTerminal(err error) bool { return errors.Is(err, ErrAlreadyTerminal) }

// IsToolBudget reports whether err is a budget exhaustion.
func IsToolBudget(err error) bool { return errors.Is(err, ErrToolBudget) }

// IsCancelled reports whether err carries the cancelled kind.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsFatal reports whether err carries the fatal kind.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// Kind returns the kind name for metrics labels and API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsUnavailable(err):
		return "unavailable"
	case IsNotFound(err):
		return "not_found"
	case IsAlreadyTerminal(err):
		return "already_terminal"
	case IsToolBudget(err):
		return "tool_budget_exhausted"
	case IsCancelled(err):
		return "cancelled"
	case IsFatal(err):
		return "fatal"
	case IsTransient(err):
		return "transient"
	default:
		return "internal"
	}
}
