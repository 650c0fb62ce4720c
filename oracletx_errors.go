package oracletx

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks storage-level failures expected to succeed on
	// retry without caller intervention (lock contention, dropped
	// connections).
	ErrTransient = errors.New("transient storage error")

	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrBusinessRule marks a domain rule violation. Never retried.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrTimeout is returned when an attempt exceeds its configured
	// deadline. Retried under the same policy as transient errors.
	ErrTimeout = errors.New("transaction attempt timed out")

	// ErrCompensation marks a failed compensation. Logged only, never
	// propagated past the unwind loop.
	ErrCompensation = errors.New("compensation failed")

	// ErrExecutionFailed wraps the original error once retries are
	// exhausted or the error is terminal.
	ErrExecutionFailed = errors.New("transaction execution failed")

	// ErrOperationReplayed is returned when an operation's forward
	// action is invoked more than once within the same attempt.
	ErrOperationReplayed = errors.New("operation already executed in this attempt")

	// ErrOperationNotApplied is returned when compensation is requested
	// for an operation whose forward action never succeeded.
	ErrOperationNotApplied = errors.New("operation was not applied")

	// ErrAttemptSealed is returned by a Context once its attempt has
	// started unwinding. A work goroutine that outlived its deadline sees
	// this instead of mutating an attempt that is being compensated.
	ErrAttemptSealed = errors.New("attempt is sealed")
)

// Transient tags err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTransient, err)
}

// Validation tags err as a non-retryable input error.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrValidation, err)
}

// BusinessRule tags err as a non-retryable domain error.
func BusinessRule(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrBusinessRule, err)
}

// IsTransient reports whether err should be retried. Timeouts follow the
// transient policy; validation and business errors never do, even when a
// driver wrapped them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrBusinessRule) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTimeout reports whether err came from an attempt deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func terminalError(label string, attempts int, lastOperation string, cause error) error {
	if lastOperation == "" {
		return errors.Join(ErrExecutionFailed,
			fmt.Errorf("transaction %q failed after %d attempt(s): %w", label, attempts, cause))
	}
	return errors.Join(ErrExecutionFailed,
		fmt.Errorf("transaction %q failed after %d attempt(s), last operation %q: %w",
			label, attempts, lastOperation, cause))
}
