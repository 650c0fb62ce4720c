package oracletx

import (
	"context"
	"errors"
	"fmt"
)

// ActionFunc is one side of a compensatable operation, bound to the
// attempt's storage scope. Compensation functions must tolerate a no-op
// target ("delete if exists" rather than "delete, erroring if absent"),
// since the surrounding storage rollback may already have undone the
// forward effect.
type ActionFunc[S Scope] func(ctx context.Context, scope S) error

// Operation pairs one unit of forward work with its matching undo action.
// Immutable once constructed; the forward action runs at most once per
// attempt, the compensation at most once and only after forward succeeded.
type Operation[S Scope] struct {
	label       string
	forward     ActionFunc[S]
	compensate  ActionFunc[S]
	attempted   bool
	applied     bool
	compensated bool
}

func NewOperation[S Scope](label string, forward, compensate ActionFunc[S]) *Operation[S] {
	return &Operation[S]{
		label:      label,
		forward:    forward,
		compensate: compensate,
	}
}

func (o *Operation[S]) Label() string { return o.label }

// Applied reports whether the forward action succeeded.
func (o *Operation[S]) Applied() bool { return o.applied }

// Execute runs the forward action. Bookkeeping of "what has been applied"
// belongs to the Context, not the operation; Execute only records its own
// outcome.
func (o *Operation[S]) Execute(ctx context.Context, scope S) error {
	if o.attempted {
		return errors.Join(ErrOperationReplayed, fmt.Errorf("operation %q", o.label))
	}
	o.attempted = true
	if o.forward == nil {
		return fmt.Errorf("operation %q has no forward action", o.label)
	}
	if err := o.forward(ctx, scope); err != nil {
		return fmt.Errorf("operation %q: %w", o.label, err)
	}
	o.applied = true
	return nil
}

// Compensate runs the forward action's inverse.
func (o *Operation[S]) Compensate(ctx context.Context, scope S) error {
	if !o.applied {
		return errors.Join(ErrOperationNotApplied, fmt.Errorf("operation %q", o.label))
	}
	if o.compensated {
		return errors.Join(ErrOperationReplayed, fmt.Errorf("compensation of %q", o.label))
	}
	o.compensated = true
	if o.compensate == nil {
		return nil
	}
	if err := o.compensate(ctx, scope); err != nil {
		return errors.Join(ErrCompensation, fmt.Errorf("operation %q: %w", o.label, err))
	}
	return nil
}
