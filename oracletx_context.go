package oracletx

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// Context is the execution scope of one attempt. It owns the storage
// scope exclusively, is created fresh per retry attempt, and is the
// single source of truth for "what has been done so far in this attempt".
// It never outlives its attempt: once the manager starts unwinding, the
// context is sealed and any straggling work goroutine that outlived its
// deadline gets ErrAttemptSealed instead of mutating shared bookkeeping.
type Context[S Scope] struct {
	scope   S
	attempt int

	mu            deadlock.Mutex
	sealed        bool
	pending       []*Operation[S]
	executed      []*Operation[S]
	lastAttempted string
}

func newContext[S Scope](scope S, attempt int) *Context[S] {
	return &Context[S]{scope: scope, attempt: attempt}
}

// Scope exposes the underlying storage scope so business code can perform
// additional scope-bound reads alongside compensatable steps, e.g. looking
// up prior state to seed a compensation closure. The scope is only valid
// while the attempt is live; work must observe ctx cancellation promptly.
func (c *Context[S]) Scope() S { return c.scope }

// Attempt is the 1-based attempt number of this context.
func (c *Context[S]) Attempt() int { return c.attempt }

// seal closes the context to new work. The manager calls it before
// compensation so a late Apply from an abandoned work goroutine fails
// fast rather than racing the unwind.
func (c *Context[S]) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// RegisterOperation adds op to the pending set without executing it. The
// context does bookkeeping only; invocation order stays under the
// caller's control. No-op on a sealed context.
func (c *Context[S]) RegisterOperation(op *Operation[S]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.pending = append(c.pending, op)
}

// Apply registers op, runs its forward action against the scope, and on
// success appends it to the executed list. This is the standard path for
// business code. Returns ErrAttemptSealed once the attempt has started
// unwinding: the forward action is not run, and an operation whose
// forward action straddled the seal is not recorded as applied.
func (c *Context[S]) Apply(ctx context.Context, op *Operation[S]) error {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return errors.Join(ErrAttemptSealed, fmt.Errorf("operation %q", op.Label()))
	}
	c.pending = append(c.pending, op)
	c.lastAttempted = op.Label()
	c.mu.Unlock()

	if err := op.Execute(ctx, c.scope); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return errors.Join(ErrAttemptSealed, fmt.Errorf("operation %q finished after unwind began", op.Label()))
	}
	c.executed = append(c.executed, op)
	return nil
}

// LastOperation is the label of the most recently attempted operation,
// applied or not. Empty until the first Apply.
func (c *Context[S]) LastOperation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttempted
}

// ExecutedOperations returns the operations whose forward action
// succeeded, in execution order.
func (c *Context[S]) ExecutedOperations() []*Operation[S] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Operation[S], len(c.executed))
	copy(out, c.executed)
	return out
}

// PendingOperations returns every registered operation, executed or not.
func (c *Context[S]) PendingOperations() []*Operation[S] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Operation[S], len(c.pending))
	copy(out, c.pending)
	return out
}
