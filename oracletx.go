// Package oracletx implements the transactional compensation orchestrator
// behind the oracle price-feed subsystem: multi-step storage updates with
// reverse-order compensation of applied steps on failure, whole-attempt
// retry with optional exponential backoff, and lifecycle hooks consumed by
// a monitoring service.
package oracletx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
)

// WorkFunc is the caller's unit of work. It registers and applies
// compensatable operations against the attempt context; any error it
// returns (including a deadline hit) triggers compensation of every
// applied operation in reverse order.
type WorkFunc[S Scope] func(ctx context.Context, txc *Context[S]) error

// Manager orchestrates compensatable units of work against a Store. One
// Manager serves concurrent Run/Execute calls; each call owns its own
// storage scope.
type Manager[S Scope] struct {
	store    Store[S]
	hooks    *Hooks
	logger   Logger
	defaults Options
}

func NewManager[S Scope](store Store[S], opts ...ManagerOption) *Manager[S] {
	cfg := managerConfig{defaults: DefaultOptions()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger()
	}
	return &Manager[S]{
		store:    store,
		hooks:    cfg.hooks,
		logger:   cfg.logger,
		defaults: cfg.defaults,
	}
}

// Run executes work inside a fresh storage transaction, retrying the whole
// attempt on transient failure and compensating applied operations before
// every retry or terminal failure. The returned error is always the
// original triggering error, wrapped with the attempt count and the label
// of the last failing operation.
func (m *Manager[S]) Run(ctx context.Context, label string, work WorkFunc[S], opts ...ExecuteOption) error {
	options := m.defaults
	for _, o := range opts {
		o(&options)
	}
	if options.RetryDelay <= 0 {
		// The backoff constructors reject non-positive bases.
		options.RetryDelay = time.Millisecond
	}
	e := newExecution(ctx, m, label, options)

	var b retry.Backoff
	if options.ExponentialBackoff {
		b = retry.WithCappedDuration(options.MaxBackoff, retry.NewExponential(options.RetryDelay))
	} else {
		b = retry.NewConstant(options.RetryDelay)
	}
	b = retry.WithMaxRetries(uint64(options.MaxRetries), b)

	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		return e.runAttempt(ctx, work)
	}); err != nil {
		m.logger.Error(ctx, "transaction failed", "label", label, "attempts", e.attempt, "error", err)
		return err
	}
	m.logger.Debug(ctx, "transaction committed", "label", label, "attempts", e.attempt)
	return nil
}

// Execute runs work and returns its result, mirroring Run otherwise.
func Execute[S Scope, T any](ctx context.Context, m *Manager[S], label string, work func(ctx context.Context, txc *Context[S]) (T, error), opts ...ExecuteOption) (T, error) {
	var result T
	err := m.Run(ctx, label, func(ctx context.Context, txc *Context[S]) error {
		r, err := work(ctx, txc)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Lifecycle states of one Run call.
type execState string

const (
	stateIdle           execState = "Idle"
	stateBeginning      execState = "Beginning"
	stateRunning        execState = "Running"
	stateCommitting     execState = "Committing"
	stateCompensating   execState = "Compensating"
	stateRetryScheduled execState = "RetryScheduled"
	stateCommitted      execState = "Committed"
	stateFailed         execState = "Failed"
)

type execTrigger string

const (
	triggerBegin      execTrigger = "Begin"
	triggerRun        execTrigger = "Run"
	triggerCommit     execTrigger = "Commit"
	triggerCompensate execTrigger = "Compensate"
	triggerRetry      execTrigger = "Retry"
	triggerComplete   execTrigger = "Complete"
	triggerFail       execTrigger = "Fail"
)

type execution[S Scope] struct {
	m       *Manager[S]
	label   string
	opts    Options
	fsm     *stateless.StateMachine
	attempt int
}

func newExecution[S Scope](ctx context.Context, m *Manager[S], label string, opts Options) *execution[S] {
	e := &execution[S]{m: m, label: label, opts: opts}

	fsm := stateless.NewStateMachine(stateIdle)

	fsm.Configure(stateIdle).
		Permit(triggerBegin, stateBeginning)

	fsm.Configure(stateBeginning).
		Permit(triggerRun, stateRunning).
		Permit(triggerRetry, stateRetryScheduled).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateRunning).
		Permit(triggerCommit, stateCommitting).
		Permit(triggerCompensate, stateCompensating)

	fsm.Configure(stateCommitting).
		Permit(triggerComplete, stateCommitted).
		Permit(triggerCompensate, stateCompensating)

	fsm.Configure(stateCompensating).
		OnEntry(func(_ context.Context, _ ...any) error {
			m.logger.Debug(ctx, "compensating applied operations", "label", label, "attempt", e.attempt)
			return nil
		}).
		Permit(triggerRetry, stateRetryScheduled).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateRetryScheduled).
		OnEntry(func(_ context.Context, _ ...any) error {
			m.logger.Debug(ctx, "retry scheduled", "label", label, "attempt", e.attempt)
			return nil
		}).
		Permit(triggerBegin, stateBeginning)

	fsm.Configure(stateCommitted).
		OnEntry(func(_ context.Context, _ ...any) error {
			m.logger.Debug(ctx, "transaction reached committed state", "label", label, "attempt", e.attempt)
			return nil
		})

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			m.logger.Debug(ctx, "transaction reached failed state", "label", label, "attempt", e.attempt)
			return nil
		})

	e.fsm = fsm
	return e
}

// runAttempt performs one full begin/run/commit-or-compensate cycle. It
// returns nil on commit, a retry.RetryableError when the failure is
// transient and attempts remain, or the terminal wrapped error.
func (e *execution[S]) runAttempt(ctx context.Context, work WorkFunc[S]) error {
	e.attempt++
	attemptStart := time.Now()
	e.fire(ctx, triggerBegin)

	e.m.logger.Debug(ctx, "beginning storage transaction", "label", e.label, "attempt", e.attempt, "isolation", e.opts.Isolation.String())

	scope, err := e.m.store.Begin(ctx, e.opts.Isolation)
	if err != nil {
		// No begin event was emitted, so this attempt stays invisible to
		// the monitor: no retry event either, or the stream would carry a
		// retry with no matching begin.
		e.m.logger.Error(ctx, "failed to open storage transaction", "label", e.label, "attempt", e.attempt, "error", err)
		return e.decide(ctx, err, "", false)
	}
	e.emit(Event{Type: EventBegin, Label: e.label, Attempt: e.attempt, Timestamp: time.Now()})

	txc := newContext(scope, e.attempt)
	e.fire(ctx, triggerRun)

	cause := e.runWork(ctx, txc, work)
	if cause == nil {
		e.fire(ctx, triggerCommit)
		if err := scope.Commit(ctx); err != nil {
			e.m.logger.Error(ctx, "commit failed", "label", e.label, "attempt", e.attempt, "error", err)
			cause = err
		} else {
			e.emit(Event{Type: EventCommit, Label: e.label, Attempt: e.attempt, Timestamp: time.Now(), Duration: time.Since(attemptStart)})
			e.fire(ctx, triggerComplete)
			return nil
		}
	}

	// Failure path: compensation runs before the retry decision so every
	// attempt starts from a clean logical state, even when operations had
	// effects the storage rollback alone cannot undo. Seal first: a work
	// goroutine abandoned on timeout must not register operations into an
	// attempt that is already unwinding.
	txc.seal()
	if IsTimeout(cause) {
		e.emit(Event{Type: EventTimeout, Label: e.label, Attempt: e.attempt, Timestamp: time.Now(), Duration: e.opts.Timeout, Error: cause.Error()})
	}
	e.fire(ctx, triggerCompensate)
	e.compensateAll(ctx, txc, scope)

	cleanup := context.WithoutCancel(ctx)
	if err := scope.Rollback(cleanup); err != nil {
		e.m.logger.Warn(ctx, "rollback failed", "label", e.label, "attempt", e.attempt, "error", err)
	}
	e.emit(Event{Type: EventRollback, Label: e.label, Attempt: e.attempt, Timestamp: time.Now(), Duration: time.Since(attemptStart), Error: cause.Error()})

	return e.decide(ctx, cause, txc.LastOperation(), true)
}

// runWork invokes work under the attempt deadline. On timeout the work
// goroutine is abandoned and should bail out as soon as it observes
// cancellation; the sealed context turns any late Apply into
// ErrAttemptSealed, and a drain goroutine logs when the straggler
// finally returns.
func (e *execution[S]) runWork(ctx context.Context, txc *Context[S], work WorkFunc[S]) error {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.opts.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- work(attemptCtx, txc)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.Join(ErrTimeout, err)
		}
		return err
	case <-attemptCtx.Done():
		attempt := e.attempt
		go func() {
			err := <-done
			e.m.logger.Debug(context.WithoutCancel(ctx), "abandoned work returned after deadline", "label", e.label, "attempt", attempt, "error", err)
		}()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: work exceeded %s", ErrTimeout, e.opts.Timeout)
	}
}

// compensateAll unwinds applied operations in strict reverse order of
// forward execution. Individual compensation errors are logged and
// recorded on the event but never stop the loop or mask the original
// triggering error.
func (e *execution[S]) compensateAll(ctx context.Context, txc *Context[S], scope S) {
	cleanup := context.WithoutCancel(ctx)
	executed := txc.ExecutedOperations()
	for i := len(executed) - 1; i >= 0; i-- {
		op := executed[i]
		start := time.Now()
		err := op.Compensate(cleanup, scope)
		ev := Event{
			Type:      EventCompensate,
			Label:     e.label,
			Operation: op.Label(),
			Attempt:   e.attempt,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
		if err != nil {
			ev.Error = err.Error()
			e.m.logger.Error(cleanup, "compensation failed", "label", e.label, "operation", op.Label(), "attempt", e.attempt, "error", err)
		} else {
			e.m.logger.Debug(cleanup, "operation compensated", "label", e.label, "operation", op.Label(), "attempt", e.attempt)
		}
		e.emit(ev)
	}
}

// decide picks retry or terminal failure for the attempt's cause.
// observed says whether the attempt emitted a begin event; an attempt
// that never opened its transaction produces no retry event either.
func (e *execution[S]) decide(ctx context.Context, cause error, lastOperation string, observed bool) error {
	if IsTransient(cause) && e.attempt <= e.opts.MaxRetries {
		delay := e.nextDelay()
		if observed {
			e.emit(Event{Type: EventRetry, Label: e.label, Attempt: e.attempt, Timestamp: time.Now(), Duration: delay, Error: cause.Error()})
		}
		e.fire(ctx, triggerRetry)
		e.m.logger.Warn(ctx, "transaction attempt failed, will retry", "label", e.label, "attempt", e.attempt, "delay", delay, "error", cause)
		return retry.RetryableError(cause)
	}
	e.fire(ctx, triggerFail)
	return terminalError(e.label, e.attempt, lastOperation, cause)
}

// nextDelay mirrors the backoff the retry loop will actually sleep:
// constant, or RetryDelay * 2^(attempt-1) capped at MaxBackoff.
func (e *execution[S]) nextDelay() time.Duration {
	if !e.opts.ExponentialBackoff {
		return e.opts.RetryDelay
	}
	shift := e.attempt - 1
	if shift > 32 {
		shift = 32
	}
	d := e.opts.RetryDelay << shift
	if e.opts.MaxBackoff > 0 && (d > e.opts.MaxBackoff || d < 0) {
		d = e.opts.MaxBackoff
	}
	return d
}

func (e *execution[S]) emit(ev Event) {
	e.m.hooks.emit(ev)
}

func (e *execution[S]) fire(ctx context.Context, t execTrigger) {
	if err := e.fsm.Fire(t); err != nil {
		e.m.logger.Warn(ctx, "invalid lifecycle transition", "label", e.label, "trigger", string(t), "state", fmt.Sprintf("%v", e.fsm.MustState()), "error", err)
	}
}
