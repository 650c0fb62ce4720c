package oracletx

import (
	"context"
	"time"
)

// IsolationLevel is the storage engine's guarantee about visibility of
// concurrent uncommitted changes during a transaction. Stores map it to
// whatever their engine supports.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadUncommitted:
		return "read uncommitted"
	case IsolationReadCommitted:
		return "read committed"
	case IsolationRepeatableRead:
		return "repeatable read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "default"
	}
}

// Scope is the handle of one underlying storage transaction. It is owned
// exclusively by one Context for the duration of one attempt and must not
// be reused after Commit or Rollback.
type Scope interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens storage transactions. The orchestrator is agnostic to the
// concrete engine behind it.
type Store[S Scope] interface {
	Begin(ctx context.Context, level IsolationLevel) (S, error)
}

// Options configures one Execute call.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so
	// work runs at most MaxRetries+1 times.
	MaxRetries int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// ExponentialBackoff doubles the delay each retry, capped at
	// MaxBackoff.
	ExponentialBackoff bool
	MaxBackoff         time.Duration
	// Timeout bounds one attempt from its start. Zero disables it.
	Timeout   time.Duration
	Isolation IsolationLevel
}

// DefaultOptions returns the options used when an Execute call passes
// none: no retry, read-committed isolation, 30s attempt deadline.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 0,
		RetryDelay: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Timeout:    30 * time.Second,
		Isolation:  IsolationReadCommitted,
	}
}

type ExecuteOption func(*Options)

func WithMaxRetries(n int) ExecuteOption {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

func WithRetryDelay(d time.Duration) ExecuteOption {
	return func(o *Options) {
		o.RetryDelay = d
	}
}

// WithExponentialBackoff enables doubling delays capped at max.
func WithExponentialBackoff(max time.Duration) ExecuteOption {
	return func(o *Options) {
		o.ExponentialBackoff = true
		o.MaxBackoff = max
	}
}

func WithTimeout(d time.Duration) ExecuteOption {
	return func(o *Options) {
		o.Timeout = d
	}
}

func WithIsolation(level IsolationLevel) ExecuteOption {
	return func(o *Options) {
		o.Isolation = level
	}
}

type managerConfig struct {
	hooks    *Hooks
	logger   Logger
	defaults Options
}

type ManagerOption func(*managerConfig)

// WithHooks routes lifecycle events to h, typically
// MonitorService.CreateHooks().
func WithHooks(h *Hooks) ManagerOption {
	return func(c *managerConfig) {
		c.hooks = h
	}
}

func WithLogger(logger Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithDefaultOptions replaces the manager-wide execution defaults.
func WithDefaultOptions(o Options) ManagerOption {
	return func(c *managerConfig) {
		c.defaults = o
	}
}
