package oracletx

import "time"

// EventType identifies a lifecycle phase transition.
type EventType string

const (
	EventBegin      EventType = "begin"
	EventCommit     EventType = "commit"
	EventRollback   EventType = "rollback"
	EventCompensate EventType = "compensate"
	EventRetry      EventType = "retry"
	EventTimeout    EventType = "timeout"
)

// Event is one lifecycle record emitted by the manager. Append-only:
// consumers must never mutate it.
type Event struct {
	Type      EventType `json:"type"`
	Label     string    `json:"label"`
	Operation string    `json:"operation,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	// Duration is the elapsed time the event accounts for: time since
	// attempt start for commit/rollback, the compensation call time for
	// compensate, the upcoming backoff delay for retry.
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Hooks carries the callbacks the manager invokes synchronously for each
// lifecycle event. All callbacks are optional; a panicking callback never
// breaks the transaction flow. The manager knows only this type, which is
// how it stays decoupled from the monitor.
type Hooks struct {
	OnBegin      func(Event)
	OnCommit     func(Event)
	OnRollback   func(Event)
	OnCompensate func(Event)
	OnRetry      func(Event)
	OnTimeout    func(Event)
}

func (h *Hooks) emit(e Event) {
	if h == nil {
		return
	}
	switch e.Type {
	case EventBegin:
		safeInvoke(h.OnBegin, e)
	case EventCommit:
		safeInvoke(h.OnCommit, e)
	case EventRollback:
		safeInvoke(h.OnRollback, e)
	case EventCompensate:
		safeInvoke(h.OnCompensate, e)
	case EventRetry:
		safeInvoke(h.OnRetry, e)
	case EventTimeout:
		safeInvoke(h.OnTimeout, e)
	}
}

func safeInvoke(fn func(Event), e Event) {
	if fn == nil {
		return
	}
	defer func() {
		// Hook panics must never reach the orchestration loop.
		_ = recover()
	}()
	fn(e)
}
