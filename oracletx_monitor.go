package oracletx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/stephenfire/go-rtl"
)

// LabelMetrics is the per-label aggregate rebuilt incrementally as events
// arrive.
type LabelMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"totalDuration"`
	FailureCount  int64         `json:"failureCount"`
	RetryCount    int64         `json:"retryCount"`
}

// Statistics is the global aggregate view.
type Statistics struct {
	TotalTransactions int64         `json:"totalTransactions"`
	Committed         int64         `json:"committed"`
	Failed            int64         `json:"failed"`
	Retries           int64         `json:"retries"`
	Compensations     int64         `json:"compensations"`
	Timeouts          int64         `json:"timeouts"`
	SuccessRatio      float64       `json:"successRatio"`
	AverageDuration   time.Duration `json:"averageDuration"`
}

// MetricsExport is the transport-neutral serialized form: milliseconds
// instead of time types so any consumer can read it.
type MetricsExport struct {
	Statistics ExportStatistics           `json:"statistics"`
	Metrics    map[string]ExportedMetrics `json:"metrics"`
	Events     []ExportedEvent            `json:"events"`
}

type ExportStatistics struct {
	TotalTransactions int64   `json:"totalTransactions"`
	Committed         int64   `json:"committed"`
	Failed            int64   `json:"failed"`
	Retries           int64   `json:"retries"`
	Compensations     int64   `json:"compensations"`
	Timeouts          int64   `json:"timeouts"`
	SuccessRatio      float64 `json:"successRatio"`
	AverageDurationMs int64   `json:"averageDurationMs"`
}

type ExportedMetrics struct {
	Count           int64 `json:"count"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	FailureCount    int64 `json:"failureCount"`
	RetryCount      int64 `json:"retryCount"`
}

type ExportedEvent struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Operation   string `json:"operation,omitempty"`
	Attempt     int    `json:"attempt"`
	TimestampMs int64  `json:"timestampMs"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

// MonitorService subscribes to manager lifecycle events, aggregates
// per-label metrics, and exposes query/export views. It is a side channel:
// it never affects the control flow of the transactions it observes. Its
// state is the only cross-request shared mutable state in the package and
// is safe for concurrent writers.
type MonitorService struct {
	mu deadlock.RWMutex
	// deliverMu serializes subscriber fan-out. It is acquired while mu is
	// still held, so subscribers see events in the same order GetEvents
	// reports them. mu is never acquired while holding deliverMu.
	deliverMu deadlock.Mutex

	events  []Event
	metrics map[string]*LabelMetrics

	totalTransactions int64
	committed         int64
	rollbacks         int64
	retries           int64
	compensations     int64
	timeouts          int64
	terminalDuration  time.Duration
	terminalCount     int64

	subscribers map[int]func(Event)
	nextSubID   int

	logger Logger
}

type MonitorOption func(*MonitorService)

func WithMonitorLogger(logger Logger) MonitorOption {
	return func(m *MonitorService) {
		m.logger = logger
	}
}

func NewMonitorService(opts ...MonitorOption) *MonitorService {
	m := &MonitorService{
		metrics:     make(map[string]*LabelMetrics),
		subscribers: make(map[int]func(Event)),
		logger:      NewNopLogger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateHooks returns the handler set a Manager consumes. Several managers
// may share one monitor.
func (m *MonitorService) CreateHooks() *Hooks {
	return &Hooks{
		OnBegin:      m.Record,
		OnCommit:     m.Record,
		OnRollback:   m.Record,
		OnCompensate: m.Record,
		OnRetry:      m.Record,
		OnTimeout:    m.Record,
	}
}

// Record ingests one lifecycle event. Exposed so recorded histories can be
// replayed, e.g. when rebuilding metrics from a persisted snapshot.
func (m *MonitorService) Record(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)

	lm, ok := m.metrics[e.Label]
	if !ok {
		lm = &LabelMetrics{}
		m.metrics[e.Label] = lm
	}

	switch e.Type {
	case EventBegin:
		lm.Count++
		if e.Attempt == 1 {
			m.totalTransactions++
		}
	case EventCommit:
		lm.TotalDuration += e.Duration
		m.committed++
		m.terminalDuration += e.Duration
		m.terminalCount++
	case EventRollback:
		lm.TotalDuration += e.Duration
		lm.FailureCount++
		m.rollbacks++
		m.terminalDuration += e.Duration
		m.terminalCount++
	case EventRetry:
		lm.RetryCount++
		m.retries++
	case EventCompensate:
		m.compensations++
	case EventTimeout:
		m.timeouts++
	}

	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.deliverMu.Lock()
	m.mu.Unlock()
	defer m.deliverMu.Unlock()

	for _, fn := range subs {
		safeInvoke(fn, e)
	}
}

// Subscribe fans out every subsequent event to callback and returns the
// matching unsubscribe function.
func (m *MonitorService) Subscribe(callback func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = callback
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// GetStatistics returns the global aggregate counts. A rollback followed
// by a retry is not terminal, so failed = rollbacks - retries.
func (m *MonitorService) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statisticsLocked()
}

func (m *MonitorService) statisticsLocked() Statistics {
	failed := m.rollbacks - m.retries
	if failed < 0 {
		failed = 0
	}
	s := Statistics{
		TotalTransactions: m.totalTransactions,
		Committed:         m.committed,
		Failed:            failed,
		Retries:           m.retries,
		Compensations:     m.compensations,
		Timeouts:          m.timeouts,
	}
	if terminal := m.committed + failed; terminal > 0 {
		s.SuccessRatio = float64(m.committed) / float64(terminal)
	}
	if m.terminalCount > 0 {
		s.AverageDuration = m.terminalDuration / time.Duration(m.terminalCount)
	}
	return s
}

// GetAllMetrics returns a copy of the per-label aggregates.
func (m *MonitorService) GetAllMetrics() map[string]LabelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]LabelMetrics, len(m.metrics))
	for label, lm := range m.metrics {
		out[label] = *lm
	}
	return out
}

// GetMetrics returns the aggregate for one label.
func (m *MonitorService) GetMetrics(label string) (LabelMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm, ok := m.metrics[label]
	if !ok {
		return LabelMetrics{}, false
	}
	return *lm, true
}

// GetEvents returns a copy of the raw event history, in arrival order.
func (m *MonitorService) GetEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ClearHistory resets all accumulated state. Meant for test isolation,
// not for use during normal operation.
func (m *MonitorService) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.metrics = make(map[string]*LabelMetrics)
	m.totalTransactions = 0
	m.committed = 0
	m.rollbacks = 0
	m.retries = 0
	m.compensations = 0
	m.timeouts = 0
	m.terminalDuration = 0
	m.terminalCount = 0
}

// ExportMetrics serializes statistics, per-label metrics and the raw event
// history to the transport-neutral form.
func (m *MonitorService) ExportMetrics() MetricsExport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.statisticsLocked()
	export := MetricsExport{
		Statistics: ExportStatistics{
			TotalTransactions: stats.TotalTransactions,
			Committed:         stats.Committed,
			Failed:            stats.Failed,
			Retries:           stats.Retries,
			Compensations:     stats.Compensations,
			Timeouts:          stats.Timeouts,
			SuccessRatio:      stats.SuccessRatio,
			AverageDurationMs: stats.AverageDuration.Milliseconds(),
		},
		Metrics: make(map[string]ExportedMetrics, len(m.metrics)),
		Events:  make([]ExportedEvent, 0, len(m.events)),
	}
	for label, lm := range m.metrics {
		export.Metrics[label] = ExportedMetrics{
			Count:           lm.Count,
			TotalDurationMs: lm.TotalDuration.Milliseconds(),
			FailureCount:    lm.FailureCount,
			RetryCount:      lm.RetryCount,
		}
	}
	for _, e := range m.events {
		export.Events = append(export.Events, ExportedEvent{
			Type:        string(e.Type),
			Label:       e.Label,
			Operation:   e.Operation,
			Attempt:     e.Attempt,
			TimestampMs: e.Timestamp.UnixMilli(),
			DurationMs:  e.Duration.Milliseconds(),
			Error:       e.Error,
		})
	}
	return export
}

// ExportJSON renders ExportMetrics as JSON.
func (m *MonitorService) ExportJSON() ([]byte, error) {
	export := m.ExportMetrics()
	return json.MarshalIndent(export, "", "  ")
}

// WriteSnapshot persists the current export in the binary wire form.
func (m *MonitorService) WriteSnapshot(w io.Writer) error {
	export := m.ExportMetrics()
	buf := &bytes.Buffer{}
	if err := rtl.Encode(&export, buf); err != nil {
		return fmt.Errorf("failed to encode monitor snapshot: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadSnapshot decodes a snapshot previously written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*MetricsExport, error) {
	export := &MetricsExport{}
	if err := rtl.Decode(r, export); err != nil {
		return nil, fmt.Errorf("failed to decode monitor snapshot: %w", err)
	}
	return export, nil
}
