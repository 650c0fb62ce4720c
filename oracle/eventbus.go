package oracle

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// DomainEvent is a business event published after a successful unit of
// work. Distinct from the orchestrator's lifecycle events, which only the
// monitor consumes.
type DomainEvent struct {
	Name   string         `json:"name"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// EventBus is the injected publishing capability. Implementations decide
// transport; the service never assumes a singleton.
type EventBus interface {
	Publish(ctx context.Context, event DomainEvent) error
	PublishBatch(ctx context.Context, events []DomainEvent) error
}

type nopBus struct{}

// NewNopBus discards every event.
func NewNopBus() EventBus { return nopBus{} }

func (nopBus) Publish(context.Context, DomainEvent) error        { return nil }
func (nopBus) PublishBatch(context.Context, []DomainEvent) error { return nil }

// MemoryBus collects published events in order. Test helper and local
// default.
type MemoryBus struct {
	mu     deadlock.Mutex
	events []DomainEvent
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(ctx context.Context, event DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *MemoryBus) PublishBatch(ctx context.Context, events []DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []DomainEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DomainEvent, len(b.events))
	copy(out, b.events)
	return out
}
