// Package store defines the storage contract of the oracle price-feed
// subsystem: point-in-time snapshots and the per-symbol price feeds they
// update, accessed through scope-bound transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/credixa/oracletx"
)

// ErrNotFound is returned by lookups when no record matches.
var ErrNotFound = errors.New("store: record not found")

// Snapshot is one recorded oracle update round.
type Snapshot struct {
	ID        string    `json:"id"`
	Signer    string    `json:"signer"`
	Oracle    string    `json:"oracle"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// PriceFeed is the latest accepted price for one symbol.
type PriceFeed struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	SnapshotID string    `json:"snapshotId"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Scope is one storage transaction with the domain CRUD primitives bound
// to it. Delete methods are delete-if-exists: compensations must tolerate
// a target the surrounding rollback already removed.
type Scope interface {
	oracletx.Scope

	CreateSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	GetFeed(ctx context.Context, symbol string) (*PriceFeed, error)
	UpsertFeed(ctx context.Context, f *PriceFeed) error
	DeleteFeed(ctx context.Context, symbol string) error
	ListFeeds(ctx context.Context) ([]*PriceFeed, error)
}

// Store opens scopes. It satisfies oracletx.Store[Scope].
type Store interface {
	Begin(ctx context.Context, level oracletx.IsolationLevel) (Scope, error)
	Close() error
}
