// Package memstore is the in-memory store, backed by go-memdb MVCC
// transactions. Used by tests and embedded deployments.
package memstore

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"

	"github.com/credixa/oracletx"
	"github.com/credixa/oracletx/store"
)

const (
	tableSnapshots = "snapshots"
	tableFeeds     = "price_feeds"
)

func dbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSnapshots: {
				Name: tableSnapshots,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableFeeds: {
				Name: tableFeeds,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Symbol"},
					},
				},
			},
		},
	}
}

// Store implements store.Store in memory. go-memdb serializes write
// transactions internally; isolation levels are accepted and ignored
// since every transaction sees a consistent snapshot anyway.
type Store struct {
	db *memdb.MemDB
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(dbSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to build memdb schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Begin(ctx context.Context, _ oracletx.IsolationLevel) (store.Scope, error) {
	return &scope{txn: s.db.Txn(true)}, nil
}

type scope struct {
	mu   deadlock.Mutex
	txn  *memdb.Txn
	done bool
}

func (sc *scope) finish(commit bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.done {
		return nil
	}
	sc.done = true
	if commit {
		sc.txn.Commit()
	} else {
		sc.txn.Abort()
	}
	return nil
}

func (sc *scope) Commit(ctx context.Context) error   { return sc.finish(true) }
func (sc *scope) Rollback(ctx context.Context) error { return sc.finish(false) }

func (sc *scope) CreateSnapshot(ctx context.Context, s *store.Snapshot) error {
	cp := *s
	return sc.txn.Insert(tableSnapshots, &cp)
}

func (sc *scope) GetSnapshot(ctx context.Context, id string) (*store.Snapshot, error) {
	raw, err := sc.txn.First(tableSnapshots, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	cp := *(raw.(*store.Snapshot))
	return &cp, nil
}

func (sc *scope) DeleteSnapshot(ctx context.Context, id string) error {
	raw, err := sc.txn.First(tableSnapshots, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		// Delete-if-exists: tolerate an already-removed target.
		return nil
	}
	return sc.txn.Delete(tableSnapshots, raw)
}

func (sc *scope) GetFeed(ctx context.Context, symbol string) (*store.PriceFeed, error) {
	raw, err := sc.txn.First(tableFeeds, "id", symbol)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	cp := *(raw.(*store.PriceFeed))
	return &cp, nil
}

func (sc *scope) UpsertFeed(ctx context.Context, f *store.PriceFeed) error {
	cp := *f
	return sc.txn.Insert(tableFeeds, &cp)
}

func (sc *scope) DeleteFeed(ctx context.Context, symbol string) error {
	raw, err := sc.txn.First(tableFeeds, "id", symbol)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	return sc.txn.Delete(tableFeeds, raw)
}

func (sc *scope) ListFeeds(ctx context.Context) ([]*store.PriceFeed, error) {
	it, err := sc.txn.Get(tableFeeds, "id")
	if err != nil {
		return nil, err
	}
	var feeds []*store.PriceFeed
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *(raw.(*store.PriceFeed))
		feeds = append(feeds, &cp)
	}
	return feeds, nil
}
