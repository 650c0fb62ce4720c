// Package sqlstore is the SQLite-backed store, built on comfylite3 so
// concurrent scopes can share one connection safely.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davidroman0O/comfylite3"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/credixa/oracletx"
	"github.com/credixa/oracletx/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	signer     TEXT NOT NULL,
	oracle     TEXT NOT NULL,
	source     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS price_feeds (
	symbol      TEXT PRIMARY KEY,
	price       REAL NOT NULL,
	snapshot_id TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

type config struct {
	memory   bool
	filePath string
	logger   oracletx.Logger
}

type Option func(*config)

func WithMemory() Option {
	return func(c *config) {
		c.memory = true
	}
}

func WithFilePath(filePath string) Option {
	return func(c *config) {
		c.filePath = filePath
	}
}

func WithLogger(logger oracletx.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Store implements store.Store over SQLite.
type Store struct {
	comfy  *comfylite3.ComfyDB
	db     *sql.DB
	logger oracletx.Logger
}

func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = oracletx.NewDefaultLogger()
	}

	comfyOptions := []comfylite3.ComfyOption{}
	if cfg.memory {
		comfyOptions = append(comfyOptions, comfylite3.WithMemory())
	} else {
		comfyOptions = append(comfyOptions, comfylite3.WithPath(cfg.filePath))
		if err := os.MkdirAll(filepath.Dir(cfg.filePath), 0755); err != nil {
			return nil, err
		}
	}

	comfy, err := comfylite3.New(comfyOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	cfg.logger.Debug(ctx, "sqlstore opened", "memory", cfg.memory, "path", cfg.filePath)

	return &Store{comfy: comfy, db: db, logger: cfg.logger}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.comfy.Close()
}

func (s *Store) Begin(ctx context.Context, level oracletx.IsolationLevel) (store.Scope, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: mapIsolation(level)})
	if err != nil {
		return nil, classify(err)
	}
	return &scope{tx: tx}, nil
}

// mapIsolation translates to what the sqlite driver accepts. SQLite runs
// every transaction serializable, so read committed and repeatable read
// collapse onto the nearest supported level.
func mapIsolation(level oracletx.IsolationLevel) sql.IsolationLevel {
	switch level {
	case oracletx.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case oracletx.IsolationRepeatableRead, oracletx.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// classify wraps lock contention as transient so the orchestrator retries
// it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return oracletx.Transient(err)
	}
	return err
}

type scope struct {
	tx *sql.Tx
}

func (sc *scope) Commit(ctx context.Context) error {
	return classify(sc.tx.Commit())
}

func (sc *scope) Rollback(ctx context.Context) error {
	err := sc.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return classify(err)
}

func (sc *scope) CreateSnapshot(ctx context.Context, s *store.Snapshot) error {
	_, err := sc.tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, signer, oracle, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Signer, s.Oracle, s.Source, s.CreatedAt.UnixMilli())
	return classify(err)
}

func (sc *scope) GetSnapshot(ctx context.Context, id string) (*store.Snapshot, error) {
	row := sc.tx.QueryRowContext(ctx,
		`SELECT id, signer, oracle, source, created_at FROM snapshots WHERE id = ?`, id)
	var s store.Snapshot
	var createdAt int64
	if err := row.Scan(&s.ID, &s.Signer, &s.Oracle, &s.Source, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	return &s, nil
}

func (sc *scope) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := sc.tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return classify(err)
}

func (sc *scope) GetFeed(ctx context.Context, symbol string) (*store.PriceFeed, error) {
	row := sc.tx.QueryRowContext(ctx,
		`SELECT symbol, price, snapshot_id, updated_at FROM price_feeds WHERE symbol = ?`, symbol)
	var f store.PriceFeed
	var updatedAt int64
	if err := row.Scan(&f.Symbol, &f.Price, &f.SnapshotID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	f.UpdatedAt = time.UnixMilli(updatedAt)
	return &f, nil
}

func (sc *scope) UpsertFeed(ctx context.Context, f *store.PriceFeed) error {
	_, err := sc.tx.ExecContext(ctx,
		`INSERT INTO price_feeds (symbol, price, snapshot_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET price = excluded.price, snapshot_id = excluded.snapshot_id, updated_at = excluded.updated_at`,
		f.Symbol, f.Price, f.SnapshotID, f.UpdatedAt.UnixMilli())
	return classify(err)
}

func (sc *scope) DeleteFeed(ctx context.Context, symbol string) error {
	_, err := sc.tx.ExecContext(ctx, `DELETE FROM price_feeds WHERE symbol = ?`, symbol)
	return classify(err)
}

func (sc *scope) ListFeeds(ctx context.Context) ([]*store.PriceFeed, error) {
	rows, err := sc.tx.QueryContext(ctx,
		`SELECT symbol, price, snapshot_id, updated_at FROM price_feeds ORDER BY symbol`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var feeds []*store.PriceFeed
	for rows.Next() {
		var f store.PriceFeed
		var updatedAt int64
		if err := rows.Scan(&f.Symbol, &f.Price, &f.SnapshotID, &updatedAt); err != nil {
			return nil, classify(err)
		}
		f.UpdatedAt = time.UnixMilli(updatedAt)
		feeds = append(feeds, &f)
	}
	return feeds, rows.Err()
}
