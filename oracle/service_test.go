package oracle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credixa/oracletx"
	"github.com/credixa/oracletx/oracle"
	"github.com/credixa/oracletx/store"
	"github.com/credixa/oracletx/store/memstore"
)

// failingStore decorates a real store and injects upsert failures so the
// compensation and retry paths can be driven deterministically.
type failingStore struct {
	store.Store

	mu            sync.Mutex
	transientLeft int    // next N upserts fail with a transient error
	failSymbol    string // upserts of this symbol always fail with failErr
	failErr       error
	blockSymbol   string // upserts of this symbol park until ctx is done
}

func (f *failingStore) Begin(ctx context.Context, level oracletx.IsolationLevel) (store.Scope, error) {
	sc, err := f.Store.Begin(ctx, level)
	if err != nil {
		return nil, err
	}
	return &failingScope{Scope: sc, st: f}, nil
}

type failingScope struct {
	store.Scope
	st *failingStore
}

func (f *failingScope) UpsertFeed(ctx context.Context, feed *store.PriceFeed) error {
	f.st.mu.Lock()
	if f.st.blockSymbol == feed.Symbol {
		f.st.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if f.st.failSymbol == feed.Symbol {
		err := f.st.failErr
		f.st.mu.Unlock()
		return err
	}
	if f.st.transientLeft > 0 {
		f.st.transientLeft--
		f.st.mu.Unlock()
		return oracletx.Transient(errors.New("feed table locked"))
	}
	f.st.mu.Unlock()
	return f.Scope.UpsertFeed(ctx, feed)
}

type fixture struct {
	svc     *oracle.Service
	store   *failingStore
	monitor *oracletx.MonitorService
	bus     *oracle.MemoryBus
}

func newFixture(t *testing.T, cfg oracle.Config) *fixture {
	t.Helper()
	mem, err := memstore.New()
	require.NoError(t, err)

	st := &failingStore{Store: mem}
	monitor := oracletx.NewMonitorService()
	bus := oracle.NewMemoryBus()

	if cfg.SignerAddress == "" {
		cfg.SignerAddress = "0xsigner"
	}
	if cfg.OracleAddress == "" {
		cfg.OracleAddress = "0xoracle"
	}

	svc, err := oracle.NewService(cfg, st,
		oracle.WithHooks(monitor.CreateHooks()),
		oracle.WithEventBus(bus),
		oracle.WithServiceLogger(oracletx.NewNopLogger()),
	)
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, monitor: monitor, bus: bus}
}

func compensatedOps(events []oracletx.Event) []string {
	var ops []string
	for _, e := range events {
		if e.Type == oracletx.EventCompensate {
			ops = append(ops, e.Operation)
		}
	}
	return ops
}

func TestUpdateSnapshotCommits(t *testing.T) {
	fx := newFixture(t, oracle.Config{})
	ctx := context.Background()

	res, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "chainlink",
		Feeds: []oracle.FeedUpdate{
			{Symbol: "BTC-USD", Price: 64000.25},
			{Symbol: "ETH-USD", Price: 3150.10},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SnapshotID)
	assert.Equal(t, 2, res.FeedsUpdated)

	btc, err := fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 64000.25, btc.Price)
	assert.Equal(t, res.SnapshotID, btc.SnapshotID)

	stats := fx.monitor.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalTransactions)
	assert.Equal(t, int64(1), stats.Committed)
	assert.Equal(t, int64(0), stats.Compensations)

	events := fx.bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, oracle.EventSnapshotRecorded, events[0].Name)
	assert.Equal(t, res.SnapshotID, events[0].Fields["snapshotId"])
}

func TestUpdateSnapshotCompensatesInReverseOrder(t *testing.T) {
	fx := newFixture(t, oracle.Config{MaxRetries: 3, RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "seed",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 60000}},
	})
	require.NoError(t, err)

	fx.store.mu.Lock()
	fx.store.failSymbol = "ETH-USD"
	fx.store.failErr = oracletx.Validation(errors.New("price deviates beyond threshold"))
	fx.store.mu.Unlock()

	_, err = fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "chainlink",
		Feeds: []oracle.FeedUpdate{
			{Symbol: "BTC-USD", Price: 64000},
			{Symbol: "ETH-USD", Price: 3150},
		},
	})
	require.ErrorIs(t, err, oracletx.ErrExecutionFailed)
	assert.ErrorIs(t, err, oracletx.ErrValidation)

	// Applied work unwinds last-in first-out: the BTC upsert before the
	// snapshot record.
	assert.Equal(t, []string{"feed.upsert.BTC-USD", "snapshot.create"},
		compensatedOps(fx.monitor.GetEvents()))

	stats := fx.monitor.GetStatistics()
	assert.Equal(t, int64(0), stats.Retries, "validation failures are not retried")
	assert.Equal(t, int64(1), stats.Failed)

	// The failed update leaves the previously committed state untouched.
	btc, err := fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 60000.0, btc.Price)
	_, err = fx.svc.LatestFeed(ctx, "ETH-USD")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Only the seed update made it onto the bus.
	assert.Len(t, fx.bus.Events(), 1)
}

func TestUpdateSnapshotRetriesTransientFailures(t *testing.T) {
	fx := newFixture(t, oracle.Config{MaxRetries: 3, RetryDelay: 5 * time.Millisecond})
	ctx := context.Background()

	fx.store.mu.Lock()
	fx.store.transientLeft = 2
	fx.store.mu.Unlock()

	start := time.Now()
	res, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "chainlink",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 64000}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FeedsUpdated)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	stats := fx.monitor.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalTransactions)
	assert.Equal(t, int64(1), stats.Committed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(2), stats.Retries)
	// Each failed attempt unwound the snapshot it had recorded.
	assert.Equal(t, []string{"snapshot.create", "snapshot.create"},
		compensatedOps(fx.monitor.GetEvents()))

	btc, err := fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 64000.0, btc.Price)
	assert.Len(t, fx.bus.Events(), 1)
}

func TestUpdateSnapshotTimesOut(t *testing.T) {
	fx := newFixture(t, oracle.Config{UpdateTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	fx.store.mu.Lock()
	fx.store.blockSymbol = "BTC-USD"
	fx.store.mu.Unlock()

	_, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "chainlink",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 64000}},
	})
	require.ErrorIs(t, err, oracletx.ErrTimeout)

	events := fx.monitor.GetEvents()
	stats := fx.monitor.GetStatistics()
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []string{"snapshot.create"}, compensatedOps(events))
	assert.Empty(t, fx.bus.Events())
}

func TestUpdateSnapshotValidation(t *testing.T) {
	fx := newFixture(t, oracle.Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  oracle.UpdateRequest
	}{
		{"no feeds", oracle.UpdateRequest{Source: "x"}},
		{"empty symbol", oracle.UpdateRequest{Feeds: []oracle.FeedUpdate{{Symbol: "", Price: 1}}}},
		{"zero price", oracle.UpdateRequest{Feeds: []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 0}}}},
		{"negative price", oracle.UpdateRequest{Feeds: []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: -1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.UpdateSnapshot(ctx, tc.req)
			assert.ErrorIs(t, err, oracletx.ErrValidation)
		})
	}

	// Requests rejected up front never reach the orchestrator.
	assert.Empty(t, fx.monitor.GetEvents())
	assert.Empty(t, fx.bus.Events())
}

func TestBatchUpdatePartialSuccess(t *testing.T) {
	fx := newFixture(t, oracle.Config{BatchWorkers: 2})
	ctx := context.Background()

	res := fx.svc.BatchUpdateSnapshots(ctx, []oracle.UpdateRequest{
		{Source: "a", Feeds: []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 64000}}},
		{Source: "b", Feeds: []oracle.FeedUpdate{{Symbol: "ETH-USD", Price: -3}}},
		{Source: "c", Feeds: []oracle.FeedUpdate{{Symbol: "SOL-USD", Price: 142.5}}},
	})

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 3)
	assert.NotEmpty(t, res.Items[0].SnapshotID)
	assert.Contains(t, res.Items[1].Error, "price must be positive")
	assert.NotEmpty(t, res.Items[2].SnapshotID)

	// Failed items never roll back committed neighbours.
	feeds, err := fx.svc.LatestFeeds(ctx, []string{"BTC-USD", "ETH-USD", "SOL-USD"})
	require.NoError(t, err)
	assert.Len(t, feeds, 2)
	assert.Equal(t, 64000.0, feeds["BTC-USD"].Price)
	assert.Equal(t, 142.5, feeds["SOL-USD"].Price)
	assert.NotContains(t, feeds, "ETH-USD")

	assert.Len(t, fx.bus.Events(), 2)
}

func TestBatchUpdateEmpty(t *testing.T) {
	fx := newFixture(t, oracle.Config{})
	res := fx.svc.BatchUpdateSnapshots(context.Background(), nil)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Items)
}

func TestLatestFeedReadsThroughCache(t *testing.T) {
	fx := newFixture(t, oracle.Config{})
	ctx := context.Background()

	_, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "seed",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 60000}},
	})
	require.NoError(t, err)

	feed, err := fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 60000.0, feed.Price)

	// Write behind the service's back: the cached entry still answers.
	sc, err := fx.store.Store.Begin(ctx, oracletx.IsolationReadCommitted)
	require.NoError(t, err)
	require.NoError(t, sc.UpsertFeed(ctx, &store.PriceFeed{Symbol: "BTC-USD", Price: 61000, SnapshotID: "manual", UpdatedAt: time.Now()}))
	require.NoError(t, sc.Commit(ctx))

	feed, err = fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 60000.0, feed.Price)

	// An update through the service invalidates the entry.
	_, err = fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "refresh",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 64000}},
	})
	require.NoError(t, err)

	feed, err = fx.svc.LatestFeed(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 64000.0, feed.Price)
}

func TestLatestFeedsSkipsUnknownSymbols(t *testing.T) {
	fx := newFixture(t, oracle.Config{})
	ctx := context.Background()

	_, err := fx.svc.UpdateSnapshot(ctx, oracle.UpdateRequest{
		Source: "seed",
		Feeds:  []oracle.FeedUpdate{{Symbol: "BTC-USD", Price: 64000}},
	})
	require.NoError(t, err)

	feeds, err := fx.svc.LatestFeeds(ctx, []string{"BTC-USD", "DOGE-USD"})
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Contains(t, feeds, "BTC-USD")
}

func TestNewServiceRequiresAddresses(t *testing.T) {
	mem, err := memstore.New()
	require.NoError(t, err)

	_, err = oracle.NewService(oracle.Config{OracleAddress: "0xoracle"}, mem)
	assert.ErrorContains(t, err, "signer address")

	_, err = oracle.NewService(oracle.Config{SignerAddress: "0xsigner"}, mem)
	assert.ErrorContains(t, err, "oracle address")
}
