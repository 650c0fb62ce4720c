// Package oracle holds the price-feed domain logic: snapshot updates built
// as compensatable operations and executed through the oracletx manager.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/credixa/oracletx"
	"github.com/credixa/oracletx/store"
)

const (
	labelUpdateSnapshot = "oracle.update_snapshot"

	// EventSnapshotRecorded is published on the bus after a successful
	// update, never from inside the transaction.
	EventSnapshotRecorded = "oracle.snapshot.recorded"
)

// FeedUpdate is one requested price change.
type FeedUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// UpdateRequest asks for one snapshot covering the given feeds.
type UpdateRequest struct {
	Source string       `json:"source"`
	Feeds  []FeedUpdate `json:"feeds"`
}

// UpdateResult reports a committed snapshot.
type UpdateResult struct {
	SnapshotID   string `json:"snapshotId"`
	FeedsUpdated int    `json:"feedsUpdated"`
}

// BatchItem is the outcome of one request inside a batch.
type BatchItem struct {
	Index        int    `json:"index"`
	SnapshotID   string `json:"snapshotId,omitempty"`
	FeedsUpdated int    `json:"feedsUpdated,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchResult aggregates a partial-success batch.
type BatchResult struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// Service is the oracle price-feed caller of the orchestrator.
type Service struct {
	cfg     Config
	store   store.Store
	manager *oracletx.Manager[store.Scope]
	bus     EventBus
	cache   Cache
	logger  oracletx.Logger
	limiter *rate.Limiter
}

type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	bus    EventBus
	cache  Cache
	logger oracletx.Logger
	hooks  *oracletx.Hooks
}

func WithEventBus(bus EventBus) ServiceOption {
	return func(c *serviceConfig) {
		c.bus = bus
	}
}

func WithCache(cache Cache) ServiceOption {
	return func(c *serviceConfig) {
		c.cache = cache
	}
}

func WithServiceLogger(logger oracletx.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithHooks routes the manager's lifecycle events, typically to a
// MonitorService.
func WithHooks(hooks *oracletx.Hooks) ServiceOption {
	return func(c *serviceConfig) {
		c.hooks = hooks
	}
}

func NewService(cfg Config, st store.Store, opts ...ServiceOption) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	sc := &serviceConfig{}
	for _, o := range opts {
		o(sc)
	}
	if sc.logger == nil {
		sc.logger = oracletx.NewDefaultLogger()
	}
	if sc.bus == nil {
		sc.bus = NewNopBus()
	}
	if sc.cache == nil {
		var err error
		if sc.cache, err = NewLRUCache(cfg.SnapshotCacheSize); err != nil {
			return nil, err
		}
	}

	managerOpts := []oracletx.ManagerOption{
		oracletx.WithLogger(sc.logger),
	}
	if sc.hooks != nil {
		managerOpts = append(managerOpts, oracletx.WithHooks(sc.hooks))
	}

	s := &Service{
		cfg:     cfg,
		store:   st,
		manager: oracletx.NewManager[store.Scope](st, managerOpts...),
		bus:     sc.bus,
		cache:   sc.cache,
		logger:  sc.logger,
	}
	if cfg.BatchRatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BatchRatePerSecond), cfg.BatchRatePerSecond)
	}
	return s, nil
}

func (s *Service) executeOptions() []oracletx.ExecuteOption {
	opts := []oracletx.ExecuteOption{
		oracletx.WithMaxRetries(s.cfg.MaxRetries),
		oracletx.WithRetryDelay(s.cfg.RetryDelay),
		oracletx.WithTimeout(s.cfg.UpdateTimeout),
		oracletx.WithIsolation(s.cfg.Isolation),
	}
	if s.cfg.ExponentialBackoff {
		opts = append(opts, oracletx.WithExponentialBackoff(s.cfg.MaxBackoff))
	}
	return opts
}

func validateRequest(req UpdateRequest) error {
	if len(req.Feeds) == 0 {
		return oracletx.Validation(errors.New("update requires at least one feed"))
	}
	for _, f := range req.Feeds {
		if f.Symbol == "" {
			return oracletx.Validation(errors.New("feed symbol must not be empty"))
		}
		if f.Price <= 0 {
			return oracletx.Validation(fmt.Errorf("feed %q price must be positive, got %v", f.Symbol, f.Price))
		}
	}
	return nil
}

// UpdateSnapshot applies one snapshot creation plus one price upsert per
// feed as a single compensatable unit of work. Every compensation closure
// is seeded with the prior feed state read through the attempt's own
// scope: restore the previous price, or delete the feed if it was newly
// created.
func (s *Service) UpdateSnapshot(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	result, err := oracletx.Execute(ctx, s.manager, labelUpdateSnapshot,
		func(ctx context.Context, txc *oracletx.Context[store.Scope]) (*UpdateResult, error) {
			scope := txc.Scope()
			now := time.Now().UTC()

			snap := &store.Snapshot{
				ID:        uuid.NewString(),
				Signer:    s.cfg.SignerAddress,
				Oracle:    s.cfg.OracleAddress,
				Source:    req.Source,
				CreatedAt: now,
			}
			snapOp := oracletx.NewOperation[store.Scope]("snapshot.create",
				func(ctx context.Context, sc store.Scope) error {
					return sc.CreateSnapshot(ctx, snap)
				},
				func(ctx context.Context, sc store.Scope) error {
					return sc.DeleteSnapshot(ctx, snap.ID)
				},
			)
			if err := txc.Apply(ctx, snapOp); err != nil {
				return nil, err
			}

			for _, fu := range req.Feeds {
				symbol := fu.Symbol
				prior, err := scope.GetFeed(ctx, symbol)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
				feed := &store.PriceFeed{
					Symbol:     symbol,
					Price:      fu.Price,
					SnapshotID: snap.ID,
					UpdatedAt:  now,
				}
				op := oracletx.NewOperation[store.Scope]("feed.upsert."+symbol,
					func(ctx context.Context, sc store.Scope) error {
						return sc.UpsertFeed(ctx, feed)
					},
					func(ctx context.Context, sc store.Scope) error {
						if prior == nil {
							return sc.DeleteFeed(ctx, symbol)
						}
						return sc.UpsertFeed(ctx, prior)
					},
				)
				if err := txc.Apply(ctx, op); err != nil {
					return nil, err
				}
			}

			return &UpdateResult{SnapshotID: snap.ID, FeedsUpdated: len(req.Feeds)}, nil
		}, s.executeOptions()...)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(req.Feeds))
	for _, fu := range req.Feeds {
		keys = append(keys, feedKey(fu.Symbol))
	}
	s.cache.Invalidate(keys...)

	event := DomainEvent{
		Name: EventSnapshotRecorded,
		At:   time.Now().UTC(),
		Fields: map[string]any{
			"snapshotId":   result.SnapshotID,
			"feedsUpdated": result.FeedsUpdated,
			"source":       req.Source,
		},
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		// The update is already committed; a bus hiccup must not fail it.
		s.logger.Warn(ctx, "failed to publish snapshot event", "snapshot_id", result.SnapshotID, "error", err)
	}

	s.logger.Info(ctx, "snapshot recorded", "snapshot_id", result.SnapshotID, "feeds", result.FeedsUpdated, "source", req.Source)
	return result, nil
}

func feedKey(symbol string) string { return "feed:" + symbol }

// LatestFeed reads one feed through the cache.
func (s *Service) LatestFeed(ctx context.Context, symbol string) (*store.PriceFeed, error) {
	if v, ok := s.cache.Get(feedKey(symbol)); ok {
		if feed, ok := v.(*store.PriceFeed); ok {
			return feed, nil
		}
	}

	scope, err := s.store.Begin(ctx, s.cfg.Isolation)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scope.Rollback(ctx); err != nil {
			s.logger.Warn(ctx, "failed to release read scope", "symbol", symbol, "error", err)
		}
	}()

	feed, err := scope.GetFeed(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cache.Set(feedKey(symbol), feed)
	return feed, nil
}

// LatestFeeds reads several feeds concurrently. Unknown symbols are
// omitted from the result.
func (s *Service) LatestFeeds(ctx context.Context, symbols []string) (map[string]*store.PriceFeed, error) {
	feeds := make([]*store.PriceFeed, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchWorkers)
	for i, symbol := range symbols {
		g.Go(func() error {
			feed, err := s.LatestFeed(ctx, symbol)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			}
			feeds[i] = feed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*store.PriceFeed, len(symbols))
	for _, f := range feeds {
		if f != nil {
			out[f.Symbol] = f
		}
	}
	return out, nil
}

type batchTask struct {
	index int
	req   UpdateRequest
}

type batchWorker struct {
	id      int
	svc     *Service
	results []BatchItem
}

func (w *batchWorker) Run(ctx context.Context, task *batchTask) error {
	if w.svc.limiter != nil {
		if err := w.svc.limiter.Wait(ctx); err != nil {
			w.results[task.index] = BatchItem{Index: task.index, Error: err.Error()}
			return err
		}
	}
	res, err := w.svc.UpdateSnapshot(ctx, task.req)
	if err != nil {
		w.results[task.index] = BatchItem{Index: task.index, Error: err.Error()}
		return err
	}
	w.results[task.index] = BatchItem{Index: task.index, SnapshotID: res.SnapshotID, FeedsUpdated: res.FeedsUpdated}
	return nil
}

// BatchUpdateSnapshots runs each request as its own snapshot update on a
// worker pool. Items are independent: a failed item is reported in the
// aggregate and never rolls back items that already committed.
func (s *Service) BatchUpdateSnapshots(ctx context.Context, reqs []UpdateRequest) *BatchResult {
	results := make([]BatchItem, len(reqs))
	for i := range results {
		results[i].Index = i
	}
	if len(reqs) == 0 {
		return &BatchResult{Items: results}
	}

	n := s.cfg.BatchWorkers
	if n > len(reqs) {
		n = len(reqs)
	}
	workers := make([]retrypool.Worker[*batchTask], 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, &batchWorker{id: i, svc: s, results: results})
	}

	onFailure := func(controller retrypool.WorkerController[*batchTask], workerID int, worker retrypool.Worker[*batchTask], data *batchTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
		s.logger.Warn(ctx, "batch item failed", "worker_id", workerID, "index", data.index, "error", err)
		return retrypool.DeadTaskActionDoNothing
	}
	onPanic := func(task *batchTask, v interface{}, stackTrace string) {
		s.logger.Error(ctx, "batch item panicked", "index", task.index, "panic", v, "stack", stackTrace)
		results[task.index] = BatchItem{Index: task.index, Error: fmt.Sprintf("panic: %v", v)}
	}

	pool := retrypool.New(ctx, workers,
		retrypool.WithAttempts[*batchTask](1),
		retrypool.WithOnTaskFailure(onFailure),
		retrypool.WithPanicHandler(onPanic),
	)

	for i := range reqs {
		if err := pool.Submit(&batchTask{index: i, req: reqs[i]}); err != nil {
			results[i] = BatchItem{Index: i, Error: err.Error()}
		}
	}

	if err := pool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond); err != nil {
		s.logger.Warn(ctx, "batch wait interrupted", "error", err)
	}
	pool.Close()

	out := &BatchResult{Items: results}
	for _, item := range results {
		if item.Error == "" {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	s.logger.Info(ctx, "batch update finished", "total", len(reqs), "succeeded", out.Succeeded, "failed", out.Failed)
	return out
}
