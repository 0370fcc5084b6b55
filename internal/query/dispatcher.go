// Package query issues reads against the remote API and writes the results
// into the entity cache.
//
// A Dispatcher coalesces concurrent fetches of the same key, serves cached
// values under stale-while-revalidate, and re-fetches designated keys on a
// fixed interval while somebody watches them. A 404 from a loader is a valid
// empty value; any other failure marks the entry Error and keeps its last good
// value visible. Failures are never retried silently.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/observability"
)

// Loader fetches the current server value of one key.
type Loader func(ctx context.Context) (json.RawMessage, error)

// Result is what a read returns: the value (or confirmed absence) and the
// state of its cache entry.
type Result struct {
	Key       cache.Key
	Value     json.RawMessage
	Absent    bool
	Status    cache.Status
	FetchedAt time.Time
	// Err is the last fetch failure when a value is being served from an
	// entry in the Error state.
	Err error
}

// Decode unmarshals the value into out. Absent results leave out untouched.
func (r Result) Decode(out any) error {
	if r.Absent || r.Value == nil {
		return nil
	}
	return json.Unmarshal(r.Value, out)
}

func resultFrom(e cache.Entry) Result {
	return Result{
		Key:       e.Key,
		Value:     e.Value,
		Absent:    e.Absent,
		Status:    e.Status,
		FetchedAt: e.FetchedAt,
		Err:       e.LastError,
	}
}

// DefaultStaleness is the freshness window per resource type.
var DefaultStaleness = map[cache.ResourceType]time.Duration{
	cache.ResourceToday:         core.StaleToday,
	cache.ResourceDay:           core.StaleDay,
	cache.ResourceDayRange:      core.StaleDay,
	cache.ResourceWeek:          core.StaleDay,
	cache.ResourceMeal:          core.StaleMeal,
	cache.ResourceMealList:      core.StaleMeal,
	cache.ResourceWorkoutList:   core.StaleWorkout,
	cache.ResourceWorkoutStreak: core.StaleWorkout,
	cache.ResourceWorkoutStats:  core.StaleWorkout,
	cache.ResourceWorkoutWeekly: core.StaleWorkout,
	cache.ResourceBodyLatest:    core.StaleMetrics,
	cache.ResourceBodyByDate:    core.StaleMetrics,
	cache.ResourceBodyList:      core.StaleMetrics,
	cache.ResourceBodyTrends:    core.StaleMetrics,
	cache.ResourcePhotoList:     core.StaleMetrics,
	cache.ResourceAnalytics:     core.StaleAnalytics,
	cache.ResourceDashboard:     core.StaleAnalytics,
	cache.ResourceFoodSearch:    core.StaleFoods,
	cache.ResourceFoodRecent:    core.StaleFoods,
	cache.ResourceFoodPortions:  core.StaleFoods,
	cache.ResourceBrandSearch:   core.StaleFoods,
}

// Dispatcher is the read side of the sync layer.
type Dispatcher struct {
	store *cache.Store
	group singleflight.Group

	mu        sync.Mutex
	loaders   map[string]Loader
	pollers   map[string]*poller
	staleness map[cache.ResourceType]time.Duration
	polled    map[cache.ResourceType]bool

	timeout      time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	metrics      *observability.Collector
	tracer       trace.Tracer

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type poller struct {
	refs   int
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-fetch upper bound.
func WithTimeout(d time.Duration) Option {
	return func(q *Dispatcher) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithPollInterval sets how often polled keys are re-fetched while watched.
func WithPollInterval(d time.Duration) Option {
	return func(q *Dispatcher) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithStaleness overrides the freshness window of one resource type.
func WithStaleness(t cache.ResourceType, d time.Duration) Option {
	return func(q *Dispatcher) { q.staleness[t] = d }
}

// WithPolled replaces the set of resource types polled while watched.
func WithPolled(types ...cache.ResourceType) Option {
	return func(q *Dispatcher) {
		q.polled = make(map[cache.ResourceType]bool, len(types))
		for _, t := range types {
			q.polled[t] = true
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Dispatcher) { q.logger = core.OrNop(logger) }
}

// WithMetrics records fetch and cache metrics on c.
func WithMetrics(c *observability.Collector) Option {
	return func(q *Dispatcher) { q.metrics = c }
}

// New creates a dispatcher over store. Close releases its background work.
func New(store *cache.Store, opts ...Option) *Dispatcher {
	bg, cancel := context.WithCancel(context.Background())
	q := &Dispatcher{
		store:        store,
		loaders:      make(map[string]Loader),
		pollers:      make(map[string]*poller),
		staleness:    make(map[cache.ResourceType]time.Duration, len(DefaultStaleness)),
		polled:       map[cache.ResourceType]bool{cache.ResourceToday: true},
		timeout:      core.RequestTimeout,
		pollInterval: core.PollInterval,
		logger:       zap.NewNop(),
		tracer:       observability.Tracer(),
		bg:           bg,
		cancel:       cancel,
	}
	for t, d := range DefaultStaleness {
		q.staleness[t] = d
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the cache the dispatcher writes into.
func (q *Dispatcher) Store() *cache.Store {
	return q.store
}

// StaleAfter returns the freshness window for a key.
func (q *Dispatcher) StaleAfter(key cache.Key) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.staleness[key.Type]; ok {
		return d
	}
	return core.StaleDay
}

// Register remembers the loader for key so revalidation and polling can
// reissue it.
func (q *Dispatcher) Register(key cache.Key, loader Loader) {
	if loader == nil {
		return
	}
	q.mu.Lock()
	q.loaders[key.String()] = loader
	q.mu.Unlock()
}

func (q *Dispatcher) loader(key cache.Key) (Loader, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.loaders[key.String()]
	return l, ok
}

// Fetch loads key from the server. Concurrent calls for the same key share
// one request. The request itself runs detached from ctx under the fixed
// timeout, so a caller that gives up does not cancel it for the others.
func (q *Dispatcher) Fetch(ctx context.Context, key cache.Key, loader Loader) (Result, error) {
	q.Register(key, loader)
	if loader == nil {
		var ok bool
		if loader, ok = q.loader(key); !ok {
			return Result{Key: key}, errors.New("no loader registered for " + key.String())
		}
	}

	ch := q.group.DoChan(key.String(), func() (interface{}, error) {
		return q.load(key, loader)
	})

	select {
	case <-ctx.Done():
		return Result{Key: key}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			q.metrics.RecordCoalesced(string(key.Type))
		}
		r, _ := res.Val.(Result)
		return r, res.Err
	}
}

func (q *Dispatcher) load(key cache.Key, loader Loader) (Result, error) {
	ctx, cancel := context.WithTimeout(q.bg, q.timeout)
	defer cancel()

	ctx, span := q.tracer.Start(ctx, "query.fetch",
		trace.WithAttributes(attribute.String("cache.key", key.String())),
	)
	defer span.End()

	staleAfter := q.StaleAfter(key)
	gen := q.store.Generation(key)
	q.store.MarkFetching(key)

	start := time.Now()
	raw, err := loader(ctx)
	elapsed := time.Since(start)
	resource := string(key.Type)

	switch {
	case err == nil:
		current := q.store.Complete(key, gen, raw, false, staleAfter)
		q.metrics.RecordFetch(resource, "ok", elapsed)
		q.logger.Debug("fetched", zap.String("key", key.String()), zap.Duration("elapsed", elapsed))
		if !current {
			q.logger.Debug("fetch outdated by invalidation; refetching", zap.String("key", key.String()))
			q.group.Forget(key.String())
			q.revalidateIfWatched(key)
		}

	case errors.Is(err, api.ErrNotFound):
		q.store.Complete(key, gen, nil, true, staleAfter)
		q.metrics.RecordFetch(resource, "absent", elapsed)
		q.logger.Debug("resource absent", zap.String("key", key.String()))

	default:
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, api.ErrTimeout) {
			err = errors.Join(api.ErrTimeout, err)
		}
		q.store.MarkError(key, err)
		q.metrics.RecordFetch(resource, "error", elapsed)
		q.logger.Warn("fetch failed", zap.String("key", key.String()), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e, _ := q.store.Get(key)
		return resultFrom(e), err
	}

	e, _ := q.store.Get(key)
	return resultFrom(e), nil
}

// Read serves key under stale-while-revalidate:
//   - Fresh: the cached value, no I/O.
//   - Stale (or mid-fetch) with a value: the cached value, and a background
//     revalidation is scheduled.
//   - Error with a value: the cached value with Result.Err set. No retry.
//   - Nothing loaded: a blocking Fetch.
func (q *Dispatcher) Read(ctx context.Context, key cache.Key, loader Loader) (Result, error) {
	q.Register(key, loader)
	resource := string(key.Type)

	e, ok := q.store.Get(key)
	if ok && e.Loaded() {
		switch e.Status {
		case cache.StatusFresh:
			q.metrics.RecordCacheRead(resource, "fresh")
		case cache.StatusError:
			q.metrics.RecordCacheRead(resource, "error")
		default:
			q.metrics.RecordCacheRead(resource, "stale")
			q.revalidate(key)
		}
		return resultFrom(e), nil
	}

	if ok && e.Status == cache.StatusError {
		q.metrics.RecordCacheRead(resource, "error")
		return resultFrom(e), e.LastError
	}

	q.metrics.RecordCacheRead(resource, "miss")
	return q.Fetch(ctx, key, loader)
}

// Retry is the explicit retry for an entry left in the Error state.
func (q *Dispatcher) Retry(ctx context.Context, key cache.Key) (Result, error) {
	return q.Fetch(ctx, key, nil)
}

// Revalidate schedules a background refetch for every key that has a
// subscriber and a known loader, and returns how many were scheduled. Other
// keys stay Stale and refetch on their next read.
func (q *Dispatcher) Revalidate(keys []cache.Key) int {
	n := 0
	for _, key := range keys {
		if q.revalidateIfWatched(key) {
			n++
		}
	}
	return n
}

func (q *Dispatcher) revalidateIfWatched(key cache.Key) bool {
	if q.store.Subscribers(key) == 0 {
		return false
	}
	return q.revalidate(key)
}

func (q *Dispatcher) revalidate(key cache.Key) bool {
	loader, ok := q.loader(key)
	if !ok || q.bg.Err() != nil {
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Fetch(q.bg, key, loader)
	}()
	return true
}

// Watch subscribes fn to key, starts a background read, and polls the key
// while the subscription lives if its resource type is polled. The
// subscription ends when the returned function is called or ctx is done.
func (q *Dispatcher) Watch(ctx context.Context, key cache.Key, loader Loader, fn func(cache.Entry)) func() {
	q.Register(key, loader)
	unsubscribe := q.store.Subscribe(key, fn)

	q.mu.Lock()
	poll := q.polled[key.Type]
	q.mu.Unlock()
	if poll {
		q.acquirePoller(key)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
			if poll {
				q.releasePoller(key)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		case <-q.bg.Done():
			stop()
		}
	}()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Read(q.bg, key, loader); err != nil {
			q.logger.Debug("initial watch read failed", zap.String("key", key.String()), zap.Error(err))
		}
	}()

	return stop
}

func (q *Dispatcher) acquirePoller(key cache.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key.String()
	if p, ok := q.pollers[k]; ok {
		p.refs++
		return
	}
	ctx, cancel := context.WithCancel(q.bg)
	q.pollers[k] = &poller{refs: 1, cancel: cancel}

	interval := q.pollInterval
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				loader, ok := q.loader(key)
				if !ok {
					continue
				}
				// Coalesces with any fetch already in flight.
				q.Fetch(ctx, key, loader)
			}
		}
	}()
	q.logger.Debug("polling started", zap.String("key", k), zap.Duration("interval", interval))
}

func (q *Dispatcher) releasePoller(key cache.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key.String()
	p, ok := q.pollers[k]
	if !ok {
		return
	}
	p.refs--
	if p.refs == 0 {
		p.cancel()
		delete(q.pollers, k)
		q.logger.Debug("polling stopped", zap.String("key", k))
	}
}

// Polling reports whether key is currently being polled.
func (q *Dispatcher) Polling(key cache.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pollers[key.String()]
	return ok
}

// StartSweeper periodically moves expired entries to Stale and revalidates
// the watched ones. It stops when ctx is done or the dispatcher is closed.
func (q *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.bg.Done():
				return
			case <-ticker.C:
				if swept := q.store.Sweep(); len(swept) > 0 {
					q.Revalidate(swept)
				}
			}
		}
	}()
}

// Wait blocks until every background fetch scheduled so far has finished.
func (q *Dispatcher) Wait() {
	q.wg.Wait()
}

// Close stops polling and background revalidation and waits for them.
func (q *Dispatcher) Close() {
	q.cancel()
	q.wg.Wait()
}
