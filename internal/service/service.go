// Package service is the facade the CLI and the MCP server use. It wires the
// API, the entity cache, the query dispatcher, the mutation coordinator and
// the invalidation engine together and exposes typed reads and writes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/invalidation"
	"github.com/colthorp/fitsync-go/internal/mutation"
	"github.com/colthorp/fitsync-go/internal/observability"
	"github.com/colthorp/fitsync-go/internal/query"
)

var validate = validator.New()

// Service is the fitsync client core.
type Service struct {
	api       *api.FitsyncAPI
	store     *cache.Store
	queries   *query.Dispatcher
	mutations *mutation.Coordinator
	engine    *invalidation.Engine
	backend   cache.Backend

	loc     *time.Location
	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Collector
}

type settings struct {
	backend      cache.Backend
	loc          *time.Location
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *observability.Collector
	timeout      time.Duration
	pollInterval time.Duration
	staleness    map[cache.ResourceType]time.Duration
}

// Option configures a Service.
type Option func(*settings)

// WithBackend keeps a warm copy of the cache in b.
func WithBackend(b cache.Backend) Option {
	return func(s *settings) { s.backend = b }
}

// WithLocation sets the time zone "today" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) { s.loc = loc }
}

// WithClock replaces the wall clock, for the cache and for "today".
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = core.OrNop(logger) }
}

func WithMetrics(c *observability.Collector) Option {
	return func(s *settings) { s.metrics = c }
}

// WithTimeout bounds every fetch and mutation.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithStaleness overrides freshness windows per resource type.
func WithStaleness(m map[cache.ResourceType]time.Duration) Option {
	return func(s *settings) { s.staleness = m }
}

// New builds a service over transport.
func New(transport api.Transport, opts ...Option) *Service {
	st := settings{
		loc:     time.UTC,
		clock:   time.Now,
		logger:  zap.NewNop(),
		timeout: core.RequestTimeout,
	}
	for _, opt := range opts {
		opt(&st)
	}

	store := cache.NewStore(cache.WithClock(st.clock), cache.WithLogger(st.logger.Named("cache")))

	qopts := []query.Option{
		query.WithTimeout(st.timeout),
		query.WithPollInterval(st.pollInterval),
		query.WithLogger(st.logger.Named("query")),
		query.WithMetrics(st.metrics),
	}
	for t, d := range st.staleness {
		qopts = append(qopts, query.WithStaleness(t, d))
	}
	queries := query.New(store, qopts...)

	s := &Service{
		api:     api.NewFitsyncAPI(transport),
		store:   store,
		queries: queries,
		backend: st.backend,
		loc:     st.loc,
		clock:   st.clock,
		logger:  st.logger,
		metrics: st.metrics,
	}
	s.engine = invalidation.NewEngine(invalidation.DefaultGraph(), store, queries,
		invalidation.WithToday(s.Today),
		invalidation.WithLogger(st.logger.Named("invalidation")),
		invalidation.WithMetrics(st.metrics),
	)
	s.mutations = mutation.NewCoordinator(store, s.engine,
		mutation.WithTimeout(st.timeout),
		mutation.WithLogger(st.logger.Named("mutation")),
		mutation.WithMetrics(st.metrics),
	)
	return s
}

// Today is the current calendar date in the configured zone.
func (s *Service) Today() time.Time {
	return core.DateOnly(s.clock().In(s.loc))
}

// Store exposes the entity cache, read-only by convention.
func (s *Service) Store() *cache.Store {
	return s.store
}

// Queries exposes the dispatcher.
func (s *Service) Queries() *query.Dispatcher {
	return s.queries
}

// Mutations exposes the coordinator.
func (s *Service) Mutations() *mutation.Coordinator {
	return s.mutations
}

// Hydrate loads the warm cache from the backend and returns how many entries
// were restored. They come back Stale.
func (s *Service) Hydrate() int {
	if s.backend == nil {
		return 0
	}
	return s.store.Hydrate(s.backend)
}

// Persist writes the cache to the backend.
func (s *Service) Persist() error {
	if s.backend == nil {
		return nil
	}
	// speculative values of in-flight writes stay in memory
	return s.store.Persist(s.backend, s.mutations.Busy)
}

// Wait blocks until background revalidations have finished.
func (s *Service) Wait() {
	s.queries.Wait()
}

// Close persists the cache and stops background work.
func (s *Service) Close() error {
	s.queries.Close()
	return s.Persist()
}

// Retry re-fetches a key left in the Error state.
func (s *Service) Retry(ctx context.Context, key cache.Key) error {
	_, err := s.queries.Retry(ctx, key)
	return err
}

// CacheStats describes the cache for `fitsync cache stats`.
type CacheStats struct {
	Entries  int
	ByStatus map[string]int
	ByType   map[string]int
	Pending  int
	Metrics  []observability.Sample
}

// Stats summarises the cache and the recorded metrics.
func (s *Service) Stats() (CacheStats, error) {
	st := CacheStats{ByStatus: make(map[string]int), ByType: make(map[string]int)}
	for _, k := range s.store.Keys() {
		e, ok := s.store.Get(k)
		if !ok {
			continue
		}
		st.Entries++
		st.ByStatus[e.Status.String()]++
		st.ByType[string(k.Type)]++
	}
	st.Pending = len(s.mutations.Pending())
	samples, err := s.metrics.Snapshot()
	if err != nil {
		return st, fmt.Errorf("gather metrics: %w", err)
	}
	st.Metrics = samples
	return st, nil
}

type clearer interface {
	Clear() error
}

// ClearCache drops every entry in memory and on disk.
func (s *Service) ClearCache() error {
	s.store.Clear()
	if c, ok := s.backend.(clearer); ok {
		return c.Clear()
	}
	return nil
}

// View is a typed read result.
type View[T any] struct {
	Value     T
	Absent    bool
	Status    cache.Status
	FetchedAt time.Time
	// Err is the last fetch failure while a stale value is shown.
	Err error
}

func toView[T any](r query.Result) (View[T], error) {
	v := View[T]{Absent: r.Absent, Status: r.Status, FetchedAt: r.FetchedAt, Err: r.Err}
	if err := r.Decode(&v.Value); err != nil {
		return v, fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return v, nil
}

func entryView[T any](e cache.Entry) (View[T], error) {
	return toView[T](query.Result{
		Key: e.Key, Value: e.Value, Absent: e.Absent,
		Status: e.Status, FetchedAt: e.FetchedAt, Err: e.LastError,
	})
}

func read[T any](ctx context.Context, s *Service, key cache.Key, loader query.Loader) (View[T], error) {
	r, err := s.queries.Read(ctx, key, loader)
	if err != nil {
		return View[T]{Status: r.Status, Err: err}, err
	}
	return toView[T](r)
}

// send adapts a typed API write to a mutation's Send.
func send[T any](fn func(ctx context.Context) (T, error)) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
}

func sendNothing(fn func(ctx context.Context) error) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		return nil, fn(ctx)
	}
}

func decodeResponse[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	return api.Decode[T](raw)
}

// PrefetchDays warms the day summaries of [start, end] with at most parallel
// concurrent fetches and returns how many days were loaded.
func (s *Service) PrefetchDays(ctx context.Context, start, end time.Time, parallel int) (int, error) {
	if parallel < 1 {
		parallel = core.PrefetchMaxWorkers
	}
	days := core.DaysBetween(start, end)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, d := range days {
		d := d
		g.Go(func() error {
			_, err := s.Day(gctx, d)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	s.logger.Debug("prefetched days", zap.Int("count", len(days)))
	return len(days), nil
}
