package invalidation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/observability"
)

// Revalidator schedules background refetches. query.Dispatcher implements it.
type Revalidator interface {
	Revalidate(keys []cache.Key) int
}

// Engine applies the graph to the cache after a committed mutation.
type Engine struct {
	graph       *Graph
	store       *cache.Store
	revalidator Revalidator
	today       func() time.Time
	logger      *zap.Logger
	metrics     *observability.Collector
	tracer      trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithToday sets how the engine learns the current calendar date.
func WithToday(today func() time.Time) Option {
	return func(e *Engine) { e.today = today }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = core.OrNop(logger) }
}

func WithMetrics(c *observability.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// NewEngine creates an engine. revalidator may be nil, in which case matched
// keys are only marked stale.
func NewEngine(graph *Graph, store *cache.Store, revalidator Revalidator, opts ...Option) *Engine {
	if graph == nil {
		graph = DefaultGraph()
	}
	e := &Engine{
		graph:       graph,
		store:       store,
		revalidator: revalidator,
		today:       func() time.Time { return core.Today(time.Local) },
		logger:      zap.NewNop(),
		tracer:      observability.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the engine's dependency table.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Outcome reports what one invalidation touched.
type Outcome struct {
	Matched      []cache.Key
	Revalidating int
}

// Invalidate marks every cached key selected by the mutation Stale in one
// atomic step, then asks the revalidator to refetch the watched ones.
// Invalidating an already stale key only re-schedules its refetch.
func (e *Engine) Invalidate(ctx context.Context, t MutationType, p Payload) (Outcome, error) {
	_, span := e.tracer.Start(ctx, "invalidation.invalidate",
		trace.WithAttributes(attribute.String("mutation.type", string(t))),
	)
	defer span.End()

	matched, err := e.graph.Match(t, p, e.today(), e.store.Keys())
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	e.store.Update(func(tx *cache.Tx) error {
		for _, k := range matched {
			tx.MarkStale(k)
		}
		return nil
	})

	out := Outcome{Matched: matched}
	if e.revalidator != nil && len(matched) > 0 {
		out.Revalidating = e.revalidator.Revalidate(matched)
	}

	e.metrics.RecordInvalidated(len(matched))
	span.SetAttributes(attribute.Int("invalidation.matched", len(matched)))
	e.logger.Debug("invalidated",
		zap.String("mutation", string(t)),
		zap.Int("matched", len(matched)),
		zap.Int("revalidating", out.Revalidating),
	)
	return out, nil
}
