// Package mutation runs optimistic writes: it snapshots the cache entries a
// write targets, applies the speculative result before the network call,
// and then either reconciles with the server's answer or restores the
// snapshot byte for byte.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/invalidation"
	"github.com/colthorp/fitsync-go/internal/observability"
)

var (
	// ErrTargetBusy is returned when a mutation targets a key another
	// mutation is still in flight on. Nothing has been applied.
	ErrTargetBusy = errors.New("another change to this item is still in progress")

	// ErrSkip from Apply or Reconcile leaves that target's entry untouched.
	ErrSkip = errors.New("skip target")
)

// Status is the lifecycle state of a mutation.
type Status int

const (
	StatusInFlight Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in_flight"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// ApplyFunc computes the speculative value of one entry from its current
// value. It must be pure.
type ApplyFunc func(current json.RawMessage, absent bool) (json.RawMessage, error)

// ReconcileFunc replaces speculative state with the server's answer.
type ReconcileFunc func(current, response json.RawMessage) (json.RawMessage, error)

// Target is one cache key a mutation writes to. Apply may be nil for keys
// that are only snapshotted; Reconcile may be nil when invalidation alone
// brings the key up to date.
type Target struct {
	Key        cache.Key
	Apply      ApplyFunc
	Reconcile  ReconcileFunc
	StaleAfter time.Duration
}

// Mutation is one optimistic write.
type Mutation struct {
	Type    invalidation.MutationType
	Payload invalidation.Payload
	// Input is validated with struct tags before anything is applied.
	Input   any
	Targets []Target
	Send    func(ctx context.Context) (json.RawMessage, error)
}

// RejectedError reports a write the server (or the network) refused. The
// cache has already been rolled back when it is returned.
type RejectedError struct {
	Type    invalidation.MutationType
	Message string
	Err     error
}

func (e *RejectedError) Error() string {
	return e.Message
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Pending describes an in-flight mutation.
type Pending struct {
	ID        string
	Type      invalidation.MutationType
	Keys      []cache.Key
	AppliedAt time.Time
	Status    Status
}

// Invalidator runs the dependency graph after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context, t invalidation.MutationType, p invalidation.Payload) (invalidation.Outcome, error)
}

// Coordinator owns the in-flight table and the snapshot/apply/commit/rollback
// sequence of every mutation.
type Coordinator struct {
	store       *cache.Store
	invalidator Invalidator
	validate    *validator.Validate
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *observability.Collector
	tracer      trace.Tracer

	mu       sync.Mutex
	inflight map[string]*Pending
	busy     map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = core.OrNop(logger) }
}

func WithMetrics(m *observability.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator writing into store. invalidator may
// be nil.
func NewCoordinator(store *cache.Store, invalidator Invalidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		invalidator: invalidator,
		validate:    validator.New(),
		timeout:     core.RequestTimeout,
		logger:      zap.NewNop(),
		tracer:      observability.Tracer(),
		inflight:    make(map[string]*Pending),
		busy:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs m through its lifecycle and returns the server response.
//
// Requested: the input is validated and the targets are reserved.
// Applied: every target is snapshotted, then every Apply result is written,
// in one store transaction and before any network call.
// Committed: Reconcile results replace the speculative values and the
// dependency graph runs.
// RolledBack: the snapshot is restored verbatim and a *RejectedError is
// returned. No invalidation runs.
func (c *Coordinator) Execute(ctx context.Context, m Mutation) (json.RawMessage, error) {
	if m.Send == nil {
		return nil, fmt.Errorf("mutation %s has no send function", m.Type)
	}
	if m.Input != nil {
		if err := c.validate.Struct(m.Input); err != nil {
			c.metrics.RecordMutation(string(m.Type), "invalid")
			return nil, fmt.Errorf("invalid %s: %w", m.Type, err)
		}
	}

	ctx, span := c.tracer.Start(ctx, "mutation.execute",
		trace.WithAttributes(attribute.String("mutation.type", string(m.Type))),
	)
	defer span.End()

	p, err := c.reserve(m)
	if err != nil {
		c.metrics.RecordMutation(string(m.Type), "busy")
		span.RecordError(err)
		return nil, err
	}
	release := sync.OnceFunc(func() { c.release(p) })
	defer release()

	snap, err := c.apply(m, p)
	if err != nil {
		c.metrics.RecordMutation(string(m.Type), "apply_failed")
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("applied")

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, sendErr := m.Send(sendCtx)
	cancel()

	if sendErr != nil {
		if errors.Is(sendErr, context.DeadlineExceeded) && !errors.Is(sendErr, api.ErrTimeout) {
			sendErr = fmt.Errorf("%w: %w", api.ErrTimeout, sendErr)
		}
		c.rollback(p, snap)
		c.metrics.RecordMutation(string(m.Type), "rolled_back")
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "rolled back")
		c.logger.Info("mutation rolled back",
			zap.String("id", p.ID),
			zap.String("type", string(m.Type)),
			zap.Error(sendErr),
		)
		return nil, &RejectedError{Type: m.Type, Message: api.UserMessage(sendErr), Err: sendErr}
	}

	c.commit(m, p, resp)
	c.metrics.RecordMutation(string(m.Type), "committed")
	// Refetches started by invalidation must be able to land.
	release()

	if c.invalidator != nil {
		if _, err := c.invalidator.Invalidate(ctx, m.Type, m.Payload); err != nil {
			c.logger.Warn("invalidation failed", zap.String("type", string(m.Type)), zap.Error(err))
		}
	}
	return resp, nil
}

func (c *Coordinator) reserve(m Mutation) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]cache.Key, 0, len(m.Targets))
	seen := make(map[string]bool, len(m.Targets))
	for _, t := range m.Targets {
		k := t.Key.String()
		if seen[k] {
			continue
		}
		if owner, ok := c.busy[k]; ok {
			return nil, fmt.Errorf("%s on %s (held by %s): %w", m.Type, k, owner, ErrTargetBusy)
		}
		seen[k] = true
		keys = append(keys, t.Key)
	}

	p := &Pending{ID: uuid.NewString(), Type: m.Type, Keys: keys, Status: StatusInFlight}
	for _, k := range keys {
		c.busy[k.String()] = p.ID
	}
	c.inflight[p.ID] = p
	return p, nil
}

func (c *Coordinator) release(p *Pending) {
	c.store.Release(p.Keys...)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range p.Keys {
		if c.busy[k.String()] == p.ID {
			delete(c.busy, k.String())
		}
	}
	delete(c.inflight, p.ID)
}

func (c *Coordinator) apply(m Mutation, p *Pending) (cache.Snapshot, error) {
	var snap cache.Snapshot
	err := c.store.Update(func(tx *cache.Tx) error {
		snap = tx.Snapshot(p.Keys...)
		tx.Hold(p.Keys...)
		for _, t := range m.Targets {
			if t.Apply == nil {
				continue
			}
			cur, _ := tx.Get(t.Key)
			next, err := t.Apply(cur.Value, cur.Absent)
			if errors.Is(err, ErrSkip) {
				continue
			}
			if err != nil {
				tx.Restore(snap)
				return fmt.Errorf("apply %s to %s: %w", m.Type, t.Key, err)
			}
			tx.Set(t.Key, next, staleAfter(t, cur))
		}
		return nil
	})
	if err != nil {
		return cache.Snapshot{}, err
	}

	c.mu.Lock()
	p.AppliedAt = c.store.Now()
	c.mu.Unlock()
	return snap, nil
}

func (c *Coordinator) commit(m Mutation, p *Pending, resp json.RawMessage) {
	c.store.Update(func(tx *cache.Tx) error {
		for _, t := range m.Targets {
			if t.Reconcile == nil {
				continue
			}
			cur, _ := tx.Get(t.Key)
			next, err := t.Reconcile(cur.Value, resp)
			if errors.Is(err, ErrSkip) {
				continue
			}
			if err != nil {
				// The server has the write; refetch instead.
				c.logger.Warn("reconcile failed", zap.String("key", t.Key.String()), zap.Error(err))
				tx.MarkStale(t.Key)
				continue
			}
			tx.Set(t.Key, next, staleAfter(t, cur))
		}
		return nil
	})

	c.mu.Lock()
	p.Status = StatusCommitted
	c.mu.Unlock()
}

func (c *Coordinator) rollback(p *Pending, snap cache.Snapshot) {
	c.store.Restore(snap)

	c.mu.Lock()
	p.Status = StatusRolledBack
	c.mu.Unlock()
}

func staleAfter(t Target, cur cache.Entry) time.Duration {
	switch {
	case t.StaleAfter > 0:
		return t.StaleAfter
	case cur.StaleAfter > 0:
		return cur.StaleAfter
	default:
		return core.StaleMeal
	}
}

// Pending lists in-flight mutations, oldest first.
func (c *Coordinator) Pending() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.inflight))
	for _, p := range c.inflight {
		cp := *p
		cp.Keys = append([]cache.Key(nil), p.Keys...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out
}

// Busy reports whether a mutation is in flight on key.
func (c *Coordinator) Busy(key cache.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.busy[key.String()]
	return ok
}
