package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/query"
)

// startHeldFetch begins a revalidation of the stale meal whose loader blocks
// until the returned release is called. The loader answers with the meal as
// it was before any mutation.
func startHeldFetch(t *testing.T, store *cache.Store) (release func(), done <-chan struct{}) {
	t.Helper()
	q := query.New(store)
	t.Cleanup(q.Close)

	store.MarkStale(cache.MealKey("m1"))

	gate := make(chan struct{})
	var started int32
	loader := func(ctx context.Context) (json.RawMessage, error) {
		atomic.StoreInt32(&started, 1)
		<-gate
		return json.Marshal(breakfast())
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		q.Fetch(context.Background(), cache.MealKey("m1"), loader)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)
	return func() { close(gate) }, finished
}

func TestFetchLandingMidMutationKeepsSpeculativeValue(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil)
	release, fetched := startHeldFetch(t, store)

	_, err := c.Execute(context.Background(), addItem(NewTempID(), quick("", "Banana", 120), func(ctx context.Context) (json.RawMessage, error) {
		require.Len(t, cachedMeal(t, store).Items, 2)

		release()
		<-fetched

		m := cachedMeal(t, store)
		assert.Len(t, m.Items, 2, "fetch result replaced the speculative value")
		assert.Equal(t, 570.0, m.Totals.Calories)
		assert.True(t, store.Held(cache.MealKey("m1")))
		return nil, errors.New("network unreachable")
	}))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)

	e, ok := store.Get(cache.MealKey("m1"))
	require.True(t, ok)
	assert.Equal(t, cache.StatusStale, e.Status, "rollback must not leave a fetch state with nothing in flight")
	assert.Len(t, cachedMeal(t, store).Items, 1)
	assert.False(t, store.Held(cache.MealKey("m1")))
}

func TestFetchLandingMidMutationThenCommit(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil)
	release, fetched := startHeldFetch(t, store)

	_, err := c.Execute(context.Background(), addItem(NewTempID(), quick("", "Banana", 120), func(ctx context.Context) (json.RawMessage, error) {
		release()
		<-fetched
		return json.Marshal(quick("i2", "Banana", 120))
	}))
	require.NoError(t, err)

	m := cachedMeal(t, store)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "i2", m.Items[1].ID)
	e, _ := store.Get(cache.MealKey("m1"))
	assert.Equal(t, cache.StatusFresh, e.Status)
	assert.Empty(t, c.Pending())
}
