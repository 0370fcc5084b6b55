package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/invalidation"
)

var mealDate = time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []invalidation.MutationType
}

func (r *recordingInvalidator) Invalidate(_ context.Context, t invalidation.MutationType, _ invalidation.Payload) (invalidation.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, t)
	return invalidation.Outcome{}, nil
}

func (r *recordingInvalidator) Calls() []invalidation.MutationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invalidation.MutationType(nil), r.calls...)
}

func quick(id, name string, kcal float64) api.MealItem {
	return api.MealItem{ID: id, Content: api.QuickEntryItem{Name: name, Nutrition: api.Nutrition{Calories: kcal}}}
}

func breakfast() api.Meal {
	items := []api.MealItem{quick("i1", "Oats", 450)}
	return api.Meal{ID: "m1", Date: "2024-07-15", MealType: api.MealBreakfast, Items: items, Totals: Totals(items)}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func seededStore(t *testing.T) *cache.Store {
	t.Helper()
	store := cache.NewStore()
	store.Set(cache.MealKey("m1"), mustJSON(t, breakfast()), time.Minute)
	store.Set(cache.MealListKey(mealDate), mustJSON(t, []api.Meal{breakfast()}), time.Minute)
	store.MarkError(cache.MealListKey(mealDate), errors.New("earlier poll failed"))
	return store
}

func cachedMeal(t *testing.T, store *cache.Store) api.Meal {
	t.Helper()
	e, ok := store.Get(cache.MealKey("m1"))
	require.True(t, ok)
	var m api.Meal
	require.NoError(t, e.Decode(&m))
	return m
}

func addItem(tempID string, item api.MealItem, send func(ctx context.Context) (json.RawMessage, error)) Mutation {
	item.ID = tempID
	return Mutation{
		Type:    invalidation.MealItemAdd,
		Payload: invalidation.Payload{Date: mealDate, MealID: "m1"},
		Targets: []Target{
			{
				Key:       cache.MealKey("m1"),
				Apply:     ApplyJSON(AppendMealItem(item)),
				Reconcile: ReconcileJSON(ReplaceTempItem(tempID)),
			},
			{
				Key:       cache.MealListKey(mealDate),
				Apply:     ApplyJSON(InMealList("m1", AppendMealItem(item))),
				Reconcile: ReconcileJSON(InMealListReconcile("m1", ReplaceTempItem(tempID))),
			},
			// Snapshotted only; not in the cache yet.
			{Key: cache.DayKey(mealDate)},
		},
		Send: send,
	}
}

var entryCmp = cmp.Options{cmpopts.EquateErrors(), cmpopts.EquateEmpty()}

func TestFailedAddRestoresSnapshotExactly(t *testing.T) {
	store := seededStore(t)
	keys := []cache.Key{cache.MealKey("m1"), cache.MealListKey(mealDate), cache.DayKey(mealDate)}
	before := store.Snapshot(keys...)

	inv := &recordingInvalidator{}
	c := NewCoordinator(store, inv)
	tempID := NewTempID()

	_, err := c.Execute(context.Background(), addItem(tempID, quick("", "Banana", 120), func(ctx context.Context) (json.RawMessage, error) {
		speculative := cachedMeal(t, store)
		assert.Len(t, speculative.Items, 2, "speculative item visible before the network call")
		assert.Equal(t, 570.0, speculative.Totals.Calories)
		return nil, errors.New("network unreachable")
	}))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "network unreachable", rejected.Message)

	after := store.Snapshot(keys...)
	for _, k := range keys {
		want, wantOK := before.Entry(k)
		got, gotOK := after.Entry(k)
		assert.Equal(t, wantOK, gotOK, "existence of %s", k)
		if diff := cmp.Diff(want, got, entryCmp); diff != "" {
			t.Errorf("%s changed after rollback (-want +got):\n%s", k, diff)
		}
	}

	m := cachedMeal(t, store)
	assert.Len(t, m.Items, 1)
	assert.Equal(t, 450.0, m.Totals.Calories)
	_, exists := store.Get(cache.DayKey(mealDate))
	assert.False(t, exists)
	assert.Empty(t, inv.Calls(), "no invalidation after rollback")
	assert.Empty(t, c.Pending())
}

func TestCommitEliminatesTempIDs(t *testing.T) {
	store := seededStore(t)
	inv := &recordingInvalidator{}
	c := NewCoordinator(store, inv)
	tempID := NewTempID()
	require.True(t, IsTempID(tempID))

	server := quick("i2", "Banana", 120)
	resp, err := c.Execute(context.Background(), addItem(tempID, quick("", "Banana", 120), func(ctx context.Context) (json.RawMessage, error) {
		return json.Marshal(server)
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp)

	m := cachedMeal(t, store)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "i1", m.Items[0].ID)
	assert.Equal(t, "i2", m.Items[1].ID)
	assert.Equal(t, 570.0, m.Totals.Calories)

	e, _ := store.Get(cache.MealListKey(mealDate))
	var meals []api.Meal
	require.NoError(t, e.Decode(&meals))
	require.Len(t, meals, 1)
	for _, it := range meals[0].Items {
		assert.False(t, IsTempID(it.ID), "temporary id %s left in meal list", it.ID)
	}
	assert.Equal(t, []invalidation.MutationType{invalidation.MealItemAdd}, inv.Calls())
}

func TestRejectionCarriesServerMessage(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil)

	_, err := c.Execute(context.Background(), addItem(NewTempID(), quick("", "Bad", -5), func(ctx context.Context) (json.RawMessage, error) {
		return nil, api.NewAPIError(422, []byte(`{"message":"Calories must be zero or more"}`))
	}))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Calories must be zero or more", rejected.Error())
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindValidation, apiErr.Kind())
	assert.Len(t, cachedMeal(t, store).Items, 1)
}

func TestTimeoutRollsBack(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil, WithTimeout(20*time.Millisecond))

	_, err := c.Execute(context.Background(), addItem(NewTempID(), quick("", "Slow", 100), func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	assert.ErrorIs(t, err, api.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, cachedMeal(t, store).Items, 1)
}

func TestOverlappingMutationIsRefused(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), addItem(NewTempID(), quick("", "First", 100), func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.Marshal(quick("i2", "First", 100))
		}))
		done <- err
	}()
	<-started

	require.True(t, c.Busy(cache.MealKey("m1")))
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StatusInFlight, pending[0].Status)
	assert.Equal(t, invalidation.MealItemAdd, pending[0].Type)

	sent := false
	_, err := c.Execute(context.Background(), Mutation{
		Type:    invalidation.MealItemDelete,
		Targets: []Target{{Key: cache.MealKey("m1"), Apply: ApplyJSON(RemoveMealItem("i1"))}},
		Send: func(ctx context.Context) (json.RawMessage, error) {
			sent = true
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, ErrTargetBusy)
	assert.False(t, sent)
	assert.Len(t, cachedMeal(t, store).Items, 2, "refused mutation applied nothing")

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, c.Pending())
	assert.False(t, c.Busy(cache.MealKey("m1")))
}

type noteInput struct {
	Name string `validate:"required"`
}

func TestInvalidInputAppliesNothing(t *testing.T) {
	store := seededStore(t)
	c := NewCoordinator(store, nil)

	m := addItem(NewTempID(), quick("", "x", 1), func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("send must not run")
		return nil, nil
	})
	m.Input = noteInput{}

	_, err := c.Execute(context.Background(), m)
	require.Error(t, err)
	assert.Len(t, cachedMeal(t, store).Items, 1)
}

func TestApplyFailureRestores(t *testing.T) {
	store := seededStore(t)
	before := store.Snapshot(cache.MealKey("m1"))
	c := NewCoordinator(store, nil)

	_, err := c.Execute(context.Background(), Mutation{
		Type: invalidation.MealItemUpdate,
		Targets: []Target{
			{Key: cache.MealKey("m1"), Apply: ApplyJSON(AppendMealItem(quick("tmp_x", "x", 1)))},
			{Key: cache.MealListKey(mealDate), Apply: ApplyJSON(InMealList("m1", ReplaceMealItem(quick("missing", "x", 1))))},
		},
		Send: func(ctx context.Context) (json.RawMessage, error) {
			t.Fatal("send must not run")
			return nil, nil
		},
	})
	require.Error(t, err)

	want, _ := before.Entry(cache.MealKey("m1"))
	got, _ := store.Snapshot(cache.MealKey("m1")).Entry(cache.MealKey("m1"))
	if diff := cmp.Diff(want, got, entryCmp); diff != "" {
		t.Errorf("apply failure left changes (-want +got):\n%s", diff)
	}
}

func TestMealHelpers(t *testing.T) {
	m := breakfast()
	m, _ = AppendMealItem(quick("tmp_a", "A", 100))(m)
	m, _ = AppendMealItem(quick("i3", "C", 50))(m)
	assert.Equal(t, 600.0, m.Totals.Calories)

	m, err := ReplaceTempItem("tmp_a")(m, quick("i2", "A", 110))
	require.NoError(t, err)
	ids := []string{m.Items[0].ID, m.Items[1].ID, m.Items[2].ID}
	assert.Equal(t, []string{"i1", "i2", "i3"}, ids, "placeholder replaced at its insertion point")
	assert.Equal(t, 610.0, m.Totals.Calories)

	m, err = ReplaceTempItem("tmp_gone")(m, quick("i2", "A", 110))
	require.NoError(t, err)
	assert.Len(t, m.Items, 3, "already reconciled item is not duplicated")

	_, err = ReplaceTempItem("tmp_a")(m, quick("tmp_b", "A", 1))
	assert.Error(t, err)

	m, _ = RemoveMealItem("i1")(m)
	assert.Len(t, m.Items, 2)
	assert.Equal(t, 160.0, m.Totals.Calories)

	m, err = ReplaceMealItem(quick("i3", "C", 75))(m)
	require.NoError(t, err)
	assert.Equal(t, 185.0, m.Totals.Calories)
}

func TestApplyJSONSkipsEmptyEntries(t *testing.T) {
	apply := ApplyJSON(AppendMealItem(quick("tmp_a", "A", 1)))
	_, err := apply(nil, false)
	assert.ErrorIs(t, err, ErrSkip)

	out, err := apply(nil, true)
	require.NoError(t, err)
	var m api.Meal
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Len(t, m.Items, 1)
}
