package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStoreGetAfterSet(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")

	if _, ok := s.Get(key); ok {
		t.Fatal("Expected no entry before Set")
	}

	s.Set(key, json.RawMessage(`{"id":"m1"}`), time.Minute)
	e, ok := s.Get(key)
	if !ok {
		t.Fatal("Expected entry after Set")
	}
	if string(e.Value) != `{"id":"m1"}` || e.Status != StatusFresh {
		t.Errorf("Get = %s/%s, want fresh value", e.Value, e.Status)
	}

	s.Set(key, json.RawMessage(`{"id":"m1","isCheatMeal":true}`), time.Minute)
	e, _ = s.Get(key)
	if string(e.Value) != `{"id":"m1","isCheatMeal":true}` {
		t.Errorf("Get did not observe overwrite: %s", e.Value)
	}
}

func TestStoreValuesAreCopied(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")
	raw := json.RawMessage(`{"a":1}`)

	s.Set(key, raw, time.Minute)
	raw[2] = 'b'

	e, _ := s.Get(key)
	if string(e.Value) != `{"a":1}` {
		t.Errorf("Store aliased caller bytes: %s", e.Value)
	}
	e.Value[2] = 'c'
	again, _ := s.Get(key)
	if string(again.Value) != `{"a":1}` {
		t.Errorf("Store aliased returned bytes: %s", again.Value)
	}
}

func TestStoreStalenessKeepsValue(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(WithClock(clock.Now))
	key := DayKey(date("2024-07-15"))

	s.Set(key, json.RawMessage(`{"consumed":{"calories":450}}`), 30*time.Second)
	clock.Advance(29 * time.Second)
	if e, _ := s.Get(key); e.Status != StatusFresh {
		t.Errorf("Status = %s before window elapsed, want fresh", e.Status)
	}

	clock.Advance(time.Second)
	e, _ := s.Get(key)
	if e.Status != StatusStale {
		t.Errorf("Status = %s after window elapsed, want stale", e.Status)
	}
	if string(e.Value) != `{"consumed":{"calories":450}}` {
		t.Errorf("Staleness cleared the value: %s", e.Value)
	}

	if !s.MarkStale(key) {
		t.Error("MarkStale should report an existing key")
	}
	if e, _ := s.Get(key); e.Value == nil {
		t.Error("MarkStale cleared the value")
	}
	if s.MarkStale(MealKey("missing")) {
		t.Error("MarkStale should report a missing key")
	}
}

func TestStoreMarkErrorKeepsValue(t *testing.T) {
	s := NewStore()
	key := TodayKey()

	s.Set(key, json.RawMessage(`{"ok":true}`), time.Minute)
	s.MarkFetching(key)
	if e, _ := s.Get(key); e.Status != StatusFetching || e.Value == nil {
		t.Errorf("MarkFetching = %s/%s", e.Status, e.Value)
	}

	s.MarkError(key, errors.New("boom"))
	e, _ := s.Get(key)
	if e.Status != StatusError || e.LastError == nil {
		t.Errorf("Expected error status, got %s (%v)", e.Status, e.LastError)
	}
	if string(e.Value) != `{"ok":true}` {
		t.Errorf("MarkError dropped the last good value: %s", e.Value)
	}
}

func TestStoreSetAbsent(t *testing.T) {
	s := NewStore()
	key := BodyByDateKey(date("2024-07-15"))

	s.SetAbsent(key, time.Minute)
	e, ok := s.Get(key)
	if !ok {
		t.Fatal("Expected entry")
	}
	if !e.Absent || e.Value != nil || e.Status != StatusFresh || !e.Loaded() {
		t.Errorf("SetAbsent = %+v", e)
	}
}

func TestStoreMarkStaleByPrefix(t *testing.T) {
	s := NewStore()
	s.Set(BodyTrendsKey("7d"), json.RawMessage(`{}`), time.Hour)
	s.Set(BodyTrendsKey("30d"), json.RawMessage(`{}`), time.Hour)
	s.Set(BodyLatestKey(), json.RawMessage(`{}`), time.Hour)

	keys := s.MarkStaleByPrefix(ResourceBodyTrends)
	if len(keys) != 2 {
		t.Fatalf("Expected 2 matched keys, got %v", keys)
	}
	for _, k := range keys {
		if e, _ := s.Get(k); e.Status != StatusStale {
			t.Errorf("%s = %s, want stale", k, e.Status)
		}
	}
	if e, _ := s.Get(BodyLatestKey()); e.Status != StatusFresh {
		t.Errorf("Unrelated key changed to %s", e.Status)
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")

	var got []Status
	unsubscribe := s.Subscribe(key, func(e Entry) {
		got = append(got, e.Status)
	})
	if s.Subscribers(key) != 1 {
		t.Errorf("Subscribers = %d, want 1", s.Subscribers(key))
	}

	s.Set(key, json.RawMessage(`{}`), time.Minute)
	s.MarkStale(key)
	s.MarkStale(key) // already stale: no second notification
	s.Set(MealKey("other"), json.RawMessage(`{}`), time.Minute)

	want := []Status{StatusFresh, StatusStale}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	unsubscribe()
	unsubscribe()
	s.Set(key, json.RawMessage(`{}`), time.Minute)
	if len(got) != 2 {
		t.Errorf("Callback fired after unsubscribe: %v", got)
	}
	if s.Subscribers(key) != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", s.Subscribers(key))
	}
}

func TestStoreSubscriberMayReadStore(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")

	var seen string
	unsubscribe := s.Subscribe(key, func(Entry) {
		e, _ := s.Get(key)
		seen = string(e.Value)
	})
	defer unsubscribe()

	s.Set(key, json.RawMessage(`{"n":1}`), time.Minute)
	if seen != `{"n":1}` {
		t.Errorf("Subscriber read %q", seen)
	}
}

func TestStoreUnsubscribeDuringDelivery(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	unsubscribe := s.Subscribe(key, func(Entry) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	go s.Set(key, json.RawMessage(`{}`), time.Minute)
	<-entered

	done := make(chan struct{})
	go func() {
		unsubscribe()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("unsubscribe returned while a delivery was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	s.Set(key, json.RawMessage(`{}`), time.Minute)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestStoreSnapshotRestoreIsExact(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(WithClock(clock.Now))
	meal := MealKey("m1")
	list := MealListKey(date("2024-07-15"))
	missing := MealKey("tmp_new")

	s.Set(meal, json.RawMessage(`{"id":"m1","items":[{"id":"i1"}]}`), time.Minute)
	s.MarkError(list, errors.New("offline"))

	before := s.Snapshot(meal, list, missing)
	beforeEntries := map[string]Entry{}
	for _, k := range []Key{meal, list} {
		e, _ := s.Get(k)
		beforeEntries[k.String()] = e
	}

	clock.Advance(5 * time.Second)
	err := s.Update(func(tx *Tx) error {
		tx.Set(meal, json.RawMessage(`{"id":"m1","items":[]}`), time.Minute)
		tx.Set(list, json.RawMessage(`[]`), time.Minute)
		tx.Set(missing, json.RawMessage(`{"id":"tmp_new"}`), time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	s.Restore(before)

	for _, k := range []Key{meal, list} {
		after, _ := s.Get(k)
		if diff := cmp.Diff(beforeEntries[k.String()], after, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("%s not restored exactly (-want +got):\n%s", k, diff)
		}
	}
	if _, ok := s.Get(missing); ok {
		t.Error("Key that did not exist before the snapshot should be removed")
	}
	if before.Len() != 3 {
		t.Errorf("Snapshot.Len = %d, want 3", before.Len())
	}
	if _, existed := before.Entry(missing); existed {
		t.Error("Snapshot should record that the key did not exist")
	}
}

func TestStoreCompleteDetectsInvalidation(t *testing.T) {
	s := NewStore()
	key := TodayKey()
	s.Set(key, json.RawMessage(`{"v":1}`), time.Minute)

	gen := s.Generation(key)
	if !s.Complete(key, gen, json.RawMessage(`{"v":2}`), false, time.Minute) {
		t.Error("Complete should succeed when nothing invalidated the key")
	}

	gen = s.Generation(key)
	s.MarkStale(key)
	if s.Complete(key, gen, json.RawMessage(`{"v":3}`), false, time.Minute) {
		t.Error("Complete should report an outdated fetch")
	}
	e, _ := s.Get(key)
	if string(e.Value) != `{"v":3}` || e.Status != StatusStale {
		t.Errorf("Outdated completion = %s/%s, want value kept and stale", e.Value, e.Status)
	}
}

func TestStoreHeldKeyDropsFetchResults(t *testing.T) {
	s := NewStore()
	key := MealKey("m1")
	s.Set(key, json.RawMessage(`{"v":1}`), time.Minute)
	s.MarkStale(key)

	gen := s.Generation(key)
	s.MarkFetching(key)

	var snap Snapshot
	s.Update(func(tx *Tx) error {
		snap = tx.Snapshot(key)
		tx.Hold(key)
		tx.Set(key, json.RawMessage(`{"v":"speculative"}`), time.Minute)
		return nil
	})

	s.MarkFetching(key)
	if e, _ := s.Get(key); e.Status != StatusFresh {
		t.Errorf("MarkFetching on a held key changed status to %s", e.Status)
	}
	if !s.Complete(key, gen, json.RawMessage(`{"v":2}`), false, time.Minute) {
		t.Error("A dropped result should not ask for a refetch")
	}
	s.MarkError(key, errors.New("boom"))
	if e, _ := s.Get(key); string(e.Value) != `{"v":"speculative"}` || e.Status != StatusFresh {
		t.Errorf("Held entry = %s/%s, want speculative value kept", e.Value, e.Status)
	}

	s.Restore(snap)
	s.Release(key)
	if s.Held(key) {
		t.Error("Release should end the hold")
	}
	e, _ := s.Get(key)
	if string(e.Value) != `{"v":1}` || e.Status != StatusStale {
		t.Errorf("Restored entry = %s/%s, want {\"v\":1}/stale", e.Value, e.Status)
	}

	if !s.Complete(key, s.Generation(key), json.RawMessage(`{"v":3}`), false, time.Minute) {
		t.Error("Complete after release should store the result")
	}
	if e, _ := s.Get(key); string(e.Value) != `{"v":3}` {
		t.Errorf("Value after release = %s", e.Value)
	}
}

func TestStoreRestoreKeepsFetchingWhileInFlight(t *testing.T) {
	s := NewStore()
	key := TodayKey()
	s.Set(key, json.RawMessage(`{}`), time.Minute)
	s.MarkFetching(key)
	snap := s.Snapshot(key)

	s.Restore(snap)
	if e, _ := s.Get(key); e.Status != StatusFetching {
		t.Errorf("Status = %s, want fetching while the fetch is in flight", e.Status)
	}

	s.Complete(key, s.Generation(key), json.RawMessage(`{"v":1}`), false, time.Minute)
	s.Restore(snap)
	if e, _ := s.Get(key); e.Status != StatusStale {
		t.Errorf("Status = %s, want stale once no fetch is in flight", e.Status)
	}
}

func TestStoreSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(WithClock(clock.Now))
	s.Set(TodayKey(), json.RawMessage(`{}`), 30*time.Second)
	s.Set(DashboardKey(), json.RawMessage(`{}`), time.Hour)

	var notified []Status
	unsubscribe := s.Subscribe(TodayKey(), func(e Entry) { notified = append(notified, e.Status) })
	defer unsubscribe()

	clock.Advance(time.Minute)
	swept := s.Sweep()
	if len(swept) != 1 || !swept[0].Equal(TodayKey()) {
		t.Errorf("Sweep = %v, want [today]", swept)
	}
	if len(notified) != 1 || notified[0] != StatusStale {
		t.Errorf("Subscriber notifications = %v", notified)
	}
	if len(s.Sweep()) != 0 {
		t.Error("Second sweep should find nothing")
	}
}

func TestStoreHydrateAndPersist(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewStore()
	s.Set(DayKey(date("2024-07-15")), json.RawMessage(`{"d":1}`), time.Minute)
	s.SetAbsent(BodyByDateKey(date("2024-07-15")), time.Minute)
	s.Set(MealKey("tmp_x"), json.RawMessage(`{}`), time.Minute)
	s.MarkFetching(MealKey("never-loaded"))

	err := s.Persist(backend, func(k Key) bool { return k.ID == "tmp_x" })
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got := len(backend.Scan()); got != 2 {
		t.Fatalf("Persisted %d entries, want 2", got)
	}

	warm := NewStore()
	warm.Set(DayKey(date("2024-07-15")), json.RawMessage(`{"d":2}`), time.Minute)
	if n := warm.Hydrate(backend); n != 1 {
		t.Errorf("Hydrate loaded %d entries, want 1", n)
	}

	e, _ := warm.Get(DayKey(date("2024-07-15")))
	if string(e.Value) != `{"d":2}` {
		t.Errorf("Hydrate overwrote a live entry: %s", e.Value)
	}
	body, ok := warm.Get(BodyByDateKey(date("2024-07-15")))
	if !ok || !body.Absent || body.Status != StatusStale {
		t.Errorf("Hydrated entry = %+v, want absent and stale", body)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := MealKey(fmt.Sprintf("m%d", i%3))
			unsubscribe := s.Subscribe(key, func(Entry) {})
			defer unsubscribe()
			for j := 0; j < 100; j++ {
				s.Set(key, json.RawMessage(fmt.Sprintf(`{"n":%d}`, j)), time.Minute)
				s.Get(key)
				s.MarkStale(key)
				s.Keys()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}
