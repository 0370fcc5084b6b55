package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the entity cache. It is the single piece of mutable shared state in
// the client: every component reads and writes cached data only through it.
//
// All entry state is guarded by one RWMutex. Multi-step sequences that must be
// atomic with respect to other writers (snapshot then speculative apply, or
// restore on rollback) run inside Update.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gens    map[string]uint64
	fetches map[string]int
	holds   map[string]bool
	subs    map[string]map[uint64]*subscription
	nextSub uint64

	now    func() time.Time
	logger *zap.Logger
}

type subscription struct {
	mu     sync.Mutex
	active bool
	fn     func(Entry)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty entity cache.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		gens:    make(map[string]uint64),
		fetches: make(map[string]int),
		holds:   make(map[string]bool),
		subs:    make(map[string]map[uint64]*subscription),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns a copy of the entry for key. It never performs I/O. A Fresh
// entry whose window has elapsed is reported as Stale.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return s.view(e), true
}

// view must be called with the lock held.
func (s *Store) view(e *Entry) Entry {
	out := e.clone()
	if out.Status == StatusFresh && out.Expired(s.now()) {
		out.Status = StatusStale
	}
	return out
}

// Set overwrites the value and timestamp of key and marks it Fresh.
func (s *Store) Set(key Key, value json.RawMessage, staleAfter time.Duration) {
	s.Update(func(tx *Tx) error {
		tx.Set(key, value, staleAfter)
		return nil
	})
}

// SetAbsent records that the server has no resource under key. The entry is
// Fresh and carries no value.
func (s *Store) SetAbsent(key Key, staleAfter time.Duration) {
	s.Update(func(tx *Tx) error {
		tx.SetAbsent(key, staleAfter)
		return nil
	})
}

// MarkStale transitions key to Stale without clearing its value. It reports
// whether an entry exists under key.
func (s *Store) MarkStale(key Key) bool {
	var found bool
	s.Update(func(tx *Tx) error {
		found = tx.MarkStale(key)
		return nil
	})
	return found
}

// MarkStaleByPrefix marks every entry of the given resource type Stale and
// returns the matched keys.
func (s *Store) MarkStaleByPrefix(t ResourceType) []Key {
	keys := s.Match(func(k Key) bool { return k.Type == t })
	s.Update(func(tx *Tx) error {
		for _, k := range keys {
			tx.MarkStale(k)
		}
		return nil
	})
	s.logger.Debug("marked resource type stale",
		zap.String("type", string(t)),
		zap.Int("count", len(keys)),
	)
	return keys
}

// MarkFetching records that a fetch for key is in flight.
func (s *Store) MarkFetching(key Key) {
	s.Update(func(tx *Tx) error {
		tx.MarkFetching(key)
		return nil
	})
}

// MarkError records a failed fetch. The last good value stays visible.
func (s *Store) MarkError(key Key, err error) {
	s.Update(func(tx *Tx) error {
		tx.MarkError(key, err)
		return nil
	})
}

// Restore writes a snapshot back. Keys that did not exist when the snapshot
// was taken are removed. A restored entry comes back Stale instead of
// Fetching once no fetch is in flight, and Stale instead of Fresh when a
// fetch result was held back while the key was held.
func (s *Store) Restore(snap Snapshot) {
	s.Update(func(tx *Tx) error {
		tx.Restore(snap)
		return nil
	})
}

// Snapshot copies the current state of keys.
func (s *Store) Snapshot(keys ...Key) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(keys)
}

// Delete drops the entry for key.
func (s *Store) Delete(key Key) {
	s.Update(func(tx *Tx) error {
		tx.Delete(key)
		return nil
	})
}

// Clear drops every entry. Subscriptions survive.
func (s *Store) Clear() {
	keys := s.Keys()
	s.Update(func(tx *Tx) error {
		for _, k := range keys {
			tx.Delete(k)
		}
		return nil
	})
}

// Generation returns the invalidation generation of key. It changes every
// time the key is marked stale, which lets a fetch that started before an
// invalidation detect that its result is already outdated.
func (s *Store) Generation(key Key) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[key.String()]
}

// Complete stores a fetch result that was started at generation gen. If the
// key was invalidated while the fetch was in flight the value is still
// written (it is newer than what was there) but the entry stays Stale, and
// Complete returns false so the caller can fetch again. A held key keeps its
// value; the result is dropped and the holder settles the entry.
func (s *Store) Complete(key Key, gen uint64, value json.RawMessage, absent bool, staleAfter time.Duration) bool {
	current := true
	s.Update(func(tx *Tx) error {
		k := key.String()
		tx.endFetch(k)
		if _, held := s.holds[k]; held {
			s.holds[k] = true
			s.logger.Debug("fetch result dropped for held key", zap.String("key", k))
			return nil
		}
		if absent {
			tx.SetAbsent(key, staleAfter)
		} else {
			tx.Set(key, value, staleAfter)
		}
		if s.gens[k] != gen {
			current = false
			s.entries[k].Status = StatusStale
		}
		return nil
	})
	return current
}

// Release ends a hold taken with Tx.Hold.
func (s *Store) Release(keys ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.holds, key.String())
	}
}

// Held reports whether key is held.
func (s *Store) Held(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holds[key.String()]
	return ok
}

// Sweep marks every Fresh entry whose window has elapsed as Stale and returns
// those keys.
func (s *Store) Sweep() []Key {
	var swept []Key
	s.Update(func(tx *Tx) error {
		now := s.now()
		for _, e := range s.entries {
			if e.Status == StatusFresh && e.Expired(now) {
				e.Status = StatusStale
				tx.touch(e.Key)
				swept = append(swept, e.Key)
			}
		}
		return nil
	})
	sortKeys(swept)
	return swept
}

// Keys lists every cached key in canonical order.
func (s *Store) Keys() []Key {
	return s.Match(func(Key) bool { return true })
}

// Match lists the cached keys accepted by pred, in canonical order.
func (s *Store) Match(pred func(Key) bool) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0)
	for _, e := range s.entries {
		if pred(e.Key) {
			keys = append(keys, e.Key)
		}
	}
	sortKeys(keys)
	return keys
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn for changes to key. The returned function removes
// the subscription; it is idempotent and, once it returns, fn is never
// invoked again.
func (s *Store) Subscribe(key Key, fn func(Entry)) func() {
	k := key.String()
	sub := &subscription{active: true, fn: fn}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	if s.subs[k] == nil {
		s.subs[k] = make(map[uint64]*subscription)
	}
	s.subs[k][id] = sub
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[k], id)
			if len(s.subs[k]) == 0 {
				delete(s.subs, k)
			}
			s.mu.Unlock()

			// Waits for an in-progress delivery to finish.
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions on key.
func (s *Store) Subscribers(key Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[key.String()])
}

// Update runs fn with exclusive access to the store. Changes made through the
// Tx are visible to every reader once Update returns, and subscribers of the
// touched keys are notified after the lock is released. Update does not undo
// changes when fn fails; callers restore a snapshot themselves.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := &Tx{s: s, touched: make(map[string]Key)}

	s.mu.Lock()
	err := fn(tx)
	s.mu.Unlock()

	s.notify(tx.touchedKeys())
	return err
}

func (s *Store) notify(keys []Key) {
	for _, key := range keys {
		k := key.String()

		s.mu.RLock()
		subs := make([]*subscription, 0, len(s.subs[k]))
		for _, sub := range s.subs[k] {
			subs = append(subs, sub)
		}
		entry := Entry{Key: key, Status: StatusIdle}
		if e, ok := s.entries[k]; ok {
			entry = s.view(e)
		}
		s.mu.RUnlock()

		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.fn(entry.clone())
			}
			sub.mu.Unlock()
		}
	}
}

func (s *Store) snapshotLocked(keys []Key) Snapshot {
	snap := Snapshot{entries: make(map[string]snapshotEntry, len(keys))}
	for _, key := range keys {
		k := key.String()
		if _, dup := snap.entries[k]; dup {
			continue
		}
		se := snapshotEntry{key: key}
		if e, ok := s.entries[k]; ok {
			se.entry = e.clone()
			se.existed = true
		}
		snap.entries[k] = se
		snap.order = append(snap.order, k)
	}
	return snap
}

// Hydrate loads persisted entries that are not already cached. They arrive
// Stale so the first read revalidates them. It returns the number loaded.
func (s *Store) Hydrate(backend Backend) int {
	loaded := 0
	s.Update(func(tx *Tx) error {
		for _, e := range backend.Scan() {
			k := e.Key.String()
			if _, exists := s.entries[k]; exists {
				continue
			}
			e.Status = StatusStale
			e.LastError = nil
			stored := e.clone()
			s.entries[k] = &stored
			tx.touch(e.Key)
			loaded++
		}
		return nil
	})
	s.logger.Debug("hydrated cache", zap.Int("entries", loaded))
	return loaded
}

// Persist writes every loaded entry to backend, skipping keys for which skip
// returns true.
func (s *Store) Persist(backend Backend, skip func(Key) bool) error {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Loaded() || (skip != nil && skip(e.Key)) {
			continue
		}
		entries = append(entries, e.clone())
	}
	s.mu.RUnlock()

	for i := range entries {
		if err := backend.Write(&entries[i]); err != nil {
			s.logger.Warn("failed to persist cache entry",
				zap.String("key", entries[i].Key.String()),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

// Tx is exclusive access to the store inside Update. It must not be retained
// after Update returns.
type Tx struct {
	s       *Store
	touched map[string]Key
	order   []string
}

func (tx *Tx) touch(key Key) {
	k := key.String()
	if _, ok := tx.touched[k]; ok {
		return
	}
	tx.touched[k] = key
	tx.order = append(tx.order, k)
}

func (tx *Tx) touchedKeys() []Key {
	keys := make([]Key, 0, len(tx.order))
	for _, k := range tx.order {
		keys = append(keys, tx.touched[k])
	}
	return keys
}

func (tx *Tx) entry(key Key) *Entry {
	k := key.String()
	e, ok := tx.s.entries[k]
	if !ok {
		e = &Entry{Key: key, Status: StatusIdle}
		tx.s.entries[k] = e
	}
	return e
}

// Get is Store.Get inside the transaction.
func (tx *Tx) Get(key Key) (Entry, bool) {
	e, ok := tx.s.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return tx.s.view(e), true
}

// Set is Store.Set inside the transaction.
func (tx *Tx) Set(key Key, value json.RawMessage, staleAfter time.Duration) {
	e := tx.entry(key)
	e.Value = cloneBytes(value)
	e.Absent = false
	e.FetchedAt = tx.s.now()
	e.StaleAfter = staleAfter
	e.Status = StatusFresh
	e.LastError = nil
	tx.touch(key)
}

// SetAbsent is Store.SetAbsent inside the transaction.
func (tx *Tx) SetAbsent(key Key, staleAfter time.Duration) {
	e := tx.entry(key)
	e.Value = nil
	e.Absent = true
	e.FetchedAt = tx.s.now()
	e.StaleAfter = staleAfter
	e.Status = StatusFresh
	e.LastError = nil
	tx.touch(key)
}

// MarkStale is Store.MarkStale inside the transaction. Marking an entry that
// is already Stale changes nothing but its generation.
func (tx *Tx) MarkStale(key Key) bool {
	k := key.String()
	e, ok := tx.s.entries[k]
	if !ok {
		return false
	}
	tx.s.gens[k]++
	if e.Status == StatusStale {
		return true
	}
	e.Status = StatusStale
	tx.touch(key)
	return true
}

// MarkFetching is Store.MarkFetching inside the transaction. A held key
// keeps its status.
func (tx *Tx) MarkFetching(key Key) {
	k := key.String()
	tx.s.fetches[k]++
	if _, held := tx.s.holds[k]; held {
		return
	}
	e := tx.entry(key)
	e.Status = StatusFetching
	tx.touch(key)
}

// MarkError is Store.MarkError inside the transaction. A held key keeps its
// value and status.
func (tx *Tx) MarkError(key Key, err error) {
	k := key.String()
	tx.endFetch(k)
	if _, held := tx.s.holds[k]; held {
		return
	}
	e := tx.entry(key)
	e.Status = StatusError
	e.LastError = err
	tx.touch(key)
}

func (tx *Tx) endFetch(k string) {
	if tx.s.fetches[k] <= 1 {
		delete(tx.s.fetches, k)
		return
	}
	tx.s.fetches[k]--
}

// Hold keeps fetch results from replacing the values of keys until
// Store.Release. Callers hold keys while they own a speculative value.
func (tx *Tx) Hold(keys ...Key) {
	for _, key := range keys {
		k := key.String()
		if _, ok := tx.s.holds[k]; !ok {
			tx.s.holds[k] = false
		}
	}
}

// Delete is Store.Delete inside the transaction.
func (tx *Tx) Delete(key Key) {
	k := key.String()
	if _, ok := tx.s.entries[k]; !ok {
		return
	}
	delete(tx.s.entries, k)
	tx.touch(key)
}

// Snapshot is Store.Snapshot inside the transaction.
func (tx *Tx) Snapshot(keys ...Key) Snapshot {
	return tx.s.snapshotLocked(keys)
}

// Restore is Store.Restore inside the transaction.
func (tx *Tx) Restore(snap Snapshot) {
	for _, k := range snap.order {
		se := snap.entries[k]
		if se.existed {
			restored := se.entry.clone()
			switch {
			case restored.Status == StatusFetching && tx.s.fetches[k] == 0:
				restored.Status = StatusStale
			case restored.Status == StatusFresh && tx.s.holds[k]:
				restored.Status = StatusStale
			}
			tx.s.entries[k] = &restored
		} else {
			delete(tx.s.entries, k)
		}
		tx.touch(se.key)
	}
}

// Snapshot is a point-in-time copy of a set of entries, including whether
// each one existed at all.
type Snapshot struct {
	entries map[string]snapshotEntry
	order   []string
}

type snapshotEntry struct {
	key     Key
	entry   Entry
	existed bool
}

// Keys lists the snapshotted keys in the order they were requested.
func (snap Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(snap.order))
	for _, k := range snap.order {
		keys = append(keys, snap.entries[k].key)
	}
	return keys
}

// Entry returns the snapshotted entry for key and whether it existed.
func (snap Snapshot) Entry(key Key) (Entry, bool) {
	se, ok := snap.entries[key.String()]
	if !ok || !se.existed {
		return Entry{}, false
	}
	return se.entry.clone(), true
}

// Len returns the number of snapshotted keys.
func (snap Snapshot) Len() int {
	return len(snap.order)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
