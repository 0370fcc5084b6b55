// Package cache is the entity cache: a keyed store of server-owned resource
// values with per-entry freshness metadata.
//
// # Overview
//
// Every value is kept as the opaque JSON payload the server returned (or the
// speculative payload an optimistic mutation wrote). Values are copied on the
// way in and on the way out, so a snapshot taken from the store is byte-exact
// and can be written back verbatim on rollback.
//
// # Entry lifecycle
//
//	Idle ──fetch──▶ Fetching ──ok──▶ Fresh ──staleAfter elapsed / MarkStale──▶ Stale
//	                    │                                                     │
//	                    └──failure──▶ Error (last good value kept) ◀──────────┘
//
// A Stale entry keeps its value; only an explicit Set replaces it. Freshness
// is evaluated lazily on read, and Sweep moves expired entries to Stale so
// that subscribers hear about it.
//
// # Subscriptions
//
// Subscribe registers a callback invoked after every Set, SetAbsent,
// MarkStale, MarkError and Restore on its key. Callbacks run synchronously on
// the writer's goroutine, outside the store lock, and always receive the
// entry as it is at delivery time. Once the unsubscribe function returns the
// callback is never invoked again, so it must not be called from inside the
// callback itself.
//
// # Persistence
//
// A Backend keeps a warm copy of the cache on disk. Hydrated entries come back
// Stale, so they render immediately and revalidate on first read. This is a
// read cache only; pending writes are never persisted.
package cache

import (
	"encoding/json"
	"time"
)

// Status is the fetch state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusFetching
	StatusFresh
	StatusStale
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFetching:
		return "fetching"
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one cached resource and its metadata.
//
// Fields:
//   - Value: the JSON payload, nil when nothing has been loaded or the
//     resource is known to be absent
//   - Absent: true when the server reported the resource does not exist yet
//     (a valid empty value, not an error)
//   - FetchedAt/StaleAfter: Fresh holds only while now-FetchedAt < StaleAfter
//   - LastError: the most recent fetch failure while Status is Error
type Entry struct {
	Key        Key
	Value      json.RawMessage
	Absent     bool
	FetchedAt  time.Time
	StaleAfter time.Duration
	Status     Status
	LastError  error
}

// Loaded reports whether the entry holds a value or a confirmed absence.
func (e Entry) Loaded() bool {
	return e.Value != nil || e.Absent
}

// Expired reports whether the freshness window has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	if e.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(e.FetchedAt) >= e.StaleAfter
}

// Decode unmarshals the entry value into out.
func (e Entry) Decode(out any) error {
	return json.Unmarshal(e.Value, out)
}

// clone copies the entry so callers never alias the stored bytes.
func (e Entry) clone() Entry {
	e.Value = cloneBytes(e.Value)
	if e.Key.Params != nil {
		params := make(map[string]string, len(e.Key.Params))
		for k, v := range e.Key.Params {
			params[k] = v
		}
		e.Key.Params = params
	}
	return e
}

func cloneBytes(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// Backend is the interface for persistent cache storage.
// The default implementation is FilesystemBackend which stores JSON files on disk.
type Backend interface {
	// Read returns the persisted entry for key or nil if absent.
	Read(key Key) *Entry

	// Write persists the entry atomically.
	Write(entry *Entry) error

	// Delete removes the persisted entry for key, if any.
	Delete(key Key) error

	// Scan returns every persisted entry.
	Scan() []Entry

	// Path returns where the entry for key lives (for debugging).
	Path(key Key) string
}

// filePayload is the JSON structure stored by persistent backends.
type filePayload struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value,omitempty"`
	Absent       bool            `json:"absent,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at"`
	StaleAfterMs int64           `json:"stale_after_ms"`
}

func toPayload(e *Entry) filePayload {
	return filePayload{
		Key:          e.Key.String(),
		Value:        e.Value,
		Absent:       e.Absent,
		FetchedAt:    e.FetchedAt,
		StaleAfterMs: e.StaleAfter.Milliseconds(),
	}
}

func fromPayload(p filePayload) (*Entry, error) {
	key, err := ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:        key,
		Value:      p.Value,
		Absent:     p.Absent,
		FetchedAt:  p.FetchedAt,
		StaleAfter: time.Duration(p.StaleAfterMs) * time.Millisecond,
		Status:     StatusStale,
	}, nil
}
