package cache

import (
	"sort"
	"sync"
)

// MemoryBackend is an in-memory cache backend for testing.
type MemoryBackend struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewMemoryBackend creates a new in-memory cache backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*Entry),
	}
}

// Path returns a dummy path for the given key.
func (b *MemoryBackend) Path(key Key) string {
	return "memory://" + key.String()
}

// Read returns the persisted entry for key or nil if absent.
func (b *MemoryBackend) Read(key Key) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if entry, ok := b.entries[key.String()]; ok {
		// Return a copy to prevent mutation
		entryCopy := entry.clone()
		return &entryCopy
	}
	return nil
}

// Write persists a copy of the entry.
func (b *MemoryBackend) Write(entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entryCopy := entry.clone()
	entryCopy.Status = StatusStale
	entryCopy.LastError = nil
	b.entries[entry.Key.String()] = &entryCopy
	return nil
}

// Delete removes the entry for key.
func (b *MemoryBackend) Delete(key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key.String())
	return nil
}

// Scan returns every stored entry in canonical key order.
func (b *MemoryBackend) Scan() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, 0, len(b.entries))
	for _, entry := range b.entries {
		result = append(result, entry.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.String() < result[j].Key.String()
	})
	return result
}

// Reset clears all entries (for testing).
func (b *MemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*Entry)
}

// Seed adds entries directly (for testing).
func (b *MemoryBackend) Seed(entries ...*Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		entryCopy := entry.clone()
		b.entries[entry.Key.String()] = &entryCopy
	}
}
