package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/colthorp/fitsync-go/internal/core"
)

// FilesystemBackend stores JSON files on disk.
// Directory layout: ~/.fitsync/cache/<resource type>/<key hash>.json
type FilesystemBackend struct {
	root      string
	writeLock sync.Mutex
}

// NewFilesystemBackend creates a new filesystem-based cache backend.
func NewFilesystemBackend(root string) *FilesystemBackend {
	if root == "" {
		root = core.CacheRoot()
	}
	return &FilesystemBackend{root: root}
}

// Root returns the backend's directory.
func (b *FilesystemBackend) Root() string {
	return b.root
}

// Path returns the filesystem path for the given key.
func (b *FilesystemBackend) Path(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(
		b.root,
		string(key.Type),
		hex.EncodeToString(sum[:8])+".json",
	)
}

// Read returns the persisted entry for key or nil if absent.
func (b *FilesystemBackend) Read(key Key) *Entry {
	entry := b.readFile(b.Path(key))
	if entry == nil || !entry.Key.Equal(key) {
		return nil
	}
	return entry
}

func (b *FilesystemBackend) readFile(path string) *Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var payload filePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// Corrupt file, remove it
		os.Remove(path)
		return nil
	}

	entry, err := fromPayload(payload)
	if err != nil {
		os.Remove(path)
		return nil
	}
	return entry
}

// Write persists the entry atomically.
func (b *FilesystemBackend) Write(entry *Entry) error {
	path := b.Path(entry.Key)

	data, err := json.Marshal(toPayload(entry))
	if err != nil {
		return err
	}

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Delete removes the persisted entry for key.
func (b *FilesystemBackend) Delete(key Key) error {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if err := os.Remove(b.Path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Scan returns every readable entry under the root, in canonical key order.
// Unreadable files are skipped and corrupt ones removed.
func (b *FilesystemBackend) Scan() []Entry {
	result := make([]Entry, 0)

	typeDirs, err := os.ReadDir(b.root)
	if err != nil {
		return result
	}

	for _, typeDir := range typeDirs {
		if !typeDir.IsDir() {
			continue
		}

		typePath := filepath.Join(b.root, typeDir.Name())
		files, err := os.ReadDir(typePath)
		if err != nil {
			continue
		}

		for _, file := range files {
			if filepath.Ext(file.Name()) != ".json" {
				continue
			}
			if entry := b.readFile(filepath.Join(typePath, file.Name())); entry != nil {
				result = append(result, *entry)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.String() < result[j].Key.String()
	})
	return result
}

// Clear removes every persisted entry.
func (b *FilesystemBackend) Clear() error {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()
	return os.RemoveAll(b.root)
}
