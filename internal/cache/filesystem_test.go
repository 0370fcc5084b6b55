package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colthorp/fitsync-go/internal/core"
)

func TestFilesystemBackend(t *testing.T) {
	// Create temp directory for test
	tmpDir, err := os.MkdirTemp("", "fitsync-cache-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	backend := NewFilesystemBackend(tmpDir)

	day, _ := core.ParseDate("2024-07-15")
	fetched := time.Date(2024, 7, 15, 9, 30, 0, 0, time.UTC)

	entry := &Entry{
		Key:        DayKey(day),
		Value:      json.RawMessage(`{"date":"2024-07-15","consumed":{"calories":450}}`),
		FetchedAt:  fetched,
		StaleAfter: 2 * time.Minute,
		Status:     StatusFresh,
	}

	// Test write
	if err := backend.Write(entry); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Verify file was created
	path := backend.Path(DayKey(day))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Expected file %s to exist", path)
	}

	// Test read
	readEntry := backend.Read(DayKey(day))
	if readEntry == nil {
		t.Fatal("Expected entry to be read")
	}
	if string(readEntry.Value) != string(entry.Value) {
		t.Errorf("Value = %s, want %s", readEntry.Value, entry.Value)
	}
	if !readEntry.FetchedAt.Equal(fetched) {
		t.Errorf("FetchedAt = %v, want %v", readEntry.FetchedAt, fetched)
	}
	if readEntry.StaleAfter != 2*time.Minute {
		t.Errorf("StaleAfter = %v, want 2m", readEntry.StaleAfter)
	}
	if readEntry.Status != StatusStale {
		t.Errorf("Persisted entries should load as stale, got %s", readEntry.Status)
	}

	// Test scan
	if err := backend.Write(&Entry{Key: BodyByDateKey(day), Absent: true, FetchedAt: fetched, StaleAfter: time.Minute}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	scanned := backend.Scan()
	if len(scanned) != 2 {
		t.Fatalf("Expected 2 scan results, got %d", len(scanned))
	}
	if !scanned[0].Key.Equal(BodyByDateKey(day)) || !scanned[0].Absent {
		t.Errorf("Expected absent body metrics entry first, got %+v", scanned[0])
	}

	// Test reading non-existent entry
	nonExistentDay, _ := core.ParseDate("2024-07-16")
	if backend.Read(DayKey(nonExistentDay)) != nil {
		t.Error("Expected nil for non-existent entry")
	}

	// Test delete
	if err := backend.Delete(DayKey(day)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if backend.Read(DayKey(day)) != nil {
		t.Error("Expected nil after delete")
	}
	if err := backend.Delete(DayKey(day)); err != nil {
		t.Errorf("Deleting a missing entry should succeed, got %v", err)
	}
}

func TestFilesystemBackendCorruptFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "fitsync-cache-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	backend := NewFilesystemBackend(tmpDir)
	key := MealKey("m1")

	path := backend.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	if backend.Read(key) != nil {
		t.Error("Expected nil for corrupt entry")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected corrupt file to be removed")
	}
}

func TestFilesystemBackendAtomicWrite(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "fitsync-cache-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	backend := NewFilesystemBackend(tmpDir)
	key := MealListKey(time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		entry := &Entry{Key: key, Value: json.RawMessage(`[]`), FetchedAt: time.Now(), StaleAfter: time.Minute}
		if err := backend.Write(entry); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// Only the final file remains in the type directory
	files, err := os.ReadDir(filepath.Dir(backend.Path(key)))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 1 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Errorf("Expected exactly one file, got %v", names)
	}
}

func TestFilesystemBackendPath(t *testing.T) {
	backend := NewFilesystemBackend("/test/cache")

	day := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		key    Key
		prefix string
	}{
		{DayKey(day), "/test/cache/day/"},
		{MealKey("m1"), "/test/cache/meal/"},
		{WorkoutListKey(day, day.AddDate(0, 0, 6)), "/test/cache/workout_list/"},
	}

	for _, tt := range tests {
		got := backend.Path(tt.key)
		if !strings.HasPrefix(got, tt.prefix) || !strings.HasSuffix(got, ".json") {
			t.Errorf("Path(%s) = %s, want %s<hash>.json", tt.key, got, tt.prefix)
		}
		if got != backend.Path(tt.key) {
			t.Errorf("Path(%s) is not stable", tt.key)
		}
	}

	if backend.Path(DayKey(day)) == backend.Path(DayKey(day.AddDate(0, 0, 1))) {
		t.Error("Different keys should map to different paths")
	}
}
