package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// TokenStore persists tokens between runs.
type TokenStore interface {
	Load() (Tokens, error)
	Save(Tokens) error
	Clear() error
}

// FileStore keeps tokens in a JSON file readable only by the user.
type FileStore struct {
	Path string
}

// NewFileStore returns a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load returns empty Tokens when no file exists.
func (f *FileStore) Load() (Tokens, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return Tokens{}, nil
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("invalid credentials file %s: %w", f.Path, err)
	}
	return tokens, nil
}

// Save writes tokens atomically with mode 0600.
func (f *FileStore) Save(tokens Tokens) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return err
	}
	if err := atomic.WriteFile(f.Path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(f.Path, 0600)
}

// Clear removes the file.
func (f *FileStore) Clear() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
