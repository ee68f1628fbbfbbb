package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a stored value. A zero ExpiresAt never expires.
type Entry struct {
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is a small key-value persistence layer. Get returns nil, nil for
// missing or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, nil
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Value = append([]byte(nil), entry.Value...)
	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore persists every entry to one JSON file. Single-process only.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Entry
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Entry),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist writes through a temp file so a crash never leaves half a file.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		delete(f.data, key)
		if err := f.persist(); err != nil {
			f.data[key] = entry
		}
		return nil, nil
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

// Put and Delete leave the in-memory map untouched when the file write fails.
func (f *FileStore) Put(_ context.Context, key string, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	entry.Value = append([]byte(nil), entry.Value...)
	f.data[key] = entry
	if err := f.persist(); err != nil {
		f.restore(key, prev, had)
		return err
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.data[key]
	if !ok {
		return nil
	}
	delete(f.data, key)
	if err := f.persist(); err != nil {
		f.restore(key, prev, true)
		return err
	}
	return nil
}

func (f *FileStore) restore(key string, prev Entry, had bool) {
	if had {
		f.data[key] = prev
		return
	}
	delete(f.data, key)
}
