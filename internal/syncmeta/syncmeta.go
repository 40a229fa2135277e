// Package syncmeta persists the sync cursor outside the transactional
// entity store.
package syncmeta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Meta is the per-device sync metadata. LastSyncAt is nil until the first
// fully successful cycle.
type Meta struct {
	LastSyncAt *time.Time `yaml:"lastSyncAt" json:"lastSyncAt"`
}

// Store loads and saves Meta.
type Store interface {
	Load(ctx context.Context) (Meta, error)
	Save(ctx context.Context, m Meta) error
}

// FileStore keeps Meta in a small YAML file. Save writes a temp file and
// renames it over the target, so a crash leaves either the old or the new
// cursor.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the zero Meta if the file does not exist yet.
func (f *FileStore) Load(ctx context.Context) (Meta, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read sync meta: %w", err)
	}

	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("parse sync meta %s: %w", f.path, err)
	}
	return m, nil
}

func (f *FileStore) Save(ctx context.Context, m Meta) error {
	if m.LastSyncAt != nil {
		utc := m.LastSyncAt.UTC()
		m.LastSyncAt = &utc
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode sync meta: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".syncmeta-*")
	if err != nil {
		return fmt.Errorf("write sync meta: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sync meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write sync meta: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace sync meta: %w", err)
	}
	return nil
}

// MemoryStore keeps Meta in memory. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	meta Meta
}

func (m *MemoryStore) Load(ctx context.Context) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta, nil
}

func (m *MemoryStore) Save(ctx context.Context, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
	return nil
}
