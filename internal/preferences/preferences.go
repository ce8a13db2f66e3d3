// Package preferences provides the persistent key-value store the extension
// shares with its controlling application.
package preferences

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys consulted by the supervisor.
const (
	KeyDisableMemoryLimit = "disable_memory_limit"
	KeyMaxLogLines        = "max_log_lines"
	KeySelectedProfileID  = "selected_profile_id"
	KeyStartedByUser      = "started_by_user"
)

// DefaultMaxLogLines is used when no max_log_lines preference is stored.
const DefaultMaxLogLines = 300

// MaxLogLinesLimit is the largest retained line count honored.
const MaxLogLinesLimit = 10000

// Store is a persistent key-value store.
type Store interface {
	Bool(ctx context.Context, key string) (value, ok bool, err error)
	Int(ctx context.Context, key string) (value int64, ok bool, err error)
	SetBool(ctx context.Context, key string, value bool) error
	SetInt(ctx context.Context, key string, value int64) error
}

// DisableMemoryLimit reports whether the memory limit should be skipped.
func DisableMemoryLimit(ctx context.Context, s Store) (bool, error) {
	v, _, err := s.Bool(ctx, KeyDisableMemoryLimit)
	return v, err
}

// MaxLogLines returns the number of log lines the command channel retains.
// Values above MaxLogLinesLimit are clamped to it and reported with an
// error alongside the clamped count.
func MaxLogLines(ctx context.Context, s Store) (int, error) {
	v, ok, err := s.Int(ctx, KeyMaxLogLines)
	if err != nil {
		return DefaultMaxLogLines, err
	}
	if !ok || v <= 0 {
		return DefaultMaxLogLines, nil
	}
	if v > MaxLogLinesLimit {
		return MaxLogLinesLimit, fmt.Errorf("preference %s: %d exceeds limit %d", KeyMaxLogLines, v, MaxLogLinesLimit)
	}
	return int(v), nil
}

// SelectedProfileID returns the id of the profile the user selected.
// ok is false when no profile was ever selected.
func SelectedProfileID(ctx context.Context, s Store) (id int64, ok bool, err error) {
	return s.Int(ctx, KeySelectedProfileID)
}

// SetStartedByUser records whether the tunnel was last started by the user.
func SetStartedByUser(ctx context.Context, s Store, v bool) error {
	return s.SetBool(ctx, KeyStartedByUser, v)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) Bool(_ context.Context, key string) (bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookupBool(m.values, key)
}

func (m *MemoryStore) Int(_ context.Context, key string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookupInt(m.values, key)
}

func (m *MemoryStore) SetBool(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) SetInt(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// FileStore persists preferences as a YAML mapping. Every read goes to disk
// so values written by the controlling application are seen immediately.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore backed by path. The file is created on
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Bool(_ context.Context, key string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return false, false, err
	}
	return lookupBool(values, key)
}

func (f *FileStore) Int(_ context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return 0, false, err
	}
	return lookupInt(values, key)
}

func (f *FileStore) SetBool(_ context.Context, key string, value bool) error {
	return f.update(key, value)
}

func (f *FileStore) SetInt(_ context.Context, key string, value int64) error {
	return f.update(key, value)
}

func (f *FileStore) update(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}
	values[key] = value
	return f.write(values)
}

func (f *FileStore) read() (map[string]any, error) {
	values := make(map[string]any)
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

func (f *FileStore) write(values map[string]any) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create preferences directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".preferences-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

func lookupBool(values map[string]any, key string) (bool, bool, error) {
	raw, ok := values[key]
	if !ok {
		return false, false, nil
	}
	v, isBool := raw.(bool)
	if !isBool {
		return false, false, fmt.Errorf("preference %s: want bool, got %T", key, raw)
	}
	return v, true, nil
}

func lookupInt(values map[string]any, key string) (int64, bool, error) {
	raw, ok := values[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return int64(v), true, nil
	case int64:
		return v, true, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, false, fmt.Errorf("preference %s: %d out of range", key, v)
		}
		return int64(v), true, nil
	default:
		return 0, false, fmt.Errorf("preference %s: want integer, got %T", key, raw)
	}
}
