// Package profile resolves tunnel profiles and reads their configuration text.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// IndexFileName is the profile index inside a profile directory.
const IndexFileName = "profiles.yaml"

// Source looks up profiles by id.
type Source interface {
	// Profile returns util.ErrProfileNotFound when id is unknown.
	Profile(ctx context.Context, id int64) (*Profile, error)
}

// Profile describes one stored tunnel configuration.
type Profile struct {
	ID   int64  `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`

	reader func(ctx context.Context) (string, error)
}

// ReadText returns the configuration text of the profile.
func (p *Profile) ReadText(ctx context.Context) (string, error) {
	if p.reader == nil {
		return "", fmt.Errorf("profile %d: %w: no content", p.ID, util.ErrConfigRead)
	}
	return p.reader(ctx)
}

// DirSource serves profiles listed in an index file within a directory.
// Relative profile paths resolve against the directory.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource for dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Dir returns the profile directory.
func (d *DirSource) Dir() string {
	return d.dir
}

type index struct {
	Profiles []Profile `yaml:"profiles"`
}

// List returns every profile in the index.
func (d *DirSource) List(ctx context.Context) ([]Profile, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, IndexFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile index: %w", err)
	}

	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse profile index: %w", err)
	}
	return idx.Profiles, nil
}

func (d *DirSource) Profile(ctx context.Context, id int64) (*Profile, error) {
	profiles, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].ID != id {
			continue
		}
		p := profiles[i]
		path := d.Resolve(p.Path)
		p.reader = func(context.Context) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("%w: %w", util.ErrConfigRead, err)
			}
			return string(data), nil
		}
		return &p, nil
	}
	return nil, fmt.Errorf("profile %d: %w", id, util.ErrProfileNotFound)
}

// Resolve returns the absolute path of a profile file.
func (d *DirSource) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.dir, path)
}

// MemorySource is an in-memory Source keyed by profile id.
type MemorySource struct {
	mu       sync.RWMutex
	profiles map[int64]memoryProfile
}

type memoryProfile struct {
	name    string
	content string
	readErr error
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{profiles: make(map[int64]memoryProfile)}
}

// Put stores or replaces a profile.
func (m *MemorySource) Put(id int64, name, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[id] = memoryProfile{name: name, content: content}
}

// PutUnreadable stores a profile whose ReadText fails with err.
func (m *MemorySource) PutUnreadable(id int64, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[id] = memoryProfile{name: name, readErr: err}
}

// Delete removes a profile.
func (m *MemorySource) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, id)
}

func (m *MemorySource) Profile(_ context.Context, id int64) (*Profile, error) {
	m.mu.RLock()
	mp, ok := m.profiles[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("profile %d: %w", id, util.ErrProfileNotFound)
	}
	return &Profile{
		ID:   id,
		Name: mp.name,
		reader: func(context.Context) (string, error) {
			if mp.readErr != nil {
				return "", fmt.Errorf("%w: %w", util.ErrConfigRead, mp.readErr)
			}
			return mp.content, nil
		},
	}, nil
}

// SaveIndex writes the profile index of dir. Used by the CLI.
func SaveIndex(dir string, profiles []Profile) error {
	data, err := yaml.Marshal(index{Profiles: profiles})
	if err != nil {
		return fmt.Errorf("marshal profile index: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFileName), data, 0600); err != nil {
		return fmt.Errorf("write profile index: %w", err)
	}
	return nil
}
