// Package engine defines the tunnel engine contract and the registry that
// builds engines from profile configuration text.
package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// Service is one instance of a tunnel engine.
type Service interface {
	// Start activates packet processing.
	Start() error
	// Close deactivates the engine and releases its resources.
	Close() error
	// Sleep and Wake reflect host power state transitions.
	Sleep()
	Wake()
}

// SetupOptions configure the process-wide engine runtime.
type SetupOptions struct {
	BasePath    string
	WorkingPath string
	CachePath   string
	Logger      *slog.Logger
}

// Runtime is the process-wide engine runtime.
type Runtime interface {
	// Setup initializes the runtime. Called once per process.
	Setup(opts SetupOptions) error
	// NewService builds a Service from configuration text.
	NewService(configText string, bridge *platform.Bridge) (Service, error)
}

// Constructor builds a Service from the raw JSON of a profile.
type Constructor func(raw json.RawMessage, opts SetupOptions, bridge *platform.Bridge) (Service, error)

// Registry is a Runtime that dispatches on the "type" field of the
// configuration JSON.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	opts         SetupOptions
	ready        bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for typ, replacing any previous one.
func (r *Registry) Register(typ string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(typ)] = c
}

// Types returns the registered engine types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Setup validates and creates the runtime directories.
func (r *Registry) Setup(opts SetupOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return fmt.Errorf("engine runtime already set up")
	}
	if opts.BasePath == "" {
		return fmt.Errorf("engine runtime: base path is required")
	}
	for _, dir := range []string{opts.BasePath, opts.WorkingPath, opts.CachePath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("engine runtime: %w", err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r.opts = opts
	r.ready = true
	return nil
}

// Ready reports whether Setup succeeded.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

type header struct {
	Type string `json:"type"`
}

// Parse returns the engine type of configText without building anything.
func Parse(configText string) (string, json.RawMessage, error) {
	raw := json.RawMessage(strings.TrimSpace(configText))
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", nil, fmt.Errorf("%w: %w", util.ErrConfigInvalid, err)
	}
	if h.Type == "" {
		return "", nil, fmt.Errorf("%w: missing engine type", util.ErrConfigInvalid)
	}
	return strings.ToLower(h.Type), raw, nil
}

// NewService builds the engine named by the configuration's type field.
func (r *Registry) NewService(configText string, bridge *platform.Bridge) (Service, error) {
	typ, raw, err := Parse(configText)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	c, ok := r.constructors[typ]
	opts := r.opts
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine type %q", util.ErrConfigInvalid, typ)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return c(raw, opts, bridge)
}

// Validate checks configText with the registered constructor's parser by
// building a Service without starting it.
func (r *Registry) Validate(configText string) error {
	svc, err := r.NewService(configText, platform.NewBridge(nil, nil))
	if err != nil {
		return err
	}
	return svc.Close()
}
