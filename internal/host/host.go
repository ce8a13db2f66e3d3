// Package host runs the supervisor as a standalone process. It plays the
// role of the platform: it receives lifecycle events from the OS and turns
// supervisor callbacks back into process behavior.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/bifrost-extension/internal/logging"
	"github.com/rennerdo30/bifrost-extension/internal/metrics"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/profile"
	"github.com/rennerdo30/bifrost-extension/internal/supervisor"
)

// Lifecycle is the part of the supervisor driven by the host.
type Lifecycle interface {
	Start(ctx context.Context, opts supervisor.StartOptions) error
	Reload(ctx context.Context) error
	Stop(ctx context.Context, reason supervisor.StopReason) error
	Sleep()
	Wake()
}

// Event is a lifecycle request from the operating system.
type Event int

const (
	EventReload Event = iota
	EventSleep
	EventWake
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventReload:
		return "reload"
	case EventSleep:
		return "sleep"
	case EventWake:
		return "wake"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// CanceledError is returned by Run when the supervisor canceled the tunnel
// after a fatal error.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	return "tunnel canceled: " + e.Reason
}

// Process implements platform.Host for a standalone process.
// CancelTunnel never blocks: it is called with supervisor locks held.
type Process struct {
	logger   *slog.Logger
	canceled chan string

	mu          sync.Mutex
	reasserting bool
	network     platform.NetworkSettings
	applied     bool
}

// NewProcess creates a Process. A nil logger uses the default logger.
func NewProcess(logger *slog.Logger) *Process {
	if logger == nil {
		logger = logging.WithComponent("host")
	}
	return &Process{
		logger:   logger,
		canceled: make(chan string, 1),
	}
}

func (p *Process) SetReasserting(v bool) {
	p.mu.Lock()
	p.reasserting = v
	p.mu.Unlock()
	p.logger.Debug("reasserting", "value", v)
}

// CancelTunnel queues reason for Run. Only the first reason is kept.
func (p *Process) CancelTunnel(reason string) {
	select {
	case p.canceled <- reason:
		p.logger.Error("tunnel canceled", "reason", reason)
	default:
	}
}

func (p *Process) ApplyNetworkSettings(ns platform.NetworkSettings) error {
	p.mu.Lock()
	p.network = ns
	p.applied = true
	p.mu.Unlock()
	p.logger.Info("network settings applied", "settings", ns.String())
	return nil
}

// Canceled delivers the reason of a pending tunnel cancellation.
func (p *Process) Canceled() <-chan string {
	return p.canceled
}

// Reasserting reports the last value passed to SetReasserting.
func (p *Process) Reasserting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reasserting
}

// NetworkSettings returns the last applied settings.
func (p *Process) NetworkSettings() (platform.NetworkSettings, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.network, p.applied
}

// WatchOptions enable reloads on profile file changes.
type WatchOptions struct {
	Dir      string
	Target   func() string
	Debounce time.Duration
}

// Options configure Run.
type Options struct {
	// Name is the service name used by the windows service manager.
	Name       string
	Supervisor Lifecycle
	Process    *Process
	// OnDemand marks the start as host initiated.
	OnDemand  bool
	Watch     *WatchOptions
	Collector *metrics.Collector
	Logger    *slog.Logger
	// StopTimeout bounds the final Stop.
	StopTimeout time.Duration
}

// DefaultStopTimeout is the maximum time allowed for the final Stop.
const DefaultStopTimeout = 30 * time.Second

// Run starts the supervisor and serves OS events until the process should
// exit. A fatal start or a canceled tunnel yields a *CanceledError.
func Run(ctx context.Context, opts Options) error {
	if opts.Supervisor == nil || opts.Process == nil {
		return fmt.Errorf("host: supervisor and process are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.FromContext(ctx).With("component", "host")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return run(ctx, opts)
}

// serve is the platform independent event loop behind run.
func serve(ctx context.Context, opts Options, events <-chan Event) error {
	sup := opts.Supervisor
	logger := opts.Logger

	if err := sup.Start(ctx, supervisor.StartOptions{OnDemand: opts.OnDemand}); err != nil {
		reason := err.Error()
		select {
		case reason = <-opts.Process.Canceled():
		default:
		}
		return cancelTunnel(opts, reason)
	}

	changed := make(chan struct{}, 1)
	if opts.Watch != nil {
		w, err := profile.NewWatcher(opts.Watch.Dir, opts.Watch.Target, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}, opts.Watch.Debounce)
		if err != nil {
			logger.Warn("profile watcher disabled", "error", err)
		} else {
			defer w.Close()
		}
	}
	if opts.Collector != nil {
		opts.Collector.Start()
		defer opts.Collector.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context done, stopping")
			return stopSupervisor(opts, supervisor.ReasonHost)

		case reason := <-opts.Process.Canceled():
			return cancelTunnel(opts, reason)

		case <-changed:
			logger.Info("selected profile changed, reloading")
			if err := sup.Reload(ctx); err != nil {
				logger.Error("reload failed", "error", err)
			}

		case ev, ok := <-events:
			if !ok {
				return stopSupervisor(opts, supervisor.ReasonHost)
			}
			logger.Info("received event", "event", ev.String())
			switch ev {
			case EventReload:
				if err := sup.Reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
			case EventSleep:
				sup.Sleep()
			case EventWake:
				sup.Wake()
			case EventStop:
				return stopSupervisor(opts, supervisor.ReasonUser)
			}
		}
	}
}

func stopSupervisor(opts Options, reason supervisor.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()
	if err := opts.Supervisor.Stop(ctx, reason); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func cancelTunnel(opts Options, reason string) error {
	if err := stopSupervisor(opts, supervisor.ReasonCanceled); err != nil {
		opts.Logger.Warn("stop after cancel failed", "error", err)
	}
	return &CanceledError{Reason: reason}
}
