// Package supervisor sequences the lifecycle of the tunnel session and the
// command channel inside the extension process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rennerdo30/bifrost-extension/internal/command"
	"github.com/rennerdo30/bifrost-extension/internal/config"
	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/errorsink"
	"github.com/rennerdo30/bifrost-extension/internal/logging"
	"github.com/rennerdo30/bifrost-extension/internal/metrics"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/preferences"
	"github.com/rennerdo30/bifrost-extension/internal/profile"
	"github.com/rennerdo30/bifrost-extension/internal/session"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

const tracerName = "github.com/rennerdo30/bifrost-extension/internal/supervisor"

// StopReason says why the tunnel is being stopped.
type StopReason string

const (
	// ReasonUser is a stop requested by the user.
	ReasonUser StopReason = "user"
	// ReasonHost is a stop requested by the host process or the OS.
	ReasonHost StopReason = "host"
	// ReasonCanceled follows a fatal error reported through CancelTunnel.
	ReasonCanceled StopReason = "canceled"
)

// StartOptions are passed by the host when it starts the tunnel.
type StartOptions struct {
	// OnDemand is set when the host started the tunnel by itself rather
	// than on behalf of the user.
	OnDemand bool
}

// Options configure a Supervisor.
type Options struct {
	Config      config.ExtensionConfig
	Preferences preferences.Store
	Profiles    profile.Source
	Runtime     engine.Runtime
	Host        platform.Host

	// Optional.
	Sink           *errorsink.Sink
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Tracer         trace.Tracer
	RedirectStderr func(path string) error
	SetMemoryLimit func(limit int64) int64
}

// Supervisor owns at most one tunnel session and the command channel.
// Start, Reload and Stop are serialized; Sleep, Wake and status reads only
// take the lighter state lock.
type Supervisor struct {
	cfg     config.ExtensionConfig
	prefs   preferences.Store
	source  profile.Source
	runtime engine.Runtime
	host    platform.Host
	sink    *errorsink.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	redirectStderr func(string) error
	setMemoryLimit func(int64) int64

	// mu serializes lifecycle operations.
	mu       sync.Mutex
	started  bool
	onDemand bool

	runtimeOnce sync.Once
	runtimeErr  error

	// stateMu guards the fields below for lock-light readers.
	stateMu sync.RWMutex
	session *session.Session
	channel *command.Server
	bridge  *platform.Bridge

	reasserting atomic.Bool
}

// New creates a Supervisor. Required options are Preferences, Profiles and Runtime.
func New(opts Options) (*Supervisor, error) {
	if opts.Preferences == nil || opts.Profiles == nil || opts.Runtime == nil {
		return nil, errors.New("supervisor: preferences, profiles and runtime are required")
	}

	s := &Supervisor{
		cfg:            opts.Config,
		prefs:          opts.Preferences,
		source:         opts.Profiles,
		runtime:        opts.Runtime,
		host:           opts.Host,
		sink:           opts.Sink,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		redirectStderr: opts.RedirectStderr,
		setMemoryLimit: opts.SetMemoryLimit,
	}
	if s.host == nil {
		s.host = platform.NopHost{}
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("supervisor")
	}
	if s.sink == nil {
		s.sink = errorsink.New(s.cfg.ErrorFilePath(), s.logger)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.redirectStderr == nil {
		s.redirectStderr = logging.RedirectStderr
	}
	if s.setMemoryLimit == nil {
		s.setMemoryLimit = debug.SetMemoryLimit
	}

	s.sink.OnFatal(func(f *errorsink.FatalError) {
		s.metrics.RecordFatal()
		s.host.CancelTunnel(f.Message)
	})
	return s, nil
}

// Sink returns the error sink.
func (s *Supervisor) Sink() *errorsink.Sink {
	return s.sink
}

// Session returns the running session, or nil.
func (s *Supervisor) Session() *session.Session {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.session
}

// Channel returns the command channel, or nil when stopped.
func (s *Supervisor) Channel() *command.Server {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.channel
}

// Bridge returns the platform bridge, or nil when stopped.
func (s *Supervisor) Bridge() *platform.Bridge {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.bridge
}

// Reasserting reports whether a reload is in flight.
func (s *Supervisor) Reasserting() bool {
	return s.reasserting.Load()
}

// Start brings up the command channel and the tunnel session. A second
// Start without an intervening Stop does nothing while a session runs. After
// a fatal start the channel stays up and Start returns util.ErrNotRunning
// until Stop is called.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "supervisor.start", trace.WithAttributes(
		attribute.Bool("on_demand", opts.OnDemand),
	))
	defer span.End()

	if s.started {
		if s.Session() == nil {
			return fmt.Errorf("start: previous start failed, stop first: %w", util.ErrNotRunning)
		}
		s.logger.Warn("start ignored: already started")
		return nil
	}

	err := s.start(ctx, opts)
	s.finish(span, "start", err)
	return err
}

func (s *Supervisor) start(ctx context.Context, opts StartOptions) error {
	if err := s.sink.Clear(); err != nil {
		s.logger.Warn("failed to clear error file", "error", err)
	}

	for _, dir := range []string{s.cfg.Paths.Base, s.cfg.Paths.Working, s.cfg.Paths.Cache} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return s.fatal(util.NewError(util.KindSetup, "create working directory", err))
		}
	}

	s.runtimeOnce.Do(func() {
		s.runtimeErr = s.runtime.Setup(engine.SetupOptions{
			BasePath:    s.cfg.Paths.Base,
			WorkingPath: s.cfg.Paths.Working,
			CachePath:   s.cfg.Paths.Cache,
			Logger:      s.logger,
		})
	})
	if s.runtimeErr != nil {
		return s.fatal(util.NewError(util.KindSetup, "setup engine runtime", s.runtimeErr))
	}

	if err := s.redirectStderr(s.cfg.StderrFilePath()); err != nil {
		s.sink.RecordError(fmt.Sprintf("redirect stderr: %v", err))
	}

	s.applyMemoryLimit(ctx)

	s.stateMu.Lock()
	if s.bridge == nil {
		s.bridge = platform.NewBridge(s.host, s.sink.RecordInfo)
	}
	bridge := s.bridge
	s.stateMu.Unlock()

	maxLines, err := preferences.MaxLogLines(ctx, s.prefs)
	if err != nil {
		s.sink.RecordError(fmt.Sprintf("read max log lines: %v", err))
	}
	channel := command.New(command.Options{
		Listen:   s.cfg.Command.Listen,
		Token:    s.cfg.Command.Token,
		Handler:  s,
		Errors:   s.sink,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Shutdown: s.cfg.ShutdownGrace.Duration() + time.Second,
	})
	if err := channel.Start(bridge, maxLines); err != nil {
		return s.fatal(err)
	}
	s.stateMu.Lock()
	s.channel = channel
	s.stateMu.Unlock()
	s.sink.Attach(channel)

	s.started = true
	s.onDemand = opts.OnDemand

	return s.startService(ctx)
}

func (s *Supervisor) applyMemoryLimit(ctx context.Context) {
	disabled, err := preferences.DisableMemoryLimit(ctx, s.prefs)
	if err != nil {
		s.sink.RecordError(fmt.Sprintf("read memory limit preference: %v", err))
	}
	if disabled || s.cfg.MemoryLimit <= 0 {
		return
	}
	s.setMemoryLimit(int64(s.cfg.MemoryLimit))
	s.logger.Debug("memory limit applied", "limit", s.cfg.MemoryLimit.String())
}

// startService builds and starts a session from the selected profile. On
// failure no session is installed.
func (s *Supervisor) startService(ctx context.Context) error {
	id, ok, err := preferences.SelectedProfileID(ctx, s.prefs)
	if err != nil {
		return s.fatal(util.NewError(util.KindConfig, "load profile", err))
	}
	if !ok {
		return s.fatal(util.NewError(util.KindConfig, "load profile",
			fmt.Errorf("no profile selected: %w", util.ErrProfileNotFound)))
	}

	p, err := s.source.Profile(ctx, id)
	if err != nil {
		return s.fatal(util.NewError(util.KindConfig, "load profile", err))
	}
	text, err := p.ReadText(ctx)
	if err != nil {
		return s.fatal(util.NewError(util.KindConfig, "read config", err))
	}

	s.stateMu.RLock()
	bridge := s.bridge
	s.stateMu.RUnlock()

	sess, err := session.Create(s.runtime, text, bridge)
	if err != nil {
		return s.fatal(err)
	}
	if err := sess.Start(); err != nil {
		sess.Close() //nolint:errcheck
		return s.fatal(err)
	}

	s.stateMu.Lock()
	s.session = sess
	channel := s.channel
	s.stateMu.Unlock()
	if channel != nil {
		channel.Bind(sess)
	}
	s.metrics.SetSession(true, sess.ID())

	if s.cfg.RecordStartedByUser && !s.onDemand {
		if err := preferences.SetStartedByUser(ctx, s.prefs, true); err != nil {
			s.sink.RecordError(fmt.Sprintf("record started by user: %v", err))
		}
	}
	s.sink.RecordInfo(fmt.Sprintf("service started: profile %q (session %d)", p.Name, sess.ID()))
	return nil
}

// stopService closes the current session. Close failures are logged only.
func (s *Supervisor) stopService() {
	s.stateMu.Lock()
	sess := s.session
	s.session = nil
	channel := s.channel
	bridge := s.bridge
	s.stateMu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			s.logger.Warn("close service failed", "session", sess.ID(), "error", err)
			s.sink.RecordInfo(err.Error())
		}
	}
	if channel != nil {
		channel.Bind(nil)
	}
	if bridge != nil {
		bridge.Reset()
	}
	s.metrics.SetSession(false, 0)
}

// Reload replaces the running session with one built from fresh
// configuration. The command channel stays up throughout.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "supervisor.reload")
	defer span.End()

	if !s.started {
		err := fmt.Errorf("reload: %w", util.ErrNotRunning)
		s.finish(span, "reload", err)
		return err
	}

	began := time.Now()
	s.setReasserting(true)
	defer s.setReasserting(false)

	s.stopService()
	err := s.startService(ctx)

	s.metrics.ObserveReload(time.Since(began))
	s.finish(span, "reload", err)
	return err
}

func (s *Supervisor) setReasserting(v bool) {
	s.reasserting.Store(v)
	s.host.SetReasserting(v)
}

// Stop tears down the session and, after the grace delay, the command channel.
func (s *Supervisor) Stop(ctx context.Context, reason StopReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "supervisor.stop", trace.WithAttributes(
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	s.stopService()

	s.stateMu.RLock()
	channel := s.channel
	s.stateMu.RUnlock()

	var err error
	if channel != nil {
		// In-flight diagnostic writes get the full grace period.
		time.Sleep(s.cfg.ShutdownGrace.Duration())
		s.sink.Detach()
		if cerr := channel.Close(); cerr != nil {
			s.logger.Warn("close command channel failed", "error", cerr)
			err = cerr
		}
	}

	s.stateMu.Lock()
	s.channel = nil
	s.bridge = nil
	s.stateMu.Unlock()

	if reason == ReasonUser && s.cfg.RecordStartedByUser {
		if perr := preferences.SetStartedByUser(ctx, s.prefs, false); perr != nil {
			s.logger.Warn("failed to record started by user", "error", perr)
		}
	}

	s.started = false
	s.onDemand = false
	s.logger.Info("stopped", "reason", reason)
	s.finish(span, "stop", err)
	return err
}

// Sleep forwards a host sleep notification to the running session.
func (s *Supervisor) Sleep() {
	if sess := s.Session(); sess != nil {
		sess.Sleep()
	}
}

// Wake forwards a host wake notification to the running session.
func (s *Supervisor) Wake() {
	if sess := s.Session(); sess != nil {
		sess.Wake()
	}
}

// HandleControlMessage returns msg unchanged. Control commands are served
// by the command channel API.
func (s *Supervisor) HandleControlMessage(msg []byte) []byte {
	return msg
}

// fatal records err as the fatal error of the current attempt and returns it.
func (s *Supervisor) fatal(err error) error {
	s.sink.RecordFatal(err.Error())
	return err
}

func (s *Supervisor) finish(span trace.Span, op string, err error) {
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		if s.sink.Latched() {
			result = metrics.ResultFatal
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.RecordLifecycle(op, result)
}
