package host

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/bifrost-extension/internal/config"
	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/preferences"
	"github.com/rennerdo30/bifrost-extension/internal/profile"
	"github.com/rennerdo30/bifrost-extension/internal/supervisor"
)

type mockLifecycle struct {
	mu       sync.Mutex
	calls    []string
	reasons  []supervisor.StopReason
	onDemand bool
	startErr error
	proc     *Process
	reloaded chan struct{}
}

func newMockLifecycle(proc *Process) *mockLifecycle {
	return &mockLifecycle{proc: proc, reloaded: make(chan struct{}, 8)}
}

func (m *mockLifecycle) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockLifecycle) Start(ctx context.Context, opts supervisor.StartOptions) error {
	m.record("start")
	m.mu.Lock()
	m.onDemand = opts.OnDemand
	err := m.startErr
	m.mu.Unlock()
	if err != nil {
		m.proc.CancelTunnel("fatal: " + err.Error())
	}
	return err
}

func (m *mockLifecycle) Reload(ctx context.Context) error {
	m.record("reload")
	m.reloaded <- struct{}{}
	return nil
}

func (m *mockLifecycle) Stop(ctx context.Context, reason supervisor.StopReason) error {
	m.record("stop")
	m.mu.Lock()
	m.reasons = append(m.reasons, reason)
	m.mu.Unlock()
	return nil
}

func (m *mockLifecycle) Sleep() { m.record("sleep") }

func (m *mockLifecycle) Wake() { m.record("wake") }

func (m *mockLifecycle) snapshot() ([]string, []supervisor.StopReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...), append([]supervisor.StopReason(nil), m.reasons...)
}

func testOptions(sup Lifecycle, proc *Process) Options {
	return Options{
		Name:        "bifrost-extension-test",
		Supervisor:  sup,
		Process:     proc,
		Logger:      proc.logger,
		StopTimeout: time.Second,
	}
}

func TestProcess_CancelTunnelKeepsFirstReason(t *testing.T) {
	p := NewProcess(nil)

	p.CancelTunnel("first")
	p.CancelTunnel("second")

	select {
	case reason := <-p.Canceled():
		assert.Equal(t, "first", reason)
	default:
		t.Fatal("expected a pending cancellation")
	}
	select {
	case reason := <-p.Canceled():
		t.Fatalf("unexpected second reason %q", reason)
	default:
	}
}

func TestProcess_StateTracking(t *testing.T) {
	p := NewProcess(nil)

	_, ok := p.NetworkSettings()
	assert.False(t, ok)

	ns := platform.NetworkSettings{
		Addresses: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
		MTU:       1420,
	}
	require.NoError(t, p.ApplyNetworkSettings(ns))
	got, ok := p.NetworkSettings()
	assert.True(t, ok)
	assert.Equal(t, ns, got)

	p.SetReasserting(true)
	assert.True(t, p.Reasserting())
	p.SetReasserting(false)
	assert.False(t, p.Reasserting())
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "reload", EventReload.String())
	assert.Equal(t, "sleep", EventSleep.String())
	assert.Equal(t, "wake", EventWake.String())
	assert.Equal(t, "stop", EventStop.String())
	assert.Equal(t, "event(42)", Event(42).String())
}

func TestRun_RequiresSupervisor(t *testing.T) {
	assert.Error(t, Run(context.Background(), Options{}))
}

func TestServe_DispatchesEvents(t *testing.T) {
	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)
	opts := testOptions(sup, proc)
	opts.OnDemand = true

	events := make(chan Event)
	errCh := make(chan error, 1)
	go func() { errCh <- serve(context.Background(), opts, events) }()

	events <- EventSleep
	events <- EventWake
	events <- EventReload
	events <- EventStop

	require.NoError(t, <-errCh)
	calls, reasons := sup.snapshot()
	assert.Equal(t, []string{"start", "sleep", "wake", "reload", "stop"}, calls)
	assert.Equal(t, []supervisor.StopReason{supervisor.ReasonUser}, reasons)
	assert.True(t, sup.onDemand)
}

func TestServe_ContextDoneStopsWithHostReason(t *testing.T) {
	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, testOptions(sup, proc), make(chan Event)) }()

	cancel()
	require.NoError(t, <-errCh)
	_, reasons := sup.snapshot()
	assert.Equal(t, []supervisor.StopReason{supervisor.ReasonHost}, reasons)
}

func TestServe_ClosedEventsStop(t *testing.T) {
	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)

	events := make(chan Event)
	close(events)
	require.NoError(t, serve(context.Background(), testOptions(sup, proc), events))

	_, reasons := sup.snapshot()
	assert.Equal(t, []supervisor.StopReason{supervisor.ReasonHost}, reasons)
}

func TestServe_CancelWhileRunning(t *testing.T) {
	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)

	errCh := make(chan error, 1)
	go func() { errCh <- serve(context.Background(), testOptions(sup, proc), make(chan Event)) }()

	proc.CancelTunnel("load profile: profile 1: profile not found")

	err := <-errCh
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "load profile: profile 1: profile not found", canceled.Reason)
	_, reasons := sup.snapshot()
	assert.Equal(t, []supervisor.StopReason{supervisor.ReasonCanceled}, reasons)
}

func TestServe_FatalStart(t *testing.T) {
	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)
	sup.startErr = errors.New("setup engine runtime: boom")

	err := serve(context.Background(), testOptions(sup, proc), make(chan Event))

	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "fatal: setup engine runtime: boom", canceled.Reason)
	assert.Equal(t, "tunnel canceled: fatal: setup engine runtime: boom", err.Error())
	calls, reasons := sup.snapshot()
	assert.Equal(t, []string{"start", "stop"}, calls)
	assert.Equal(t, []supervisor.StopReason{supervisor.ReasonCanceled}, reasons)
}

func TestServe_ReloadsOnProfileChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "wg.json")
	require.NoError(t, os.WriteFile(target, []byte(`{}`), 0644))

	proc := NewProcess(nil)
	sup := newMockLifecycle(proc)
	opts := testOptions(sup, proc)
	opts.Watch = &WatchOptions{
		Dir:      dir,
		Target:   func() string { return target },
		Debounce: 10 * time.Millisecond,
	}

	events := make(chan Event)
	errCh := make(chan error, 1)
	go func() { errCh <- serve(context.Background(), opts, events) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(target, []byte(`{"type":"wireguard"}`), 0644))

	select {
	case <-sup.reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	events <- EventStop
	require.NoError(t, <-errCh)
}

// TestServe_WithSupervisor drives a real supervisor whose selected profile
// is missing: the fatal start must end the process with a cancellation.
func TestServe_WithSupervisor(t *testing.T) {
	base := t.TempDir()
	cfg := config.DefaultExtensionConfig()
	cfg.Paths = config.PathsConfig{
		Base:    base,
		Working: filepath.Join(base, "work"),
		Cache:   filepath.Join(base, "cache"),
	}
	cfg.Command.Listen = "127.0.0.1:0"
	cfg.ShutdownGrace = config.Duration(10 * time.Millisecond)

	proc := NewProcess(nil)
	sup, err := supervisor.New(supervisor.Options{
		Config:         cfg,
		Preferences:    preferences.NewMemoryStore(),
		Profiles:       profile.NewMemorySource(),
		Runtime:        engine.NewRegistry(),
		Host:           proc,
		RedirectStderr: func(string) error { return nil },
		SetMemoryLimit: func(int64) int64 { return 0 },
	})
	require.NoError(t, err)

	err = serve(context.Background(), testOptions(sup, proc), make(chan Event))

	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "load profile: no profile selected: profile not found", canceled.Reason)
	assert.Nil(t, sup.Channel())

	data, err := os.ReadFile(cfg.ErrorFilePath())
	require.NoError(t, err)
	assert.Equal(t, canceled.Reason, string(data))
}
