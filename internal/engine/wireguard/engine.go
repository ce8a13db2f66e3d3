package wireguard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// Type is the engine type name used in profile configuration.
const Type = "wireguard"

// Engine runs a WireGuard device on a gVisor netstack TUN.
type Engine struct {
	cfg       *Config
	publicKey string
	bridge    *platform.Bridge
	logger    *slog.Logger

	mu      sync.Mutex
	dev     *device.Device
	tnet    *netstack.Net
	running bool
	asleep  bool
	closed  bool
}

// New builds an Engine from profile JSON. Registered with engine.Registry.
func New(raw json.RawMessage, opts engine.SetupOptions, bridge *platform.Bridge) (engine.Service, error) {
	cfg, err := ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	pub, err := cfg.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrConfigInvalid, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if bridge == nil {
		bridge = platform.NewBridge(nil, nil)
	}
	return &Engine{
		cfg:       cfg,
		publicKey: pub,
		bridge:    bridge,
		logger:    logger.With("component", "wireguard", "public_key", pub),
	}, nil
}

// Register adds the WireGuard engine to r.
func Register(r *engine.Registry) {
	r.Register(Type, New)
}

// PublicKey returns the interface public key.
func (e *Engine) PublicKey() string {
	return e.publicKey
}

// Net returns the userspace network stack of a running engine.
func (e *Engine) Net() *netstack.Net {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tnet
}

// Start creates the device, configures it and applies the network settings.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%w: %w", util.ErrEngineStart, util.ErrAlreadyClosed)
	}
	if e.running {
		return nil
	}

	settings := e.cfg.NetworkSettings()
	addrs := make([]netip.Addr, 0, len(settings.Addresses))
	for _, p := range settings.Addresses {
		addrs = append(addrs, p.Addr())
	}

	tun, tnet, err := netstack.CreateNetTUN(addrs, settings.DNS, e.cfg.MTU)
	if err != nil {
		return fmt.Errorf("%w: create tun: %w", util.ErrEngineStart, err)
	}

	ipc, err := e.resolvedIPC()
	if err != nil {
		tun.Close()
		return fmt.Errorf("%w: %w", util.ErrEngineStart, err)
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), e.deviceLogger())
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return fmt.Errorf("%w: configure device: %w", util.ErrEngineStart, err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("%w: bring up device: %w", util.ErrEngineStart, err)
	}
	if err := e.bridge.ApplyNetworkSettings(settings); err != nil {
		dev.Close()
		return fmt.Errorf("%w: %w", util.ErrEngineStart, err)
	}

	e.dev = dev
	e.tnet = tnet
	e.running = true
	e.bridge.Logf("wireguard: started with %d peer(s), %s", len(e.cfg.Peers), settings)
	return nil
}

// resolvedIPC renders the UAPI config with peer endpoint host names resolved,
// since the device only accepts literal addresses.
func (e *Engine) resolvedIPC() (string, error) {
	cfg := *e.cfg
	cfg.Peers = make([]Peer, len(e.cfg.Peers))
	for i, p := range e.cfg.Peers {
		if p.Endpoint != "" {
			if _, err := netip.ParseAddrPort(p.Endpoint); err != nil {
				addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
				if err != nil {
					return "", fmt.Errorf("resolve endpoint %s: %w", p.Endpoint, err)
				}
				p.Endpoint = addr.AddrPort().String()
			}
		}
		cfg.Peers[i] = p
	}
	return cfg.ToIPC(), nil
}

func (e *Engine) deviceLogger() *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			e.logger.Debug(fmt.Sprintf(format, args...))
		},
		Errorf: func(format string, args ...any) {
			e.bridge.Logf("wireguard: "+format, args...)
		},
	}
}

// Close tears the device down. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.dev != nil {
		e.dev.Close()
		e.dev = nil
	}
	e.tnet = nil
	e.running = false
	return nil
}

// Sleep brings the device down while the host is suspended.
func (e *Engine) Sleep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.asleep {
		return
	}
	if err := e.dev.Down(); err != nil {
		e.bridge.Logf("wireguard: sleep: %v", err)
		return
	}
	e.asleep = true
}

// Wake brings the device back up after Sleep.
func (e *Engine) Wake() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || !e.asleep {
		return
	}
	if err := e.dev.Up(); err != nil {
		e.bridge.Logf("wireguard: wake: %v", err)
		return
	}
	e.asleep = false
}

// Asleep reports whether the device is down because of Sleep.
func (e *Engine) Asleep() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asleep
}
