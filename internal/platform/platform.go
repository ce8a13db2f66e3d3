// Package platform defines what the extension needs from its host process
// and the bridge through which tunnel engines reach it.
package platform

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// NetworkSettings describe the virtual interface a tunnel engine requests.
type NetworkSettings struct {
	Addresses []netip.Prefix `json:"addresses"`
	DNS       []netip.Addr   `json:"dns,omitempty"`
	Routes    []netip.Prefix `json:"routes,omitempty"`
	MTU       int            `json:"mtu"`
}

func (n NetworkSettings) String() string {
	addrs := make([]string, 0, len(n.Addresses))
	for _, a := range n.Addresses {
		addrs = append(addrs, a.String())
	}
	return fmt.Sprintf("addresses=[%s] dns=%d routes=%d mtu=%d",
		strings.Join(addrs, ","), len(n.DNS), len(n.Routes), n.MTU)
}

// Host is the packet-tunnel host process.
type Host interface {
	// SetReasserting raises or clears the transient-unavailability flag.
	SetReasserting(reasserting bool)
	// CancelTunnel asks the host to tear the tunnel down with reason.
	CancelTunnel(reason string)
	// ApplyNetworkSettings configures the virtual interface.
	ApplyNetworkSettings(settings NetworkSettings) error
}

// NopHost accepts every request and does nothing.
type NopHost struct{}

func (NopHost) SetReasserting(bool) {}

func (NopHost) CancelTunnel(string) {}

func (NopHost) ApplyNetworkSettings(NetworkSettings) error { return nil }

// Bridge is handed to tunnel engines and the command channel. It outlives
// individual sessions; Reset drops the state a session left behind.
type Bridge struct {
	host Host

	mu       sync.RWMutex
	logf     func(string)
	settings *NetworkSettings
	applied  int
}

// NewBridge creates a Bridge to host. logf receives engine log lines.
func NewBridge(host Host, logf func(string)) *Bridge {
	if host == nil {
		host = NopHost{}
	}
	return &Bridge{host: host, logf: logf}
}

// Host returns the underlying host.
func (b *Bridge) Host() Host {
	return b.host
}

// Log forwards an engine log line.
func (b *Bridge) Log(line string) {
	b.mu.RLock()
	logf := b.logf
	b.mu.RUnlock()
	if logf != nil {
		logf(line)
	}
}

// Logf formats and forwards an engine log line.
func (b *Bridge) Logf(format string, args ...any) {
	b.Log(fmt.Sprintf(format, args...))
}

// ApplyNetworkSettings passes settings to the host and remembers them.
func (b *Bridge) ApplyNetworkSettings(settings NetworkSettings) error {
	if err := b.host.ApplyNetworkSettings(settings); err != nil {
		return fmt.Errorf("apply network settings: %w", err)
	}
	b.mu.Lock()
	b.settings = &settings
	b.applied++
	b.mu.Unlock()
	return nil
}

// NetworkSettings returns the settings currently applied, if any.
func (b *Bridge) NetworkSettings() (NetworkSettings, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.settings == nil {
		return NetworkSettings{}, false
	}
	return *b.settings, true
}

// Applied returns how many times network settings were applied through the bridge.
func (b *Bridge) Applied() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

// Reset clears the network settings of the previous session.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.settings = nil
	b.mu.Unlock()
}
