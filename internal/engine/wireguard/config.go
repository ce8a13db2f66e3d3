// Package wireguard is a userspace WireGuard tunnel engine.
package wireguard

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// DefaultMTU is used when the profile does not set one.
const DefaultMTU = 1420

// Config is the profile configuration of the WireGuard engine. A profile
// either lists the fields directly or embeds a wg-quick file in WGQuick.
type Config struct {
	Type       string   `json:"type"`
	PrivateKey string   `json:"private_key"`
	Address    []string `json:"address"`
	DNS        []string `json:"dns,omitempty"`
	MTU        int      `json:"mtu,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	Peers      []Peer   `json:"peers"`
	WGQuick    string   `json:"wg_quick,omitempty"`
}

// Peer is one WireGuard peer.
type Peer struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	Endpoint            string   `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// ParseJSON decodes and validates a profile. Every failure wraps
// util.ErrConfigInvalid.
func ParseJSON(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrConfigInvalid, err)
	}
	if cfg.WGQuick != "" {
		quick, err := ParseQuick(strings.NewReader(cfg.WGQuick))
		if err != nil {
			return nil, fmt.Errorf("%w: wg_quick: %w", util.ErrConfigInvalid, err)
		}
		quick.Type = cfg.Type
		cfg = *quick
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

// ParseQuick parses a wg-quick style configuration.
func ParseQuick(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var section string
	var peer *Peer

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			if section == "peer" {
				if peer != nil {
					cfg.Peers = append(cfg.Peers, *peer)
				}
				peer = &Peer{}
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format", lineNum)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case "interface":
			err = cfg.setInterfaceKey(key, value)
		case "peer":
			err = peer.setKey(key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if peer != nil {
		cfg.Peers = append(cfg.Peers, *peer)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setInterfaceKey(key, value string) error {
	switch key {
	case "privatekey":
		c.PrivateKey = value
	case "address":
		c.Address = append(c.Address, splitList(value)...)
	case "dns":
		c.DNS = append(c.DNS, splitList(value)...)
	case "listenport":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid listen port: %s", value)
		}
		c.ListenPort = port
	case "mtu":
		mtu, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MTU: %s", value)
		}
		c.MTU = mtu
	}
	return nil
}

func (p *Peer) setKey(key, value string) error {
	switch key {
	case "publickey":
		p.PublicKey = value
	case "presharedkey":
		p.PresharedKey = value
	case "endpoint":
		p.Endpoint = value
	case "allowedips":
		p.AllowedIPs = append(p.AllowedIPs, splitList(value)...)
	case "persistentkeepalive":
		ka, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid persistent keepalive: %s", value)
		}
		p.PersistentKeepalive = ka
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks keys, addresses and ranges.
func (c *Config) Validate() error {
	if err := validateKey(c.PrivateKey); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if len(c.Address) == 0 {
		return fmt.Errorf("interface address is required")
	}
	for _, a := range c.Address {
		if _, err := parsePrefix(a); err != nil {
			return fmt.Errorf("invalid address: %s", a)
		}
	}
	for _, d := range c.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			return fmt.Errorf("invalid DNS server: %s", d)
		}
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("invalid MTU: %d", c.MTU)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.ListenPort)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	for i, p := range c.Peers {
		if err := validateKey(p.PublicKey); err != nil {
			return fmt.Errorf("peer %d: invalid public key: %w", i, err)
		}
		if p.PresharedKey != "" {
			if err := validateKey(p.PresharedKey); err != nil {
				return fmt.Errorf("peer %d: invalid preshared key: %w", i, err)
			}
		}
		if len(p.AllowedIPs) == 0 {
			return fmt.Errorf("peer %d: allowed IPs are required", i)
		}
		for _, ip := range p.AllowedIPs {
			if _, err := netip.ParsePrefix(ip); err != nil {
				return fmt.Errorf("peer %d: invalid allowed IP: %s", i, ip)
			}
		}
		if p.PersistentKeepalive < 0 || p.PersistentKeepalive > 65535 {
			return fmt.Errorf("peer %d: invalid persistent keepalive: %d", i, p.PersistentKeepalive)
		}
	}
	return nil
}

// validateKey checks for a base64 encoded 32 byte key.
func validateKey(key string) error {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("not valid base64")
	}
	if len(decoded) != 32 {
		return fmt.Errorf("key must be 32 bytes, got %d", len(decoded))
	}
	return nil
}

// parsePrefix accepts a CIDR or a bare address, which becomes a host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// PublicKey derives the interface public key from the private key.
func (c *Config) PublicKey() (string, error) {
	priv, err := base64.StdEncoding.DecodeString(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// NetworkSettings returns the interface settings the host must apply.
func (c *Config) NetworkSettings() platform.NetworkSettings {
	var s platform.NetworkSettings
	for _, a := range c.Address {
		if p, err := parsePrefix(a); err == nil {
			s.Addresses = append(s.Addresses, p)
		}
	}
	for _, d := range c.DNS {
		if addr, err := netip.ParseAddr(d); err == nil {
			s.DNS = append(s.DNS, addr)
		}
	}
	for _, p := range c.Peers {
		for _, ip := range p.AllowedIPs {
			if prefix, err := netip.ParsePrefix(ip); err == nil {
				s.Routes = append(s.Routes, prefix)
			}
		}
	}
	s.MTU = c.MTU
	return s
}

// ToIPC renders the configuration in the wireguard-go UAPI format.
func (c *Config) ToIPC() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "private_key=%s\n", hexKey(c.PrivateKey))
	if c.ListenPort > 0 {
		fmt.Fprintf(&sb, "listen_port=%d\n", c.ListenPort)
	}
	sb.WriteString("replace_peers=true\n")

	for _, p := range c.Peers {
		fmt.Fprintf(&sb, "public_key=%s\n", hexKey(p.PublicKey))
		if p.PresharedKey != "" {
			fmt.Fprintf(&sb, "preshared_key=%s\n", hexKey(p.PresharedKey))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&sb, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&sb, "persistent_keepalive_interval=%d\n", p.PersistentKeepalive)
		}
		sb.WriteString("replace_allowed_ips=true\n")
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&sb, "allowed_ip=%s\n", ip)
		}
	}
	return sb.String()
}

// hexKey converts a validated base64 key to hex for UAPI.
func hexKey(b64Key string) string {
	decoded, _ := base64.StdEncoding.DecodeString(b64Key) //nolint:errcheck
	return fmt.Sprintf("%x", decoded)
}
