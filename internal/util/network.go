package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const unixScheme = "unix://"

// ParseListen splits a listen specification into a network and address.
// "unix:///run/x.sock" yields ("unix", "/run/x.sock"); anything else is
// treated as a TCP host:port.
func ParseListen(spec string) (network, address string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", fmt.Errorf("empty listen address")
	}

	if strings.HasPrefix(spec, unixScheme) {
		path := strings.TrimPrefix(spec, unixScheme)
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", spec)
		}
		return "unix", path, nil
	}

	host, port, splitErr := net.SplitHostPort(spec)
	if splitErr != nil {
		return "", "", fmt.Errorf("invalid listen address %q: %w", spec, splitErr)
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return "", "", fmt.Errorf("invalid port in %q: %w", spec, convErr)
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

// IsLocalAddress checks if an address is a local/loopback address.
func IsLocalAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
