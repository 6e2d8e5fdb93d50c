package ports

import (
	"errors"
	"fmt"
	"log/slog"
)

// Default port preferences used when nothing has been persisted yet.
const (
	DefaultCDPPort       = 9000
	DefaultProxyPort     = 9100
	DefaultBackendPort   = 9200
	DefaultExtensionPort = 9300
)

var ErrInvalidPorts = errors.New("invalid server ports")

// ServerPorts is the set of ports handed to the sidecar.
// CDP and Proxy are stable across restarts; Backend and Extension are volatile.
type ServerPorts struct {
	CDP       int `json:"cdp" mapstructure:"cdp"`
	Proxy     int `json:"proxy" mapstructure:"proxy"`
	Backend   int `json:"backend" mapstructure:"backend"`
	Extension int `json:"extension" mapstructure:"extension"`
}

// Defaults returns the built-in port preferences.
func Defaults() ServerPorts {
	return ServerPorts{
		CDP:       DefaultCDPPort,
		Proxy:     DefaultProxyPort,
		Backend:   DefaultBackendPort,
		Extension: DefaultExtensionPort,
	}
}

// Validate checks that every port is allowed and no two ports are equal.
func (p ServerPorts) Validate() error {
	named := p.named()
	seen := make(map[int]string, len(named))
	for _, n := range named {
		if !IsPortAllowed(n.port) {
			return fmt.Errorf("%w: %s port %d not allowed", ErrInvalidPorts, n.name, n.port)
		}
		if other, dup := seen[n.port]; dup {
			return fmt.Errorf("%w: %s and %s share port %d", ErrInvalidPorts, other, n.name, n.port)
		}
		seen[n.port] = n.name
	}
	return nil
}

// WithDefaults replaces unset (non-positive) fields with the values from d.
func (p ServerPorts) WithDefaults(d ServerPorts) ServerPorts {
	if p.CDP <= 0 {
		p.CDP = d.CDP
	}
	if p.Proxy <= 0 {
		p.Proxy = d.Proxy
	}
	if p.Backend <= 0 {
		p.Backend = d.Backend
	}
	if p.Extension <= 0 {
		p.Extension = d.Extension
	}
	return p
}

func (p ServerPorts) String() string {
	return fmt.Sprintf("cdp=%d proxy=%d backend=%d extension=%d", p.CDP, p.Proxy, p.Backend, p.Extension)
}

// LogValue implements slog.LogValuer.
func (p ServerPorts) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("cdp", p.CDP),
		slog.Int("proxy", p.Proxy),
		slog.Int("backend", p.Backend),
		slog.Int("extension", p.Extension),
	)
}

type namedPort struct {
	name string
	port int
}

func (p ServerPorts) named() []namedPort {
	return []namedPort{
		{"cdp", p.CDP},
		{"proxy", p.Proxy},
		{"backend", p.Backend},
		{"extension", p.Extension},
	}
}

// Fixed marks ports that were pinned by the operator and must not be probed.
type Fixed struct {
	CDP       bool
	Proxy     bool
	Backend   bool
	Extension bool
}
