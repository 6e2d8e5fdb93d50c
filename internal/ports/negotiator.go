package ports

import (
	"log/slog"
)

// MaxPortAttempts bounds how many successors of the preferred port are tried.
const MaxPortAttempts = 100

// Prober reports whether a TCP port can currently be bound.
// allowReuse relaxes the check for ports still lingering after a kill.
type Prober interface {
	Available(port int, allowReuse bool) bool
}

// Negotiator picks ports for the sidecar.
type Negotiator struct {
	prober Prober
	base   ServerPorts
	logger *slog.Logger
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithBase sets the scan start for the volatile ports (backend, extension).
func WithBase(base ServerPorts) Option {
	return func(n *Negotiator) { n.base = base.WithDefaults(Defaults()) }
}

// WithLogger sets the logger used for resolution warnings.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNegotiator returns a Negotiator probing with p. A nil prober uses NetProber.
func NewNegotiator(p Prober, opts ...Option) *Negotiator {
	if p == nil {
		p = NetProber{}
	}
	n := &Negotiator{prober: p, base: Defaults(), logger: slog.Default()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// FindAvailablePort scans preferred, preferred+1, ... and returns the first
// allowed, non-excluded port the prober accepts. When nothing is found the
// preferred port is returned unchanged so the launch can fail loudly later.
func (n *Negotiator) FindAvailablePort(preferred int, excluded map[int]struct{}, allowReuse bool) int {
	for i := 0; i < MaxPortAttempts; i++ {
		port := preferred + i
		if port > MaxPort {
			break
		}
		if _, skip := excluded[port]; skip {
			continue
		}
		if !IsPortAllowed(port) {
			continue
		}
		if n.prober.Available(port, allowReuse) {
			return port
		}
	}
	n.logger.Warn("no available port found, keeping preferred",
		"preferred", preferred, "attempts", MaxPortAttempts, "reuse", allowReuse)
	return preferred
}

// ResolveStartup resolves every port that is not fixed. CDP scans from its
// preference, Proxy scans in reuse mode since a previous proxy may have just
// released it, and the volatile ports scan from the negotiator base.
// Each chosen port is excluded from the remaining scans.
func (n *Negotiator) ResolveStartup(pref ServerPorts, fixed Fixed) ServerPorts {
	out := pref
	assigned := fixedPorts(out, fixed)

	if !fixed.CDP {
		out.CDP = n.FindAvailablePort(pref.CDP, assigned, false)
	}
	assigned[out.CDP] = struct{}{}

	if !fixed.Proxy {
		out.Proxy = n.FindAvailablePort(pref.Proxy, assigned, true)
	}
	assigned[out.Proxy] = struct{}{}

	n.resolveVolatile(&out, fixed, assigned)
	n.logger.Info("resolved ports for startup", "ports", out)
	return out
}

// ResolveVolatile keeps CDP and Proxy and re-probes Backend and Extension from
// the negotiator base. The freshly released backend port is not excluded; the
// OS is trusted to have cleared its linger by the time the probe runs.
func (n *Negotiator) ResolveVolatile(cur ServerPorts, fixed Fixed) ServerPorts {
	out := cur
	assigned := fixedPorts(out, fixed)
	assigned[out.CDP] = struct{}{}
	assigned[out.Proxy] = struct{}{}
	n.resolveVolatile(&out, fixed, assigned)
	n.logger.Info("resolved volatile ports", "ports", out)
	return out
}

func (n *Negotiator) resolveVolatile(out *ServerPorts, fixed Fixed, assigned map[int]struct{}) {
	if !fixed.Backend {
		out.Backend = n.FindAvailablePort(n.base.Backend, assigned, false)
	}
	assigned[out.Backend] = struct{}{}

	if !fixed.Extension {
		out.Extension = n.FindAvailablePort(n.base.Extension, assigned, false)
	}
}

// fixedPorts returns the pinned ports so no scan can hand them out again.
func fixedPorts(p ServerPorts, fixed Fixed) map[int]struct{} {
	out := make(map[int]struct{}, 4)
	if fixed.CDP {
		out[p.CDP] = struct{}{}
	}
	if fixed.Proxy {
		out[p.Proxy] = struct{}{}
	}
	if fixed.Backend {
		out[p.Backend] = struct{}{}
	}
	if fixed.Extension {
		out[p.Extension] = struct{}{}
	}
	return out
}
