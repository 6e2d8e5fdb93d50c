package ports

const (
	minAllowedPort = 1024
	MaxPort        = 65535
)

// restrictedPorts lists ports above the well-known range that browsers refuse
// to talk HTTP to. A sidecar bound to one of them would be unreachable.
var restrictedPorts = map[int]struct{}{
	1719:  {}, // h323gatestat
	1720:  {}, // h323hostcall
	1723:  {}, // pptp
	2049:  {}, // nfs
	3659:  {}, // apple-sasl
	4045:  {}, // lockd
	4190:  {}, // sieve
	5060:  {}, // sip
	5061:  {}, // sips
	6000:  {}, // x11
	6566:  {}, // sane-port
	6665:  {}, // irc
	6666:  {},
	6667:  {},
	6668:  {},
	6669:  {},
	6679:  {}, // osaut
	6697:  {}, // ircs-u
	10080: {}, // amanda
}

// IsPortAllowed reports whether port is outside the well-known range and not
// on the HTTP-restricted list.
func IsPortAllowed(port int) bool {
	if port < minAllowedPort || port > MaxPort {
		return false
	}
	_, restricted := restrictedPorts[port]
	return !restricted
}
