package ports

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// NetProber probes ports by binding real sockets.
//
// The strict probe binds 127.0.0.1 and [::1] with SO_REUSEADDR cleared, so a
// port still in TIME_WAIT counts as taken. The reuse probe listens on 0.0.0.0
// with SO_REUSEADDR set, which tolerates linger from a process we just killed.
type NetProber struct{}

func (NetProber) Available(port int, allowReuse bool) bool {
	if allowReuse {
		return listenOnce("tcp4", "0.0.0.0", port, true) == nil
	}
	if err := listenOnce("tcp4", "127.0.0.1", port, false); err != nil {
		return false
	}
	err := listenOnce("tcp6", "::1", port, false)
	// Hosts without IPv6 loopback only need the IPv4 half.
	return err == nil || ipv6Unavailable(err)
}

func listenOnce(network, host string, port int, reuse bool) error {
	lc := net.ListenConfig{Control: reuseControl(reuse)}
	l, err := lc.Listen(context.Background(), network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}

// reuseControl sets SO_REUSEADDR explicitly. Go enables it on every Unix
// listener by default, which would make the strict probe accept TIME_WAIT ports.
func reuseControl(reuse bool) func(network, address string, c syscall.RawConn) error {
	v := 0
	if reuse {
		v = 1
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
		}); err != nil {
			return err
		}
		return serr
	}
}

func ipv6Unavailable(err error) bool {
	return errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.EAFNOSUPPORT)
}
