//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalTarget returns -pid when pid leads its own process group, so the
// whole group is signalled; otherwise pid itself.
func signalTarget(pid int) int {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		return -pid
	}
	return pid
}

func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(signalTarget(pid), sig)
}

// pidAlive reports whether pid exists (EPERM counts as existing).
// A zombie on Linux is treated as gone since it will never run again.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
