//go:build !windows

package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var errNoStartTime = errors.New("process start time unavailable")

// creationTimeMillis returns the process start time in milliseconds since the
// Unix epoch. The value is stable for the lifetime of the process.
func creationTimeMillis(pid int) (int64, error) {
	if pid <= 0 {
		return 0, errNoStartTime
	}
	if runtime.GOOS == "linux" {
		return creationTimeLinux(pid)
	}
	// sysctl based on darwin/bsd
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, errNoStartTime
	}
	return ms, nil
}

func creationTimeLinux(pid int) (int64, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	ticks, err := parseStartTicks(string(b))
	if err != nil {
		return 0, err
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	btime, err := parseBootTime(f)
	if err != nil {
		return 0, err
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime*1000 + ticks*1000/clk, nil
}

// parseStartTicks extracts starttime (field 22) from a /proc/<pid>/stat line.
// comm may contain spaces and parentheses, so fields are counted from the
// last ") ".
func parseStartTicks(stat string) (int64, error) {
	end := strings.LastIndex(stat, ") ")
	if end == -1 {
		return 0, errNoStartTime
	}
	fields := strings.Fields(stat[end+2:])
	if len(fields) < 20 {
		return 0, errNoStartTime
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, err
	}
	if ticks <= 0 {
		return 0, errNoStartTime
	}
	return ticks, nil
}

// parseBootTime reads the btime line of /proc/stat (seconds since the epoch).
func parseBootTime(r io.Reader) (int64, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		v, ok := strings.CutPrefix(s.Text(), "btime ")
		if !ok {
			continue
		}
		bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return bt, nil
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, errNoStartTime
}
