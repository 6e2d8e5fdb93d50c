package process

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/ports"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func testConfig(t *testing.T, binary string) LaunchConfig {
	t.Helper()
	execDir := filepath.Join(t.TempDir(), "exec")
	return LaunchConfig{
		Paths: Paths{
			Binary:            binary,
			FallbackBinary:    binary,
			Resources:         "/res/primary",
			FallbackResources: "/res/bundled",
			Execution:         execDir,
		},
		Ports:       ports.ServerPorts{CDP: 9000, Proxy: 9100, Backend: 9201, Extension: 9300},
		Identity:    Identity{InstallID: "abc", HostVersion: "1.2.3", ProtocolVersion: "7"},
		AllowRemote: true,
	}
}

func TestLaunchConfig_Args(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	assert.Equal(t, []string{
		"--config", "/x/server_config.json",
		"--cdp-port", "9000",
		"--http-mcp-port", "9201",
		"--agent-port", "9201",
		"--extension-port", "9300",
	}, cfg.Args("/x/server_config.json"))
}

func TestLaunchConfig_WriteArtifact(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	dir := t.TempDir()
	path, err := cfg.WriteArtifact(dir, "/res/primary")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, float64(9000), doc["ports"]["cdp"])
	assert.Equal(t, float64(9201), doc["ports"]["http_mcp"])
	assert.Equal(t, float64(9201), doc["ports"]["agent"])
	assert.Equal(t, float64(9300), doc["ports"]["extension"])
	assert.Equal(t, "/res/primary", doc["directories"]["resources"])
	assert.Equal(t, true, doc["flags"]["allow_remote_in_mcp"])
	assert.Equal(t, "abc", doc["instance"]["install_id"])
	assert.Equal(t, "7", doc["instance"]["sidecar_protocol_version"])
}

func TestLaunch_NoBinary(t *testing.T) {
	c := NewExecController()
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing"))
	res := c.Launch(context.Background(), cfg)
	assert.ErrorIs(t, res.Err, ErrNoBinary)
	assert.False(t, res.Handle.Valid())
}

func TestLaunch_FallbackAndExitCode(t *testing.T) {
	bin := t.TempDir()
	argsFile := filepath.Join(bin, "args")
	fallback := writeScript(t, bin, "bundled", `echo "$@" > `+argsFile+`; exit 3`)

	c := NewExecController()
	cfg := testConfig(t, filepath.Join(bin, "missing"))
	cfg.Paths.FallbackBinary = fallback
	res := c.Launch(context.Background(), cfg)
	require.NoError(t, res.Err)
	require.True(t, res.Handle.Valid())
	assert.True(t, res.UsedFallback)

	code, exited := c.WaitForExitWithTimeout(res.Handle, 5*time.Second)
	require.True(t, exited)
	assert.Equal(t, 3, code)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "--config "+filepath.Join(cfg.Paths.Execution, ConfigFileName)))

	doc, err := os.ReadFile(filepath.Join(cfg.Paths.Execution, ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "/res/bundled")
}

func TestLaunch_WritesLogs(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sidecar", `echo hello; echo oops >&2`)
	logs := t.TempDir()
	c := NewExecController(WithLogFiles(logger.FileConfig{Dir: logs}))
	res := c.Launch(context.Background(), testConfig(t, bin))
	require.NoError(t, res.Err)
	_, exited := c.WaitForExitWithTimeout(res.Handle, 5*time.Second)
	require.True(t, exited)

	out, err := os.ReadFile(filepath.Join(logs, LogName+".stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	errOut, err := os.ReadFile(filepath.Join(logs, LogName+".stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestTerminate_WaitsForExit(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sidecar", `exec sleep 30`)
	c := NewExecController()
	res := c.Launch(context.Background(), testConfig(t, bin))
	require.NoError(t, res.Err)

	_, exited := c.WaitForExitWithTimeout(res.Handle, 50*time.Millisecond)
	assert.False(t, exited, "sleep must still be running")

	c.Terminate(res.Handle, true)
	code, ok := res.Handle.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 128+15, code)
	assert.False(t, c.Exists(res.Handle.PID()))
}

func TestKill_ForeignProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	pid := cmd.Process.Pid

	c := NewExecController()
	require.True(t, c.Exists(pid))
	assert.True(t, c.Kill(pid, time.Second))
	assert.False(t, c.Exists(pid))
}

func TestKill_InvalidPID(t *testing.T) {
	c := NewExecController()
	assert.False(t, c.Kill(0, time.Millisecond))
	assert.False(t, c.Exists(-1))
}

func TestCreationTime_Self(t *testing.T) {
	c := NewExecController()
	first, ok := c.CreationTime(os.Getpid())
	require.True(t, ok)
	now := time.Now().UnixMilli()
	assert.Positive(t, first)
	assert.LessOrEqual(t, first, now)

	second, ok := c.CreationTime(os.Getpid())
	require.True(t, ok)
	assert.Equal(t, first, second)

	_, ok = c.CreationTime(0)
	assert.False(t, ok)
}

func TestParseStartTicks(t *testing.T) {
	rest := make([]string, 20)
	for i := range rest {
		rest[i] = "0"
	}
	rest[0] = "S"
	rest[19] = "123456"
	stat := "42 (odd) name) " + strings.Join(rest, " ") + " 99 100"
	ticks, err := parseStartTicks(stat)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), ticks)

	_, err = parseStartTicks("42 (short) S 1 2")
	assert.Error(t, err)
}

func TestParseBootTime(t *testing.T) {
	bt, err := parseBootTime(strings.NewReader("cpu 1 2 3\nbtime 1700000000\nprocesses 9\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), bt)

	_, err = parseBootTime(strings.NewReader("cpu 1 2 3\n"))
	assert.Error(t, err)
}

func TestHandle_Nil(t *testing.T) {
	var h *Handle
	assert.False(t, h.Valid())
	assert.Zero(t, h.PID())
	code, exited := NewExecController().WaitForExitWithTimeout(h, time.Second)
	assert.True(t, exited)
	assert.Equal(t, -1, code)
}
