package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/ports"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "sidekick.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

const minimal = `
[sidecar]
binary = "/opt/sidekick/sidekick-server"
execution_dir = "/var/lib/sidekick"
`

func TestLoad_MinimalUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTOML(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ports.Defaults(), cfg.Ports)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.ProcessInterval)
	assert.Equal(t, 3, cfg.Supervisor.MaxStartupFailures)
	assert.Equal(t, "0.0.0.0", cfg.Proxy.Host)
	assert.Equal(t, 300*time.Second, cfg.Proxy.UpstreamTimeout)
	assert.Equal(t, "/var/lib/sidekick/updates", cfg.Updater.Dir)
	assert.Equal(t, "/var/lib/sidekick/logs", cfg.Log.Dir)
	assert.Equal(t, "127.0.0.1:9099", cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.False(t, cfg.History.Enabled)
	assert.Empty(t, cfg.History.DSN)
}

func TestLoad_Full(t *testing.T) {
	file := writeTOML(t, `
[sidecar]
binary = "/opt/sidekick/sidekick-server"
resources_dir = "/opt/sidekick/resources"
execution_dir = "/var/lib/sidekick"
protocol_version = "7"
env = ["MODE=prod"]

[identity]
host_version = "1.2.3"

[ports]
cdp = 9010
proxy = 9110
backend = 9210
extension = 9310

[supervisor]
health_interval = "10s"
process_interval = "2s"
startup_grace = "45s"
exit_timeout = "3s"
max_startup_failures = 5
max_health_failures = 4
disable_updater = true

[proxy]
host = "127.0.0.1"

[updater]
dir = "/srv/updates"
poll_interval = "1m"

[log]
level = "debug"
format = "json"
max_size_mb = 20

[metrics]
enabled = true
interval = "1s"

[server]
listen = ":9999"
base_path = "/admin"

[history]
enabled = true
`)
	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, ports.ServerPorts{CDP: 9010, Proxy: 9110, Backend: 9210, Extension: 9310}, cfg.Ports)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.HealthInterval)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.StartupGrace)
	assert.Equal(t, 4, cfg.Supervisor.MaxHealthFailures)
	assert.True(t, cfg.Supervisor.DisableUpdater)
	assert.Equal(t, "127.0.0.1", cfg.Proxy.Host)
	assert.Equal(t, "/srv/updates", cfg.Updater.Dir)
	assert.Equal(t, time.Minute, cfg.Updater.PollInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, time.Second, cfg.Metrics.Interval)
	assert.Equal(t, "sqlite:///var/lib/sidekick/history.db", cfg.History.DSN)

	lc := cfg.Logger()
	assert.Equal(t, logger.LevelDebug, lc.Slog.Level)
	assert.Equal(t, logger.FormatJSON, lc.Slog.Format)
	assert.Equal(t, 20, lc.File.MaxSizeMB)

	opts := cfg.SupervisorOptions(ports.ServerPorts{Backend: 9500})
	assert.Equal(t, "/opt/sidekick/sidekick-server", opts.BinaryPath)
	assert.Equal(t, "1.2.3", opts.HostVersion)
	assert.Equal(t, "7", opts.ProtocolVersion)
	assert.Equal(t, 3*time.Second, opts.ExitWait)
	assert.Equal(t, 9500, opts.Overrides.Backend)
	assert.Equal(t, cfg.Ports, opts.DefaultPorts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SIDEKICK_PORTS_BACKEND", "9400")
	t.Setenv("SIDEKICK_SUPERVISOR_DISABLE_SERVER", "true")
	t.Setenv("SIDEKICK_SIDECAR_EXECUTION_DIR", "/tmp/from-env")

	cfg, err := Load(writeTOML(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, 9400, cfg.Ports.Backend)
	assert.True(t, cfg.Supervisor.DisableServer)
	assert.Equal(t, "/tmp/from-env", cfg.Sidecar.ExecutionDir)
}

func TestLoad_NoFileRequiresEnv(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution_dir")

	t.Setenv("SIDEKICK_SIDECAR_EXECUTION_DIR", t.TempDir())
	t.Setenv("SIDEKICK_SIDECAR_BINARY", "/bin/true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", cfg.Sidecar.Binary)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"duplicate ports", minimal + "[ports]\ncdp = 9100\nproxy = 9100\n", "share port"},
		{"disallowed port", minimal + "[ports]\nbackend = 80\n", "not allowed"},
		{"bad format", minimal + "[log]\nformat = \"xml\"\n", "log.format"},
		{"bad base path", minimal + "[server]\nbase_path = \"api\"\n", "base_path"},
		{"no binary", "[sidecar]\nexecution_dir = \"/x\"\n", "sidecar.binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTOML(t, tt.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DisabledServerNeedsNoBinary(t *testing.T) {
	_, err := Load(writeTOML(t, "[sidecar]\nexecution_dir = \"/x\"\n[supervisor]\ndisable_server = true\n"))
	assert.NoError(t, err)
}

func TestSidecarEnv_MergeAndExpand(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\nCHAIN=${HOST_ONLY}-x\n"), 0o644))
	t.Setenv("HOST_ONLY", "hv")

	cfg := &Config{Sidecar: SidecarConfig{
		EnvFiles: []string{dotenv},
		Env:      []string{"B=override", "C=${A}${B}", "=skipped", "malformed"},
	}}
	got, err := cfg.SidecarEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=override", "CHAIN=hv-x", "C=1override"}, got)
}

func TestSidecarEnv_MissingFile(t *testing.T) {
	cfg := &Config{Sidecar: SidecarConfig{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}}
	_, err := cfg.SidecarEnv()
	assert.Error(t, err)
}
