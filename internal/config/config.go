package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/supervisor"
	"github.com/loykin/sidekick/internal/updater"
)

// EnvPrefix is the prefix of environment overrides, e.g. SIDEKICK_PORTS_BACKEND.
const EnvPrefix = "SIDEKICK"

// Config represents the top-level TOML structure.
type Config struct {
	Sidecar    SidecarConfig         `toml:"sidecar" mapstructure:"sidecar"`
	Identity   IdentityConfig        `toml:"identity" mapstructure:"identity"`
	Ports      ports.ServerPorts     `toml:"ports" mapstructure:"ports"`
	Supervisor SupervisorConfig      `toml:"supervisor" mapstructure:"supervisor"`
	Proxy      ProxyConfig           `toml:"proxy" mapstructure:"proxy"`
	Updater    UpdaterConfig         `toml:"updater" mapstructure:"updater"`
	Log        LogConfig             `toml:"log" mapstructure:"log"`
	Metrics    metrics.SamplerConfig `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig          `toml:"server" mapstructure:"server"`
	History    HistoryConfig         `toml:"history" mapstructure:"history"`
}

// SidecarConfig locates the bundled sidecar build and its environment.
type SidecarConfig struct {
	Binary          string   `toml:"binary" mapstructure:"binary"`
	ResourcesDir    string   `toml:"resources_dir" mapstructure:"resources_dir"`
	ExecutionDir    string   `toml:"execution_dir" mapstructure:"execution_dir"`
	ProtocolVersion string   `toml:"protocol_version" mapstructure:"protocol_version"`
	Env             []string `toml:"env" mapstructure:"env"`
	EnvFiles        []string `toml:"env_files" mapstructure:"env_files"`
}

type IdentityConfig struct {
	HostVersion string `toml:"host_version" mapstructure:"host_version"`
}

type SupervisorConfig struct {
	HealthInterval     time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	ProcessInterval    time.Duration `toml:"process_interval" mapstructure:"process_interval"`
	StartupGrace       time.Duration `toml:"startup_grace" mapstructure:"startup_grace"`
	ExitTimeout        time.Duration `toml:"exit_timeout" mapstructure:"exit_timeout"`
	MaxStartupFailures int           `toml:"max_startup_failures" mapstructure:"max_startup_failures"`
	MaxHealthFailures  int           `toml:"max_health_failures" mapstructure:"max_health_failures"`
	DisableServer      bool          `toml:"disable_server" mapstructure:"disable_server"`
	DisableUpdater     bool          `toml:"disable_updater" mapstructure:"disable_updater"`
}

type ProxyConfig struct {
	Host            string        `toml:"host" mapstructure:"host"`
	UpstreamTimeout time.Duration `toml:"upstream_timeout" mapstructure:"upstream_timeout"`
}

type UpdaterConfig struct {
	Dir          string        `toml:"dir" mapstructure:"dir"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ServerConfig is the admin API. An empty Listen disables it.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	d := ports.Defaults()
	v.SetDefault("sidecar.protocol_version", "1")
	v.SetDefault("ports.cdp", d.CDP)
	v.SetDefault("ports.proxy", d.Proxy)
	v.SetDefault("ports.backend", d.Backend)
	v.SetDefault("ports.extension", d.Extension)
	v.SetDefault("supervisor.health_interval", supervisor.DefaultHealthInterval)
	v.SetDefault("supervisor.process_interval", supervisor.DefaultProcessInterval)
	v.SetDefault("supervisor.startup_grace", supervisor.DefaultStartupGrace)
	v.SetDefault("supervisor.exit_timeout", supervisor.DefaultExitWait)
	v.SetDefault("supervisor.max_startup_failures", supervisor.DefaultMaxStartupFailures)
	v.SetDefault("supervisor.max_health_failures", supervisor.DefaultMaxHealthFailures)
	v.SetDefault("supervisor.disable_server", false)
	v.SetDefault("supervisor.disable_updater", false)
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.upstream_timeout", 300*time.Second)
	v.SetDefault("updater.poll_interval", updater.DefaultPollInterval)
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.interval", 5*time.Second)
	v.SetDefault("metrics.max_history", 100)
	v.SetDefault("server.listen", "127.0.0.1:9099")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("history.enabled", false)
}

// Load reads the TOML file at path, applies SIDEKICK_* environment
// overrides and defaults, and validates the result. An empty path loads
// defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	// AutomaticEnv only covers keys viper already knows about.
	for _, k := range []string{"sidecar.binary", "sidecar.resources_dir", "sidecar.execution_dir",
		"identity.host_version", "updater.dir", "log.dir", "history.dsn"} {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default to locations under the execution dir.
func (c *Config) applyDerived() {
	exec := c.Sidecar.ExecutionDir
	if exec == "" {
		return
	}
	if c.Updater.Dir == "" {
		c.Updater.Dir = filepath.Join(exec, updater.DirName)
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(exec, "logs")
	}
	if c.History.Enabled && c.History.DSN == "" {
		c.History.DSN = "sqlite://" + filepath.Join(exec, "history.db")
	}
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Sidecar.ExecutionDir == "" {
		errs = append(errs, errors.New("sidecar.execution_dir is required"))
	}
	if !c.Supervisor.DisableServer && c.Sidecar.Binary == "" {
		errs = append(errs, errors.New("sidecar.binary is required unless the server is disabled"))
	}
	if err := c.Ports.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ports: %w", err))
	}
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

// Logger returns the logger settings for the supervisor and sidecar logs.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Source:     c.Log.Source,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// SupervisorOptions maps the configuration onto supervisor.Options. [ports]
// only seeds the preferences; the persisted values win once written, so only
// command-line overrides are pinned.
func (c *Config) SupervisorOptions(overrides ports.ServerPorts) supervisor.Options {
	return supervisor.Options{
		DefaultPorts:       c.Ports,
		ExecutionDir:       c.Sidecar.ExecutionDir,
		BinaryPath:         c.Sidecar.Binary,
		ResourcesDir:       c.Sidecar.ResourcesDir,
		HostVersion:        c.Identity.HostVersion,
		ProtocolVersion:    c.Sidecar.ProtocolVersion,
		Overrides:          overrides,
		DisableServer:      c.Supervisor.DisableServer,
		DisableUpdater:     c.Supervisor.DisableUpdater,
		HealthInterval:     c.Supervisor.HealthInterval,
		ProcessInterval:    c.Supervisor.ProcessInterval,
		StartupGrace:       c.Supervisor.StartupGrace,
		ExitWait:           c.Supervisor.ExitTimeout,
		MaxHealthFailures:  c.Supervisor.MaxHealthFailures,
		MaxStartupFailures: c.Supervisor.MaxStartupFailures,
	}
}

// SidecarEnv merges env_files (in order) and then the env list into
// "KEY=VALUE" entries passed to the sidecar on top of the host environment.
// Values may reference ${VAR} from earlier entries or the host environment.
func (c *Config) SidecarEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	put := func(k, val string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = os.Expand(val, func(name string) string {
			if v, ok := m[name]; ok {
				return v
			}
			return os.Getenv(name)
		})
	}
	for _, p := range c.Sidecar.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			put(kv[0], kv[1])
		}
	}
	for _, kv := range c.Sidecar.Env {
		if k, val, ok := strings.Cut(kv, "="); ok && k != "" {
			put(k, val)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, [2]string{k, strings.TrimSpace(v)})
			}
		}
	}
	return out, nil
}
