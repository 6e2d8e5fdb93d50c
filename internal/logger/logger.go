package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// SupervisorLogName is the base name of the supervisor's own log file.
const SupervisorLogName = "sidekick"

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the supervisor's structured logger.
type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool // colored console output via tint (text format only)
	TimeStamps bool
	Source     bool
}

// FileConfig describes rotated log files.
// If StdoutPath/StderrPath are empty and Dir is set, sidecar streams go to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config joins console logging and file rotation settings.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// NewSlogger builds the supervisor logger writing to stderr, and additionally
// to Dir/sidekick.log when a file Dir is configured.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.File.Dir != "" {
		w = io.MultiWriter(os.Stderr, c.File.rotating(filepath.Join(c.File.Dir, SupervisorLogName+".log")))
	}
	return c.NewSloggerTo(w)
}

// NewSloggerTo builds the supervisor logger on an arbitrary writer.
func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	return slog.New(c.Slog.handler(w))
}

func (s SlogConfig) handler(w io.Writer) slog.Handler {
	level := s.Level.slogLevel()
	var replace func([]string, slog.Attr) slog.Attr
	if !s.TimeStamps {
		replace = dropTime
	}
	if s.Format == FormatJSON {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: s.Source, ReplaceAttr: replace})
	}
	if s.Color {
		return tint.NewHandler(w, &tint.Options{
			Level:       level,
			AddSource:   s.Source,
			TimeFormat:  time.DateTime,
			ReplaceAttr: replace,
		})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: s.Source, ReplaceAttr: replace})
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns rotated writers for a child process's stdout and
// stderr. A stream without a path yields a nil writer.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers is ProcessWriters on the file settings alone.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
