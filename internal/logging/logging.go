// Package logging sets up the slog loggers used by the rtcore binaries.
//
// A Logger writes text or JSON records to stderr, stdout or a rotating file.
// Every record carries the binary's component name, child loggers add a
// subsystem, and attributes whose keys look like credentials are redacted.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Level is a slog level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format int

const (
	// FormatText writes logfmt-style key=value records.
	FormatText Format = iota
	// FormatJSON writes one JSON object per record.
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// Config describes where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is "stderr", "stdout", "file" or "both" (stderr and file).
	Output string

	// File output and rotation. MaxSize is in megabytes, MaxAge in days.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component is attached to every record.
	Component string
}

// DefaultConfig returns info-level text logging to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "rtcore",
	}
}

func defaultLogPath() string {
	const name = "rtcored.log"
	if dir := os.Getenv("RTCORE_DATA_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "rtcore", name)
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "rtcore", "logs", name)
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "rtcore", name)
}

// Logger is a slog.Logger that owns its log file, if any.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
}

// New builds a Logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, rotator, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(h), config: cfg, rotator: rotator}, nil
}

func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "file", "both":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, err
		}
		if strings.EqualFold(cfg.Output, "both") {
			return io.MultiWriter(os.Stderr, r), r, nil
		}
		return r, r, nil
	default:
		return os.Stderr, nil, nil
	}
}

// SetDefault makes l the process-wide slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

var redactKeys = []string{
	"password", "secret", "token", "credential", "private",
	"auth", "cookie", "api_key", "apikey", "bearer",
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, k := range redactKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// WithComponent returns a child logger tagged with a subsystem name such as
// "monitor" or "kbd". It shares the parent's file.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("subsystem", name)),
		config:  l.config,
		rotator: l.rotator,
	}
}

// Slog returns the underlying *slog.Logger for packages that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}

// Sync flushes the log file.
func (l *Logger) Sync() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Sync()
}

// Close closes the log file. Child loggers share it, so close the root only.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel maps a level name to a Level. Unknown names yield info and an
// error.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(s)]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// LevelString is the inverse of ParseLevel; unknown levels print as info.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}

// ParseFormat parses "text" or "json". The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}
