// Package config loads, validates and hot-reloads the rtcored configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"rtcore/internal/kbd"
	"rtcore/internal/monitor"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the rtcored configuration file. Sections map one to one onto
// the daemon's subsystems.
type Config struct {
	Version  int            `toml:"version" json:"version" yaml:"version"`
	Clock    ClockConfig    `toml:"clock" json:"clock" yaml:"clock"`
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`
	Monitor  MonitorConfig  `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Tasks are the simulated tasks whose stacks are monitored.
	Tasks []TaskConfig `toml:"tasks" json:"tasks" yaml:"tasks"`

	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// HTTP serves the probes and /metrics.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

type ClockConfig struct {
	// TickHz is how many ticks make one second.
	TickHz uint32 `toml:"tick_hz" json:"tick_hz" yaml:"tick_hz"`
}

// KeyboardConfig holds keyboard pipeline timing and key selection.
type KeyboardConfig struct {
	SampleIntervalMs int `toml:"sample_interval_ms" json:"sample_interval_ms" yaml:"sample_interval_ms"`
	DebounceMs       int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	BeepMs           int `toml:"beep_ms" json:"beep_ms" yaml:"beep_ms"`
	RepeatDelayMs    int `toml:"repeat_delay_ms" json:"repeat_delay_ms" yaml:"repeat_delay_ms"`
	RepeatRateMs     int `toml:"repeat_rate_ms" json:"repeat_rate_ms" yaml:"repeat_rate_ms"`
	RepeatMaxRateMs  int `toml:"repeat_max_rate_ms" json:"repeat_max_rate_ms" yaml:"repeat_max_rate_ms"`
	RepeatAccelMs    int `toml:"repeat_accel_ms" json:"repeat_accel_ms" yaml:"repeat_accel_ms"`
	LongPressMs      int `toml:"long_press_ms" json:"long_press_ms" yaml:"long_press_ms"`

	// RepeatMask selects the keys that auto repeat.
	RepeatMask uint32 `toml:"repeat_mask" json:"repeat_mask" yaml:"repeat_mask"`

	// LongMask selects the keys subject to long-press detection. Zero
	// disables long-press handling.
	LongMask uint32 `toml:"long_mask" json:"long_mask" yaml:"long_mask"`

	// Bell rings the terminal bell for key events.
	Bell bool `toml:"bell" json:"bell" yaml:"bell"`

	// TracePath is a key trace replayed as keyboard input. Empty means the
	// keys are only driven programmatically.
	TracePath string `toml:"trace_path" json:"trace_path" yaml:"trace_path"`
}

// MonitorConfig holds stack guard configuration.
type MonitorConfig struct {
	IntervalMs         int  `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	WarnThresholdBytes int  `toml:"warn_threshold_bytes" json:"warn_threshold_bytes" yaml:"warn_threshold_bytes"`
	CellSize           int  `toml:"cell_size" json:"cell_size" yaml:"cell_size"`
	FillByte           int  `toml:"fill_byte" json:"fill_byte" yaml:"fill_byte"`
	GrowsUpward        bool `toml:"grows_upward" json:"grows_upward" yaml:"grows_upward"`
}

// TaskConfig describes one simulated task stack.
type TaskConfig struct {
	Name string `toml:"name" json:"name" yaml:"name"`

	// StackSize is the stack size in bytes.
	StackSize int `toml:"stack_size" json:"stack_size" yaml:"stack_size"`

	// Used is the simulated stack depth in bytes.
	Used int `toml:"used" json:"used" yaml:"used"`
}

type StorageConfig struct {
	// Path is the SQLite database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetainKeyEvents is how many key events to keep. Zero keeps all.
	RetainKeyEvents int `toml:"retain_key_events" json:"retain_key_events" yaml:"retain_key_events"`

	// RetainScanHours is how long stack scans are kept. Zero keeps all.
	RetainScanHours int `toml:"retain_scan_hours" json:"retain_scan_hours" yaml:"retain_scan_hours"`
}

// LoggingConfig mirrors logging.Config. MaxSizeMB, MaxBackups, MaxAgeDays
// and Compress only apply to file output.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// HTTPConfig holds the probe and metrics listener configuration.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig derives the keyboard and monitor sections from the package
// defaults, with three demo tasks and storage under DataDir.
func DefaultConfig() *Config {
	dir := DataDir()
	timing := kbd.DefaultTiming()
	mon := monitor.DefaultConfig()

	return &Config{
		Version: Version,
		Clock: ClockConfig{
			TickHz: 1000,
		},
		Keyboard: KeyboardConfig{
			SampleIntervalMs: int(timing.SampleInterval / time.Millisecond),
			DebounceMs:       int(timing.Debounce / time.Millisecond),
			BeepMs:           int(timing.Beep / time.Millisecond),
			RepeatDelayMs:    int(timing.RepeatDelay / time.Millisecond),
			RepeatRateMs:     int(timing.RepeatRate / time.Millisecond),
			RepeatMaxRateMs:  int(timing.RepeatMaxRate / time.Millisecond),
			RepeatAccelMs:    int(timing.RepeatAccel / time.Millisecond),
			LongPressMs:      int(timing.LongDelay / time.Millisecond),
			RepeatMask:       uint32(kbd.KeyBits),
			LongMask:         0,
		},
		Monitor: MonitorConfig{
			IntervalMs:         int(mon.Interval / time.Millisecond),
			WarnThresholdBytes: mon.WarnThreshold,
			CellSize:           mon.CellSize,
			FillByte:           int(mon.Fill),
			GrowsUpward:        mon.GrowsUpward,
		},
		Tasks: []TaskConfig{
			{Name: "idle", StackSize: 1024, Used: 128},
			{Name: "kbd", StackSize: 2048, Used: 640},
			{Name: "shell", StackSize: 4096, Used: 1536},
		},
		Storage: StorageConfig{
			Path:            filepath.Join(dir, "rtcore.db"),
			RetainKeyEvents: 10000,
			RetainScanHours: 24,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "rtcored.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load decodes path over the defaults and applies the environment. A
// missing file yields the defaults. Unlike Loader.Load it does not validate.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the database directory and, for file output,
// the log directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir is RTCORE_DATA_DIR if set, else PlatformDataDir.
func DataDir() string {
	if envDir := os.Getenv("RTCORE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// CrashDir is where rtcored writes crash reports.
func CrashDir() string {
	return filepath.Join(DataDir(), "crashes")
}

// ApplyEnvOverrides applies the RTCORE_* variables. RTCORE_LOG_PATH also
// switches logging to file output.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("RTCORE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("RTCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RTCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("RTCORE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}

	if v := os.Getenv("RTCORE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}

	if v := os.Getenv("RTCORE_TRACE_PATH"); v != "" {
		c.Keyboard.TracePath = v
	}

	// Unparsable numbers are ignored; validation reports the file value.
	if v := os.Getenv("RTCORE_TICK_HZ"); v != "" {
		if hz, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Clock.TickHz = uint32(hz)
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Clock:    c.Clock,
		Keyboard: c.Keyboard,
		Monitor:  c.Monitor,
		Storage:  c.Storage,
		Logging:  c.Logging,
		HTTP:     c.HTTP,
	}
	clone.Tasks = append([]TaskConfig{}, c.Tasks...)
	return clone
}

// KeyboardTiming converts the keyboard section to pipeline timing.
func (c *Config) KeyboardTiming() kbd.Timing {
	k := c.Keyboard
	return kbd.Timing{
		SampleInterval: ms(k.SampleIntervalMs),
		Debounce:       ms(k.DebounceMs),
		Beep:           ms(k.BeepMs),
		RepeatDelay:    ms(k.RepeatDelayMs),
		RepeatRate:     ms(k.RepeatRateMs),
		RepeatMaxRate:  ms(k.RepeatMaxRateMs),
		RepeatAccel:    ms(k.RepeatAccelMs),
		LongDelay:      ms(k.LongPressMs),
	}
}

// MonitorConfig converts the monitor section to stack monitor settings.
func (c *Config) MonitorConfig() monitor.Config {
	m := c.Monitor
	return monitor.Config{
		Interval:      ms(m.IntervalMs),
		WarnThreshold: m.WarnThresholdBytes,
		CellSize:      m.CellSize,
		Fill:          byte(m.FillByte),
		GrowsUpward:   m.GrowsUpward,
	}
}

// Encode writes the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return buf.Bytes(), nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
