package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rtcore/internal/kbd"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("RTCORE_DATA_DIR", "/var/lib/rtcore-test")

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := CheckConfig(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Keyboard.SampleIntervalMs != 10 || cfg.Keyboard.DebounceMs != 30 {
		t.Errorf("unexpected keyboard timing: %+v", cfg.Keyboard)
	}
	if cfg.Monitor.IntervalMs != 500 || cfg.Monitor.WarnThresholdBytes != 32 {
		t.Errorf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Monitor.FillByte != 0xA5 {
		t.Errorf("expected fill byte 0xA5, got %#x", cfg.Monitor.FillByte)
	}
	if cfg.Storage.Path != "/var/lib/rtcore-test/rtcore.db" {
		t.Errorf("storage path should live in the data dir: %s", cfg.Storage.Path)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "rtcore") {
		t.Errorf("config path should contain rtcore: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Keyboard.RepeatDelayMs != 400 {
		t.Errorf("expected default repeat delay, got %d", cfg.Keyboard.RepeatDelayMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[keyboard]
debounce_ms = 50
repeat_mask = 0x0F
long_mask = 0x10

[monitor]
interval_ms = 250
fill_byte = 0xCC
grows_upward = true

[[tasks]]
name = "main"
stack_size = 8192
used = 4096

[storage]
path = "/tmp/rt.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Keyboard.DebounceMs != 50 {
		t.Errorf("expected debounce 50, got %d", cfg.Keyboard.DebounceMs)
	}
	if cfg.Keyboard.RepeatDelayMs != 400 {
		t.Errorf("unset fields should keep defaults, got repeat delay %d", cfg.Keyboard.RepeatDelayMs)
	}
	if kbd.KeyMask(cfg.Keyboard.LongMask) != kbd.Key(4) {
		t.Errorf("unexpected long mask %#x", cfg.Keyboard.LongMask)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Name != "main" {
		t.Errorf("tasks should be replaced, got %+v", cfg.Tasks)
	}

	mc := cfg.MonitorConfig()
	if mc.Interval != 250*time.Millisecond || mc.Fill != 0xCC || !mc.GrowsUpward {
		t.Errorf("unexpected monitor config: %+v", mc)
	}
	if err := CheckConfig(cfg); err != nil {
		t.Errorf("config should be valid: %v", err)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "keyboard:\n  repeat_rate_ms: 80\nhttp:\n  addr: \"0.0.0.0:9000\"\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Keyboard.RepeatRateMs != 80 || cfg.HTTP.Addr != "0.0.0.0:9000" {
		t.Errorf("YAML values not applied: %+v %+v", cfg.Keyboard, cfg.HTTP)
	}

	jsonPath := filepath.Join(dir, "config.json")
	jsonContent := `{"clock": {"tick_hz": 10000}, "logging": {"level": "debug"}}`
	if err := os.WriteFile(jsonPath, []byte(jsonContent), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Clock.TickHz != 10000 || cfg.Logging.Level != "debug" {
		t.Errorf("JSON values not applied: %+v %+v", cfg.Clock, cfg.Logging)
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"toml", "[keyboard]\ndebounce_ms = 40\n"},
		{"json", `{"keyboard": {"debounce_ms": 40}}`},
		{"yaml", "keyboard:\n  debounce_ms: 40\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".conf")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Keyboard.DebounceMs != 40 {
				t.Errorf("debounce_ms = %d, want 40", cfg.Keyboard.DebounceMs)
			}
		})
	}

	path := filepath.Join(dir, "garbage.conf")
	if err := os.WriteFile(path, []byte("\t- [ : }"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparsable file")
	}
}

func TestSaveUnknownExtensionWritesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcore.conf")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[keyboard]") {
		t.Errorf("expected TOML output, got:\n%s", data)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[keyboard\ndebounce_ms = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RTCORE_STORAGE_PATH", "/env/rt.db")
	t.Setenv("RTCORE_LOG_LEVEL", "warn")
	t.Setenv("RTCORE_LOG_PATH", "/env/rt.log")
	t.Setenv("RTCORE_HTTP_ADDR", "127.0.0.1:1")
	t.Setenv("RTCORE_TICK_HZ", "2000")
	t.Setenv("RTCORE_TRACE_PATH", "/env/trace.yaml")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/env/rt.db" {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/env/rt.log" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.HTTP.Addr != "127.0.0.1:1" {
		t.Errorf("http addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Clock.TickHz != 2000 {
		t.Errorf("tick hz = %d", cfg.Clock.TickHz)
	}
	if cfg.Keyboard.TracePath != "/env/trace.yaml" {
		t.Errorf("trace path = %s", cfg.Keyboard.TracePath)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 9 }, "version"},
		{"zero sample interval", func(c *Config) { c.Keyboard.SampleIntervalMs = 0 }, "keyboard.sample_interval_ms"},
		{"floor slower than rate", func(c *Config) { c.Keyboard.RepeatMaxRateMs = 200 }, "keyboard.repeat_max_rate_ms"},
		{"debounce below sample", func(c *Config) { c.Keyboard.DebounceMs = 5 }, "keyboard.debounce_ms"},
		{"reserved repeat bit", func(c *Config) { c.Keyboard.RepeatMask = uint32(kbd.KeyRepeat) }, "keyboard.repeat_mask"},
		{"cell size", func(c *Config) { c.Monitor.CellSize = 3 }, "monitor.cell_size"},
		{"fill byte", func(c *Config) { c.Monitor.FillByte = 256 }, "monitor.fill_byte"},
		{"unnamed task", func(c *Config) { c.Tasks[0].Name = "" }, "tasks[0].name"},
		{"duplicate task", func(c *Config) { c.Tasks[1].Name = c.Tasks[0].Name }, "tasks[1].name"},
		{"used beyond stack", func(c *Config) { c.Tasks[0].Used = c.Tasks[0].StackSize + 1 }, "tasks[0].used"},
		{"misaligned stack", func(c *Config) { c.Tasks[0].StackSize = 1022 }, "tasks[0].stack_size"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"http addr", func(c *Config) { c.HTTP.Addr = "nope" }, "http.addr"},
		{"tick hz", func(c *Config) { c.Clock.TickHz = 10 }, "clock.tick_hz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := CheckConfig(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should match ErrInvalidConfig: %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %s in %v", tt.field, verrs)
			}
		})
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keyboard.TracePath = filepath.Join(t.TempDir(), "missing.yaml")
	cfg.Keyboard.LongMask = uint32(kbd.Key(0))

	err := ValidateConfig(cfg)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs.Warnings()) != 2 {
		t.Errorf("expected 2 warnings, got %v", verrs.Warnings())
	}
	if verrs.HasErrors() {
		t.Errorf("warnings only, got errors %v", verrs.Errors())
	}
	if err := CheckConfig(cfg); err != nil {
		t.Errorf("CheckConfig should ignore warnings: %v", err)
	}
}

func TestKeyboardTiming(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.KeyboardTiming(); got != kbd.DefaultTiming() {
		t.Errorf("default keyboard timing mismatch: %+v", got)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Tasks[0].Name = "changed"
	clone.Keyboard.DebounceMs = 99

	if cfg.Tasks[0].Name == "changed" {
		t.Error("clone shares the tasks slice")
	}
	if cfg.Keyboard.DebounceMs == 99 {
		t.Error("clone shares keyboard settings")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.Keyboard.LongMask = uint32(kbd.Key(7))
			cfg.Keyboard.RepeatMask = uint32(kbd.Keys(0, 1))
			cfg.Tasks = []TaskConfig{{Name: "only", StackSize: 512, Used: 100}}

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Keyboard.LongMask != cfg.Keyboard.LongMask || loaded.Keyboard.RepeatMask != cfg.Keyboard.RepeatMask {
				t.Errorf("masks not preserved: %+v", loaded.Keyboard)
			}
			if len(loaded.Tasks) != 1 || loaded.Tasks[0] != cfg.Tasks[0] {
				t.Errorf("tasks not preserved: %+v", loaded.Tasks)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected the config to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate second call failed: %v", err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[keyboard]\ndebounce_ms = 30\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// An invalid edit is reported and does not replace the config.
	if err := os.WriteFile(path, []byte("[keyboard]\ndebounce_ms = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-l.Errors():
		if err == nil {
			t.Error("expected a reload error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload error reported")
	}
	if l.Config().Keyboard.DebounceMs != 30 {
		t.Errorf("invalid reload replaced config: %d", l.Config().Keyboard.DebounceMs)
	}

	if err := os.WriteFile(path, []byte("[keyboard]\ndebounce_ms = 60\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changed:
		if c.Keyboard.DebounceMs != 60 {
			t.Errorf("reloaded debounce = %d, want 60", c.Keyboard.DebounceMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
	if l.Config().Keyboard.DebounceMs != 60 {
		t.Errorf("loader config not updated")
	}
}
