package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"rtcore/internal/kbd"
)

// ErrInvalidConfig matches every ValidationErrors via errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one problem with one field. Warnings describe settings
// that work but probably do not do what was meant.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the problem is non-fatal.
func (e *ValidationError) IsWarning() bool { return e.Warning }

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

func (e ValidationErrors) filter(warning bool) ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.IsWarning() == warning {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the non-fatal problems.
func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }

// Errors returns the fatal problems.
func (e ValidationErrors) Errors() ValidationErrors { return e.filter(false) }

// HasErrors reports whether any problem is fatal.
func (e ValidationErrors) HasErrors() bool { return len(e.Errors()) > 0 }

// RequiredFieldError reports an empty mandatory field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError reports a value outside [min, max].
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}

type checks struct {
	errs ValidationErrors
}

func (v *checks) fail(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *checks) warn(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (v *checks) add(e *ValidationError) { v.errs = append(v.errs, *e) }

func (v *checks) atLeastOneMs(field string, n int) {
	if n < 1 {
		v.fail(field, "must be at least 1 ms")
	}
}

func (v *checks) nonNegative(field string, n int) {
	if n < 0 {
		v.fail(field, "cannot be negative")
	}
}

func (v *checks) oneOf(field, got string, valid ...string) {
	for _, ok := range valid {
		if got == ok {
			return
		}
	}
	v.fail(field, "invalid value %q (valid: %s)", got, strings.Join(valid, ", "))
}

// ValidateConfig returns every problem in c, warnings included, as
// ValidationErrors, or nil. CheckConfig ignores the warnings.
func ValidateConfig(c *Config) error {
	var v checks

	if c.Version < 1 || c.Version > Version {
		v.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	if c.Clock.TickHz < 100 || c.Clock.TickHz > 1_000_000 {
		v.add(RangeError("clock.tick_hz", 100, 1_000_000))
	}
	v.keyboard(&c.Keyboard, c.Clock.TickHz)
	v.monitor(&c.Monitor)
	v.tasks(c.Tasks, c.Monitor.CellSize)

	if c.Storage.Path == "" {
		v.add(RequiredFieldError("storage.path"))
	}
	v.nonNegative("storage.retain_key_events", c.Storage.RetainKeyEvents)
	v.nonNegative("storage.retain_scan_hours", c.Storage.RetainScanHours)

	v.logging(&c.Logging)

	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
			v.fail("http.addr", "invalid listen address %q: %v", c.HTTP.Addr, err)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// CheckConfig is ValidateConfig without the warnings.
func CheckConfig(c *Config) error {
	err := ValidateConfig(c)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	if fatal := verrs.Errors(); len(fatal) > 0 {
		return fatal
	}
	return nil
}

func (v *checks) keyboard(k *KeyboardConfig, hz uint32) {
	v.atLeastOneMs("keyboard.sample_interval_ms", k.SampleIntervalMs)
	v.atLeastOneMs("keyboard.debounce_ms", k.DebounceMs)
	v.atLeastOneMs("keyboard.repeat_delay_ms", k.RepeatDelayMs)
	v.atLeastOneMs("keyboard.repeat_rate_ms", k.RepeatRateMs)
	v.atLeastOneMs("keyboard.repeat_max_rate_ms", k.RepeatMaxRateMs)
	v.atLeastOneMs("keyboard.long_press_ms", k.LongPressMs)
	v.nonNegative("keyboard.beep_ms", k.BeepMs)
	v.nonNegative("keyboard.repeat_accel_ms", k.RepeatAccelMs)

	if k.RepeatMaxRateMs > k.RepeatRateMs {
		v.fail("keyboard.repeat_max_rate_ms", "floor %d ms is slower than the initial rate %d ms",
			k.RepeatMaxRateMs, k.RepeatRateMs)
	}
	// A debounce window shorter than one sample is never observed.
	if k.SampleIntervalMs > 0 && k.DebounceMs > 0 && k.DebounceMs < k.SampleIntervalMs {
		v.fail("keyboard.debounce_ms", "shorter than the sample interval (%d ms)", k.SampleIntervalMs)
	}
	if hz > 0 && k.SampleIntervalMs > 0 && int64(k.SampleIntervalMs)*int64(hz) < 1000 {
		v.fail("keyboard.sample_interval_ms", "shorter than one clock tick")
	}

	if k.RepeatMask&^uint32(kbd.KeyBits) != 0 {
		v.fail("keyboard.repeat_mask", "uses reserved control bits")
	}
	if k.LongMask&^uint32(kbd.KeyBits) != 0 {
		v.fail("keyboard.long_mask", "uses reserved control bits")
	} else if k.RepeatMask&k.LongMask != 0 {
		v.warn("keyboard.long_mask", "overlaps repeat_mask; long-press keys are held back before repeat sees them")
	}

	if k.TracePath != "" {
		if _, err := os.Stat(k.TracePath); err != nil {
			v.warn("keyboard.trace_path", "trace not readable: %v", err)
		}
	}
}

func (v *checks) monitor(m *MonitorConfig) {
	v.atLeastOneMs("monitor.interval_ms", m.IntervalMs)
	v.nonNegative("monitor.warn_threshold_bytes", m.WarnThresholdBytes)
	switch m.CellSize {
	case 1, 2, 4, 8:
	default:
		v.fail("monitor.cell_size", "invalid cell size %d (valid: 1, 2, 4, 8)", m.CellSize)
	}
	if m.FillByte < 0 || m.FillByte > 0xFF {
		v.add(RangeError("monitor.fill_byte", 0, 0xFF))
	}
}

func (v *checks) tasks(tasks []TaskConfig, cell int) {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.Name == "":
			v.add(RequiredFieldError(field + ".name"))
		case seen[t.Name]:
			v.fail(field+".name", "duplicate task name %q", t.Name)
		}
		seen[t.Name] = true

		switch {
		case t.StackSize <= 0:
			v.fail(field+".stack_size", "must be positive")
		case cell > 0 && t.StackSize%cell != 0:
			v.fail(field+".stack_size", "not a multiple of the cell size %d", cell)
		}
		if t.Used < 0 || t.Used > t.StackSize {
			v.add(RangeError(field+".used", 0, t.StackSize))
		}
	}
}

func (v *checks) logging(l *LoggingConfig) {
	v.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	v.oneOf("logging.format", l.Format, "text", "json")
	v.oneOf("logging.output", l.Output, "stdout", "stderr", "file")
	if l.Output == "file" && l.FilePath == "" {
		v.fail("logging.file_path", "required when output is \"file\"")
	}
	if l.MaxSizeMB < 1 {
		v.fail("logging.max_size_mb", "must be at least 1 MB")
	}
	v.nonNegative("logging.max_backups", l.MaxBackups)
	v.nonNegative("logging.max_age_days", l.MaxAgeDays)
}
