// Package trace replays recorded key traces as a keyboard sampler.
//
// A trace is a YAML or JSON document listing the held keys over time:
//
//	version: 1
//	loop: true
//	period_ms: 3000
//	steps:
//	  - at_ms: 0
//	    keys: []
//	  - at_ms: 200
//	    keys: [0]
//
// Documents are validated against an embedded JSON schema before use.
package trace

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"rtcore/internal/kbd"
)

const schemaURL = "https://rtcore.dev/schema/key-trace-v1.json"

//go:embed key-trace.schema.json
var schemaJSON []byte

var (
	ErrUnsupportedFormat = errors.New("trace: unsupported format")
	ErrUnsorted          = errors.New("trace: steps must be ordered by at_ms")
	ErrPeriodTooShort    = errors.New("trace: period_ms must exceed the last step")
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Step is one point of the trace: from AtMs on, Keys are held.
type Step struct {
	AtMs int64 `json:"at_ms" yaml:"at_ms"`
	Keys []int `json:"keys" yaml:"keys"`
}

// Trace is a parsed key trace.
type Trace struct {
	Version  int    `json:"version" yaml:"version"`
	Loop     bool   `json:"loop" yaml:"loop"`
	PeriodMs int64  `json:"period_ms" yaml:"period_ms"`
	Steps    []Step `json:"steps" yaml:"steps"`

	masks []kbd.KeyMask
}

// Format is a trace document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads, validates and parses the trace at path.
func Load(path string) (*Trace, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	t, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse validates and parses a trace document.
func Parse(data []byte, format Format) (*Trace, error) {
	if err := Validate(data, format); err != nil {
		return nil, err
	}

	var t Trace
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err := t.check(); err != nil {
		return nil, err
	}
	t.compile()
	return &t, nil
}

// Validate checks a document against the trace schema.
func Validate(data []byte, format Format) error {
	doc, err := decodeGeneric(data, format)
	if err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("trace schema: %w", err)
	}
	return nil
}

// decodeGeneric returns the document as plain JSON values. YAML goes through
// a JSON round trip so numbers and maps have the types the validator expects.
func decodeGeneric(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return doc, nil
	case FormatYAML:
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize yaml: %w", err)
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("normalize yaml: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (t *Trace) check() error {
	for i := 1; i < len(t.Steps); i++ {
		if t.Steps[i].AtMs < t.Steps[i-1].AtMs {
			return fmt.Errorf("%w: step %d at %dms follows %dms", ErrUnsorted, i, t.Steps[i].AtMs, t.Steps[i-1].AtMs)
		}
	}
	if t.Loop && len(t.Steps) > 0 && t.PeriodMs <= t.Steps[len(t.Steps)-1].AtMs {
		return fmt.Errorf("%w: period %dms, last step %dms", ErrPeriodTooShort, t.PeriodMs, t.Steps[len(t.Steps)-1].AtMs)
	}
	return nil
}

func (t *Trace) compile() {
	t.masks = make([]kbd.KeyMask, len(t.Steps))
	for i, st := range t.Steps {
		t.masks[i] = kbd.Keys(st.Keys...)
	}
}

// Mask returns the keys held elapsedMs after the start of the trace. It
// only reads t, so samplers may share a trace across goroutines.
func (t *Trace) Mask(elapsedMs int64) kbd.KeyMask {
	if t.Loop && t.PeriodMs > 0 {
		elapsedMs %= t.PeriodMs
	}
	// Index of the first step after elapsedMs.
	i := sort.Search(len(t.Steps), func(i int) bool { return t.Steps[i].AtMs > elapsedMs })
	if i == 0 {
		return 0
	}
	// Traces built without Parse have no compiled masks.
	if len(t.masks) != len(t.Steps) {
		return kbd.Keys(t.Steps[i-1].Keys...)
	}
	return t.masks[i-1]
}

// Duration returns the length of one pass through the trace in milliseconds.
func (t *Trace) Duration() int64 {
	if t.Loop {
		return t.PeriodMs
	}
	if len(t.Steps) == 0 {
		return 0
	}
	return t.Steps[len(t.Steps)-1].AtMs
}
