package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type codec struct {
	name   string
	decode func([]byte, *Config) error
	encode func(*Config) ([]byte, error)
}

var (
	tomlCodec = codec{
		name: "TOML",
		decode: func(b []byte, c *Config) error {
			_, err := toml.Decode(string(b), c)
			return err
		},
		encode: (*Config).Encode,
	}
	jsonCodec = codec{
		name:   "JSON",
		decode: func(b []byte, c *Config) error { return json.Unmarshal(b, c) },
		encode: func(c *Config) ([]byte, error) { return json.MarshalIndent(c, "", "  ") },
	}
	yamlCodec = codec{
		name:   "YAML",
		decode: func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
		encode: func(c *Config) ([]byte, error) { return yaml.Marshal(c) },
	}
)

// codecs maps file extensions to formats, in FindConfigFile search order.
var codecs = []struct {
	ext string
	c   codec
}{
	{"toml", tomlCodec},
	{"json", jsonCodec},
	{"yaml", yamlCodec},
	{"yml", yamlCodec},
}

func codecFor(path string) (codec, bool) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	for _, e := range codecs {
		if e.ext == ext {
			return e.c, true
		}
	}
	return codec{}, false
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	exts := make([]string, len(codecs))
	for i, e := range codecs {
		exts[i] = e.ext
	}
	return exts
}

// readFile decodes path over the defaults. A missing file is not an error.
// Files without a known extension are tried as TOML, JSON and YAML in turn.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if c, ok := codecFor(path); ok {
		cfg := DefaultConfig()
		if err := c.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		return cfg, nil
	}

	for _, c := range []codec{tomlCodec, jsonCodec, yamlCodec} {
		cfg := DefaultConfig()
		if c.decode(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("parse config %s: not TOML, JSON or YAML", path)
}

// SaveConfig writes cfg to path in the format named by its extension, TOML
// when the extension is unknown.
func SaveConfig(cfg *Config, path string) error {
	c, ok := codecFor(path)
	if !ok {
		c = tomlCodec
	}
	data, err := c.encode(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
