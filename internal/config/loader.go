package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long the file must stay quiet before a change is reloaded.
// Editors often save with several writes or a rename.
const settle = 100 * time.Millisecond

// Loader owns the configuration read from one file and reloads it when the
// file changes. A reload that fails to parse or validate is reported on
// Errors and the previous configuration stays current.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	stop    sync.Once
	errs    chan error
}

// NewLoader returns a Loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		done: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

// build reads, overrides and validates the file. Warnings do not fail it.
func (l *Loader) build() (*Config, error) {
	cfg, err := readFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := CheckConfig(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads the file and makes the result current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.build()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration, nil before a successful Load.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run with each configuration a reload accepts.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Errors delivers reload and watcher errors. It holds one pending error;
// later ones are dropped until it is drained.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch starts reloading on changes to the file. The directory is watched
// so that atomic replaces are seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.build()
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	l.current = cfg
	listeners := append(([]func(*Config))(nil), l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.stop.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// LoadOrCreate loads path, first writing the defaults there if it does not
// exist. The bool reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err := NewLoader(path).Load()
	return cfg, false, err
}
