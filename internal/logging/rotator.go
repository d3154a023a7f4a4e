package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls the file over when
// it reaches MaxSize or the day changes. Rolled files are named
// <name>-<timestamp><ext>, optionally gzipped, and pruned by MaxBackups and
// MaxAge.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size, r.opened = f, info.Size(), time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.full(len(p)) {
		if err := r.rollover(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// full reports whether writing n more bytes needs a fresh file. A zero
// MaxSize only rolls over daily.
func (r *FileRotator) full(n int) bool {
	if r.maxBytes > 0 && r.size+int64(n) > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := time.Now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) rollover() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.f = nil

	rolled := r.rolledName(time.Now())
	if err := os.Rename(r.path, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	go r.archive(rolled)
	return nil
}

// rolledName returns an unused name for a file rolled over at t.
func (r *FileRotator) rolledName(t time.Time) string {
	stem, ext := r.stem()
	name := fmt.Sprintf("%s-%s%s", stem, t.Format("20060102-150405"), ext)
	for i := 1; fileExists(name) || fileExists(name+".gz"); i++ {
		name = fmt.Sprintf("%s-%s.%d%s", stem, t.Format("20060102-150405"), i, ext)
	}
	return name
}

func (r *FileRotator) stem() (string, string) {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext), ext
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// archive compresses a rolled file and prunes old ones.
func (r *FileRotator) archive(rolled string) {
	if r.compress {
		if err := gzipFile(rolled); err == nil {
			os.Remove(rolled)
		}
	}
	r.prune()
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	gz.ModTime = time.Now()

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
	}
	return err
}

// rolled lists rolled-over files, oldest first.
func (r *FileRotator) rolled() ([]string, error) {
	stem, ext := r.stem()
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	mtime := make(map[string]time.Time, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			mtime[m] = info.ModTime()
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return mtime[matches[i]].Before(mtime[matches[j]])
	})
	return matches, nil
}

func (r *FileRotator) prune() {
	files, err := r.rolled()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for i, f := range files {
		tooMany := r.maxBackups > 0 && i < len(files)-r.maxBackups
		tooOld := false
		if r.maxAge > 0 {
			if info, err := os.Stat(f); err == nil {
				tooOld = info.ModTime().Before(cutoff)
			}
		}
		if tooMany || tooOld {
			os.Remove(f)
		}
	}
}

// Files returns the current log file followed by the rolled ones.
func (r *FileRotator) Files() ([]string, error) {
	rolled, err := r.rolled()
	return append([]string{r.path}, rolled...), err
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// Close closes the current file. A later Write reopens it.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
