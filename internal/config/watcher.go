package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a file for changes, re-parses it through a caller-supplied
// parse function, and calls a callback when the parsed value changes. A parse
// failure keeps the previous value, so a half-written or invalid file never
// replaces a good configuration.
//
// It polls rather than using fsnotify to keep dependencies minimal. The same
// watcher serves both the application config and the tenant catalog.
type Watcher[T any] struct {
	path     string
	interval time.Duration
	parse    func(io.Reader) (T, error)
	onChange func(old, new T)

	mu       sync.Mutex
	current  T
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(interval *time.Duration)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(interval *time.Duration) {
		if d > 0 {
			*interval = d
		}
	}
}

// NewWatcher creates a file watcher. It parses the file once immediately and
// starts polling in a background goroutine.
func NewWatcher[T any](path string, parse func(io.Reader) (T, error), onChange func(old, new T), opts ...WatcherOption) (*Watcher[T], error) {
	w := &Watcher[T]{
		path:     path,
		interval: 5 * time.Second,
		parse:    parse,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&w.interval)
	}

	val, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = val
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently parsed valid value.
func (w *Watcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher[T]) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the file and, if it has changed and parses cleanly, calls
// onChange and updates the current value.
func (w *Watcher[T]) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	val, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = val
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: file reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, val)
	}
}

// loadAndHash reads the file, parses it, and returns the value alongside the
// file's SHA-256 hash and modification time. If the content is invalid, it
// returns an error and the caller keeps the old value.
func (w *Watcher[T]) loadAndHash() (T, [sha256.Size]byte, time.Time, error) {
	var zero T
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	val, err := w.parse(bytes.NewReader(data))
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	return val, hash, info.ModTime(), nil
}
