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

// snapshot is one parsed-and-validated read of the config file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls the config file so operators can retune the extraction
// vocabulary or switch log levels without restarting mid-consultation.
// Invalid edits are rejected and the last valid config stays active.
// Polling is deliberate: the config lives on all kinds of mounts
// (ConfigMaps, NFS) where inotify is unreliable.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)

	mu      sync.Mutex
	current *Config
	last    snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. On every meaningful change, onChange receives the old and new
// configs together with their [ConfigDiff]; edits that parse to an
// equivalent config (reordered keys, comments) are absorbed silently.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = snap.cfg
	w.last = snap

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep checks the file for a change and applies it when valid.
func (w *Watcher) sweep() {
	// Cheap mtime gate before reading and hashing the file.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: rejected config edit, keeping active config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.last.sum {
		// Touched, same bytes.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = snap.cfg
	w.last = snap
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	if d.Empty() {
		slog.Debug("config watcher: edit with no effective change", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path, "providers_changed", d.ProvidersChanged)

	// The callback runs outside the lock so it may call Current().
	if w.onChange != nil {
		w.onChange(old, snap.cfg, d)
	}
}

// read parses and validates the file, hashing the raw bytes for change
// detection. An invalid file returns an error and the active config stays.
func (w *Watcher) read() (snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
