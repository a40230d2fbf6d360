package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Check] when the file on disk still
// holds the active configuration.
var ErrUnchanged = errors.New("config: unchanged")

// fingerprint identifies one version of the config file.
type fingerprint struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher keeps the active configuration in step with a YAML file. The file is
// polled on an interval and can also be checked on demand (SIGHUP). Edits that
// fail validation are logged and the active configuration stays in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, next *Config)
	log      *slog.Logger

	// checkMu serialises checks so callbacks arrive in file order.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero or negative disables polling,
// leaving [Watcher.Check] as the only trigger. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the file at path and starts polling it. onChange is called
// with the previous and the new configuration after every accepted edit; it
// may be nil. Call [Watcher.Stop] when done.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, fp

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Check re-reads the file now. It returns [ErrUnchanged] when the content
// matches the active configuration and the load or validation error when the
// edit was rejected. On success the change callback has already run.
func (w *Watcher) Check() error {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	cfg, fp, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config reloaded",
		"path", w.path,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-t.C:
		}
		if !w.modified() {
			continue
		}
		switch err := w.Check(); {
		case err == nil, errors.Is(err, ErrUnchanged):
		default:
			w.log.Warn("config edit rejected, keeping active config", "path", w.path, "err", err)
		}
	}
}

// modified reports whether the file's modification time moved since the last
// read. Stat failures count as modified so the error surfaces through Check.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.seen.modTime)
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
