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

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the current configuration.
var ErrUnchanged = errors.New("config: unchanged")

// fingerprint identifies one revision of the config file. The hash decides
// whether content changed; mtime and size only gate the read.
type fingerprint struct {
	mtime time.Time
	size  int64
	hash  [sha256.Size]byte
}

func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.mtime.Equal(info.ModTime()) && f.size == info.Size()
}

// Watcher keeps the agent configuration in sync with a YAML file. It polls
// the file and hands every valid revision to onChange together with the one
// it replaces. Invalid revisions are reported and skipped, so the last valid
// configuration stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)
	log      *slog.Logger

	// reload serialises polls and explicit reloads.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fingerprint

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

// WithLogger sets the logger for reload and parse failures.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithErrorHandler receives every revision that failed to load or validate.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it in the background. The initial
// load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
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

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Calling Stop more than once is safe.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now, regardless of its modification time. It returns
// [ErrUnchanged] when the content is identical to the current revision and
// the load or validation error when the file is invalid; onChange runs
// before Reload returns otherwise.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()
	return w.apply()
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick reloads when the file's stat changed since the last revision seen.
func (w *Watcher) tick() {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.sameStat(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	if err := w.apply(); err != nil && !errors.Is(err, ErrUnchanged) {
		// Remember the bad revision so it is reported once.
		w.mu.Lock()
		w.seen.mtime, w.seen.size = info.ModTime(), info.Size()
		w.mu.Unlock()

		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// apply reads the file and installs it when its content changed. The caller
// holds w.reload.
func (w *Watcher) apply() error {
	cfg, fp, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if fp.hash == w.seen.hash {
		w.seen = fp
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path, "changes", describe(Diff(old, cfg)))
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read parses and validates the file, returning its fingerprint.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), size: info.Size(), hash: sha256.Sum256(data)}, nil
}

// describe names the settings d touches, for the reload log line.
func describe(d ConfigDiff) []string {
	var out []string
	add := func(changed bool, name string) {
		if changed {
			out = append(out, name)
		}
	}
	add(d.LogLevelChanged, "server.log_level")
	add(d.Agent.VoiceChanged, "agent.voice")
	add(d.Agent.ToneChanged, "agent.tone")
	add(d.Agent.RateChanged, "agent.speaking_rate")
	add(d.Agent.AmbienceChanged, "agent.ambience")
	add(d.KnowledgeChanged, "knowledge")
	return append(out, d.RestartRequired...)
}
