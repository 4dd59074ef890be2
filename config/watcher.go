package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bernard/ledger/pkg/logger"
)

// LiveSettings are the values a running ledgerd applies without restart.
type LiveSettings struct {
	LogLevel     string
	RecallLambda float64
	RecallLimit  int
}

// LiveSettingsOf extracts the live settings of cfg.
func LiveSettingsOf(cfg *Config) LiveSettings {
	return LiveSettings{
		LogLevel:     cfg.Log.Level,
		RecallLambda: cfg.Recall.Lambda,
		RecallLimit:  cfg.Recall.Limit,
	}
}

// restartOnly are settings read once while ledgerd starts.
var restartOnly = []struct {
	key   string
	value func(*Config) any
}{
	{"redis.address", func(c *Config) any { return c.Redis.Address }},
	{"queue.type", func(c *Config) any { return c.Queue.Type }},
	{"worker.concurrency", func(c *Config) any { return c.Worker.Concurrency }},
	{"summary.enabled", func(c *Config) any { return c.Summary.Enabled }},
	{"vector.type", func(c *Config) any { return c.Vector.Type }},
	{"sweep.enabled", func(c *Config) any { return c.Sweep.Enabled }},
	{"sweep.interval", func(c *Config) any { return c.Sweep.Interval }},
	{"http.port", func(c *Config) any { return c.HTTP.Port }},
}

// RestartRequired returns the restart-only keys whose values differ
// between the running and the reloaded configuration.
func RestartRequired(running, reloaded *Config) []string {
	var keys []string
	for _, s := range restartOnly {
		if s.value(running) != s.value(reloaded) {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// LiveChangeFunc is called with the previous and the reloaded live settings.
type LiveChangeFunc func(prev, next LiveSettings)

// Watcher reloads the configuration file when it changes. Live settings
// are handed to the registered callbacks; changed restart-only settings are
// reported in the log until the process restarts.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	debounce   time.Duration
	log        logger.Logger

	running *Config

	mu        sync.Mutex
	live      LiveSettings
	callbacks []LiveChangeFunc
	watching  bool
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// WatcherOption is a functional option for Watcher configuration.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger used for reload reports.
func WithLogger(l logger.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = l
	}
}

// NewWatcher creates a watcher for configPath. running is the configuration
// the process started with.
func NewWatcher(configPath string, loader *Loader, running *Config, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}
	if running == nil {
		return nil, fmt.Errorf("running config is required for watching")
	}

	fswatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher:    fswatcher,
		loader:     loader,
		configPath: filepath.Clean(configPath),
		debounce:   500 * time.Millisecond,
		running:    running,
		live:       LiveSettingsOf(running),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logger.OrGlobal(w.log).With("component", "config_watcher")
	return w, nil
}

// OnLiveChange registers fn. Callbacks run in registration order, only when
// a reload changes a live setting.
func (w *Watcher) OnLiveChange(fn LiveChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Watch blocks until ctx is cancelled or Stop is called. The directory of
// the file is watched so that editors replacing the file are followed.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.watching = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	}()

	if _, err := os.Stat(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.configPath, err)
	}
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.configPath, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, w.reload)
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

// reload loads the file and applies it. An invalid file leaves the running
// settings in place.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath, nil)
	if err != nil {
		w.log.Error("failed to reload config", "path", w.configPath, "error", err)
		return
	}

	if pending := RestartRequired(w.running, cfg); len(pending) > 0 {
		w.log.Warn("changed settings apply after restart", "keys", pending)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := LiveSettingsOf(cfg)
	if next == w.live {
		return
	}
	prev := w.live
	w.live = next
	for _, fn := range w.callbacks {
		w.apply(fn, prev, next)
	}
	w.log.Info("config reloaded", "path", w.configPath,
		"log_level", next.LogLevel, "recall_lambda", next.RecallLambda, "recall_limit", next.RecallLimit)
}

func (w *Watcher) apply(fn LiveChangeFunc, prev, next LiveSettings) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config callback panic", "panic", r)
		}
	}()
	fn(prev, next)
}

// Live returns the live settings currently in effect.
func (w *Watcher) Live() LiveSettings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

// IsRunning returns whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// ConfigPath returns the path being watched.
func (w *Watcher) ConfigPath() string {
	return w.configPath
}
