package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bernard/ledger/pkg/logger"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		path := writeConfig(t, "app:\n  name: test\n")
		watcher, err := NewWatcher(path, loader, DefaultConfig(), WithLogger(logger.Nop()))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != path {
			t.Errorf("expected config path %s, got %s", path, watcher.ConfigPath())
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader, DefaultConfig()); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("missing running config", func(t *testing.T) {
		if _, err := NewWatcher(writeConfig(t, "app:\n  name: test\n"), loader, nil); err == nil {
			t.Fatal("expected error without running config")
		}
	})

	t.Run("with debounce option", func(t *testing.T) {
		path := writeConfig(t, "app:\n  name: test\n")
		watcher, err := NewWatcher(path, loader, DefaultConfig(), WithDebounce(100*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
	})
}

func TestWatcher_DetectsChanges(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\nrecall:\n  lambda: 0.7\n")
	running, err := NewLoader().Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	watcher, err := NewWatcher(path, NewLoader(), running, WithLogger(logger.Nop()), WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	received := make(chan LiveSettings, 4)
	watcher.OnLiveChange(func(_, next LiveSettings) { received <- next })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go watcher.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("log:\n  level: debug\nrecall:\n  lambda: 0.4\n"), 0o644); err != nil {
		t.Fatalf("failed to update temp config: %v", err)
	}

	select {
	case next := <-received:
		if next.LogLevel != "debug" || next.RecallLambda != 0.4 {
			t.Errorf("unexpected live settings: %+v", next)
		}
	case <-ctx.Done():
		t.Fatal("expected callback after config change")
	}
	if watcher.Live().LogLevel != "debug" {
		t.Errorf("expected live log level debug, got %s", watcher.Live().LogLevel)
	}
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	watcher, err := NewWatcher(writeConfig(t, "app:\n  name: test\n"), NewLoader(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	watchErr := make(chan error, 1)
	go func() { watchErr <- watcher.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := watcher.Watch(context.Background()); err == nil {
		t.Error("expected error when starting double watch")
	}
	cancel()

	select {
	case err := <-watchErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("watcher did not stop on context cancel")
	}
}

func TestWatcher_LiveCallbacksRunInOrder(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\nrecall:\n  limit: 9\n")
	watcher, err := NewWatcher(path, NewLoader(), DefaultConfig(), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	var order []string
	var got LiveSettings
	watcher.OnLiveChange(func(prev, next LiveSettings) {
		order = append(order, "first")
		if prev.LogLevel != DefaultConfig().Log.Level {
			t.Errorf("expected previous level %s, got %s", DefaultConfig().Log.Level, prev.LogLevel)
		}
		got = next
	})
	watcher.OnLiveChange(func(LiveSettings, LiveSettings) { panic("boom") })
	watcher.OnLiveChange(func(LiveSettings, LiveSettings) { order = append(order, "third") })

	watcher.reload()

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("unexpected callback order: %v", order)
	}
	if got.LogLevel != "warn" || got.RecallLimit != 9 {
		t.Errorf("unexpected live settings: %+v", got)
	}

	// Reloading an unchanged file does not call back again.
	watcher.reload()
	if len(order) != 2 {
		t.Errorf("expected no callbacks for an unchanged file, got %v", order)
	}
}

func TestWatcher_RestartOnlyChangeSkipsCallbacks(t *testing.T) {
	running := DefaultConfig()
	path := writeConfig(t, "sweep:\n  interval: 1h\nhttp:\n  port: 9999\n")
	watcher, err := NewWatcher(path, NewLoader(), running, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	called := false
	watcher.OnLiveChange(func(LiveSettings, LiveSettings) { called = true })
	watcher.reload()

	if called {
		t.Error("callback must not run when only restart-only settings change")
	}
}

func TestWatcher_InvalidReloadSkipsCallbacks(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\nqueue:\n  type: kafka\n")
	watcher, err := NewWatcher(path, NewLoader(), DefaultConfig(), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	called := false
	watcher.OnLiveChange(func(LiveSettings, LiveSettings) { called = true })
	watcher.reload()

	if called {
		t.Fatal("callback must not run for an invalid config")
	}
	if watcher.Live().LogLevel != DefaultConfig().Log.Level {
		t.Errorf("invalid reload changed live settings: %+v", watcher.Live())
	}
}

func TestWatcher_NonExistentFile(t *testing.T) {
	watcher, err := NewWatcher("/nonexistent/ledger.yaml", NewLoader(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := watcher.Watch(ctx); err == nil {
		t.Error("expected error when watching non-existent file")
	}
}

func TestRestartRequired(t *testing.T) {
	running := DefaultConfig()

	reloaded := DefaultConfig()
	reloaded.Log.Level = "debug"
	reloaded.Recall.Lambda = 0.3
	if keys := RestartRequired(running, reloaded); len(keys) != 0 {
		t.Errorf("live settings reported as restart-only: %v", keys)
	}

	reloaded.Sweep.Interval = time.Hour
	reloaded.Summary.Enabled = !running.Summary.Enabled
	keys := RestartRequired(running, reloaded)
	if len(keys) != 2 || keys[0] != "summary.enabled" || keys[1] != "sweep.interval" {
		t.Errorf("unexpected restart-only keys: %v", keys)
	}
}
