package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"

	"github.com/paymcp/paymcp/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last change to the
// config file before reloading it.
const DefaultDebounceInterval = 250 * time.Millisecond

// PriceWatcher reloads server.prices whenever the config file changes and
// hands the new table to OnChange. A file that fails to parse or validate
// is logged and the previous prices stay in effect.
type PriceWatcher struct {
	path     string
	onChange func(map[string]decimal.Decimal)
	logger   *slog.Logger

	// Debounce collapses editors' write bursts into one reload.
	Debounce time.Duration

	mu            sync.Mutex
	fsWatcher     *fsnotify.Watcher
	cancel        context.CancelFunc
	done          chan struct{}
	debounceTimer *time.Timer
}

// NewPriceWatcher creates a watcher for the config file at path.
func NewPriceWatcher(path string, onChange func(map[string]decimal.Decimal), logger *slog.Logger) *PriceWatcher {
	return &PriceWatcher{
		path:     path,
		onChange: onChange,
		logger:   logging.Subsystem(logger, "config"),
		Debounce: DefaultDebounceInterval,
	}
}

// Start begins watching. The directory is watched rather than the file so
// that atomic replacements are seen.
func (w *PriceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsWatcher != nil {
		return nil
	}
	if w.onChange == nil {
		return errors.New("price watcher needs a change callback")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.fsWatcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.processEvents(ctx, watcher.Events, watcher.Errors)

	w.logger.Info("Watching config for price changes", "path", w.path)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *PriceWatcher) Stop() {
	w.mu.Lock()
	if w.fsWatcher == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	_ = w.fsWatcher.Close()
	w.fsWatcher = nil
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *PriceWatcher) processEvents(ctx context.Context, eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.triggerReloadDebounced(ctx)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *PriceWatcher) triggerReloadDebounced(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *PriceWatcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.Warn("Config file unavailable, keeping prices", "path", w.path, "error", err)
		return
	}
	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		w.logger.Warn("Ignoring unreadable config", "path", w.path, "error", err)
		return
	}
	table, err := cfg.Server.PriceTable()
	if err != nil {
		w.logger.Warn("Ignoring invalid prices", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Reloaded prices", "operations", len(table))
	w.onChange(table)
}
