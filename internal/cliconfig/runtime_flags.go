package cliconfig

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/connbridge/pkg/log"
)

// reloadDelay debounces bursts of file events from a single save.
const reloadDelay = 100 * time.Millisecond

// RuntimeFlags are the settings that may change while a sync runs. Flags
// given on the command line are never overridden by a reload.
type RuntimeFlags struct {
	failOnHeartbeatLoss  atomic.Bool
	logConnectorMessages atomic.Bool
	changed              map[string]bool

	mu       sync.Mutex
	debounce *time.Timer
}

// NewRuntimeFlags seeds the flags from cfg.
func NewRuntimeFlags(cfg Config, changed map[string]bool) *RuntimeFlags {
	f := &RuntimeFlags{changed: changed}
	f.failOnHeartbeatLoss.Store(cfg.FailOnHeartbeatLoss)
	f.logConnectorMessages.Store(cfg.LogConnectorMessages)
	return f
}

// Enabled reports whether a lost heartbeat fails the sync. It makes
// RuntimeFlags a heartbeat.Switch.
func (f *RuntimeFlags) Enabled() bool { return f.failOnHeartbeatLoss.Load() }

// LogConnectorMessages reports whether connector messages are logged.
func (f *RuntimeFlags) LogConnectorMessages() bool { return f.logConnectorMessages.Load() }

// Apply takes the runtime settings present in fc.
func (f *RuntimeFlags) Apply(fc FileConfig) {
	if fc.FailOnHeartbeatLoss != nil && !f.changed["fail-on-heartbeat-loss"] {
		f.failOnHeartbeatLoss.Store(*fc.FailOnHeartbeatLoss)
	}
	if fc.LogConnectorMessages != nil && !f.changed["log-connector-messages"] {
		f.logConnectorMessages.Store(*fc.LogConnectorMessages)
	}
}

// Watch reloads the runtime flags whenever the config file at path is
// written, until ctx is done. The parent directory is watched so that
// editors replacing the file are noticed.
func (f *RuntimeFlags) Watch(ctx context.Context, path string, logger log.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				f.stopDebounce()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				f.debounceReload(path, logger)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", log.Err(err))
			}
		}
	}()
	return nil
}

func (f *RuntimeFlags) debounceReload(path string, logger log.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.debounce != nil {
		f.debounce.Stop()
	}
	f.debounce = time.AfterFunc(reloadDelay, func() {
		fc, err := LoadFileConfig(path)
		if err != nil {
			logger.Warn("failed to reload config", log.String("path", path), log.Err(err))
			return
		}
		f.Apply(fc)
		logger.Info("runtime flags reloaded",
			log.Bool("fail_on_heartbeat_loss", f.Enabled()),
			log.Bool("log_connector_messages", f.LogConnectorMessages()),
		)
	})
}

func (f *RuntimeFlags) stopDebounce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debounce != nil {
		f.debounce.Stop()
	}
}
