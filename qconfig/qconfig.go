// Package qconfig loads run.QueueConfig from YAML and hot-reloads the
// bounded mutable subset spec.md §6.4/SPEC_FULL §10.3 allow to change
// without a restart: retention_days and the log level. Every other key
// is immutable per manager instance; a change to one of those on disk
// is rejected with a logged warning rather than applied.
package qconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arcflow/agentqueue/run"
)

// fileConfig mirrors run.QueueConfig's YAML shape plus the one
// ambient key (log_level) that lives outside the core's config
// surface (spec.md §1: configuration loading is out of scope for the
// core itself, so the ambient binary's config superset lives here).
type fileConfig struct {
	run.QueueConfig `yaml:",inline"`
	LogLevel        string `yaml:"log_level"`
}

// Load reads and parses a YAML config file, applying run.DefaultQueueConfig
// as the base before unmarshaling so a partial file only overrides what
// it names.
func Load(path string) (run.QueueConfig, string, error) {
	base := fileConfig{QueueConfig: run.DefaultQueueConfig(), LogLevel: "info"}

	data, err := os.ReadFile(path)
	if err != nil {
		return run.QueueConfig{}, "", fmt.Errorf("qconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return run.QueueConfig{}, "", fmt.Errorf("qconfig: parse %s: %w", path, err)
	}
	return base.QueueConfig, base.LogLevel, nil
}

// Update is pushed to subscribers when retention_days or log_level
// changes on disk. Zero value for a field means "unchanged."
type Update struct {
	RetentionDays *int
	LogLevel      *string
}

// Watcher tails one config file and emits Updates for its mutable
// subset, logging and discarding attempted changes to immutable keys.
// A single fsnotify watch on the file's directory, debounce-free, with
// a buffered channel of reload events.
type Watcher struct {
	path    string
	updates chan Update
	logger  *zap.Logger
}

// NewWatcher builds a Watcher for the config file at path. logger may
// be nil, in which case all logging is discarded.
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, updates: make(chan Update, 8), logger: logger}
}

// Updates returns the channel Start pushes config changes onto.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Start watches path for writes and diffs the reloaded config against
// prev, emitting an Update only for the mutable keys that actually
// changed. It runs until ctx is done.
func (w *Watcher) Start(ctx context.Context, prev run.QueueConfig, prevLogLevel string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("qconfig: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("qconfig: watch %s: %w", w.path, err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.updates)

		current, currentLogLevel := prev, prevLogLevel
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				next, nextLogLevel, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config reload failed, keeping previous config", zap.String("path", w.path), zap.Error(err))
					continue
				}

				update, rejected := diff(current, currentLogLevel, next, nextLogLevel)
				for _, field := range rejected {
					w.logger.Warn("config field changed on disk but is immutable per manager instance; ignoring", zap.String("field", field))
				}
				if update != (Update{}) {
					select {
					case w.updates <- update:
					default:
						w.logger.Warn("config update channel full, dropping reload", zap.String("path", w.path))
					}
				}
				current, currentLogLevel = next, nextLogLevel

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// diff reports which mutable keys changed (as an Update) and which
// immutable keys were attempted (as field names for a warning log).
func diff(prev run.QueueConfig, prevLogLevel string, next run.QueueConfig, nextLogLevel string) (Update, []string) {
	var update Update
	var rejected []string

	if next.RetentionDays != prev.RetentionDays {
		days := next.RetentionDays
		update.RetentionDays = &days
	}
	if nextLogLevel != prevLogLevel {
		level := nextLogLevel
		update.LogLevel = &level
	}

	if next.MaxConcurrentGlobal != prev.MaxConcurrentGlobal {
		rejected = append(rejected, "max_concurrent_global")
	}
	if next.MaxConcurrentPerAgent != prev.MaxConcurrentPerAgent {
		rejected = append(rejected, "max_concurrent_per_agent")
	}
	if next.MaxQueueSize != prev.MaxQueueSize {
		rejected = append(rejected, "max_queue_size")
	}
	if next.EnablePersistence != prev.EnablePersistence {
		rejected = append(rejected, "enable_persistence")
	}
	if next.DBPath != prev.DBPath {
		rejected = append(rejected, "db_path")
	}

	return update, rejected
}
