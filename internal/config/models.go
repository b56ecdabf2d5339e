package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// ModelAssignments holds the role-to-model mapping as an immutable
// snapshot. Reload replaces the whole snapshot atomically; in-flight tasks
// keep using the snapshot they resolved at start, new lookups see the new
// one.
type ModelAssignments struct {
	defaultModel string
	snapshot     atomic.Pointer[map[string]string]
}

// NewModelAssignments creates a snapshot holder seeded from cfg.
func NewModelAssignments(cfg *Config) *ModelAssignments {
	m := &ModelAssignments{defaultModel: cfg.Inference.DefaultModel}
	assignments := make(map[string]string, len(cfg.Models.Assignments))
	for role, model := range cfg.Models.Assignments {
		assignments[role] = model
	}
	m.snapshot.Store(&assignments)
	return m
}

// ModelFor resolves the model identifier for a logical role, falling back
// to the configured default model.
func (m *ModelAssignments) ModelFor(role string) string {
	assignments := *m.snapshot.Load()
	if model, ok := assignments[role]; ok && model != "" {
		return model
	}
	return m.defaultModel
}

// Replace swaps in a new assignment map.
func (m *ModelAssignments) Replace(assignments map[string]string) {
	copied := make(map[string]string, len(assignments))
	for role, model := range assignments {
		copied[role] = model
	}
	m.snapshot.Store(&copied)
}

// Snapshot returns a copy of the current assignments.
func (m *ModelAssignments) Snapshot() map[string]string {
	current := *m.snapshot.Load()
	copied := make(map[string]string, len(current))
	for role, model := range current {
		copied[role] = model
	}
	return copied
}

// WatchAssignments watches a YAML file holding a models.assignments block
// and replaces the snapshot on every change. It returns a stop function.
//
// Only the model mapping is hot-reloadable; every other config section is
// fixed for the process lifetime.
func WatchAssignments(path string, m *ModelAssignments, logger *zap.Logger) (func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				assignments, err := loadAssignmentsFile(path)
				if err != nil {
					logger.Warn("model assignment reload failed",
						zap.String("path", path),
						zap.Error(err))
					continue
				}
				m.Replace(assignments)
				logger.Info("model assignments reloaded",
					zap.String("path", path),
					zap.Int("roles", len(assignments)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("model assignment watcher error", zap.Error(err))
			}
		}
	}()

	return watcher.Close, nil
}

func loadAssignmentsFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read assignments file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse assignments file: %w", err)
	}

	assignments := k.StringMap("models.assignments")
	if len(assignments) == 0 {
		// Also accept a bare assignments: block.
		assignments = k.StringMap("assignments")
	}
	if len(assignments) == 0 {
		return nil, fmt.Errorf("no model assignments found in %s", path)
	}
	return assignments, nil
}
