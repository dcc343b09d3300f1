// Package listener implements the Listener Registry (C4): discovery,
// validation, hot reload, and enablement tracking for Lua-scripted
// listener modules under a configured directory — the statically
// compiled rendering of spec.md §9's "embedded scripts loaded into a
// sandbox" design note, grounded on inbucket-inbucket's
// pkg/extension/luahost for the compile-once/pool-per-script pattern.
package listener

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// ChangeCallback is invoked after a successful hot reload with the full
// config list (enabled and disabled), matching spec.md §6's
// registry-change host callback.
type ChangeCallback func([]types.ListenerConfig)

// Registry scans Dir for .lua listener files and maintains the active
// (enabled) dispatch set plus the full config list for UI listing.
type Registry struct {
	dir    string
	logger *logrus.Logger

	mu       sync.RWMutex
	active   map[string]*Module          // enabled, dispatchable
	allByID  map[string]types.ListenerConfig
	onChange ChangeCallback

	watcher *watcher
}

// New creates a Registry scanning dir. It does not load anything until
// LoadAll is called.
func New(dir string, logger *logrus.Logger) *Registry {
	return &Registry{
		dir:     dir,
		logger:  logger,
		active:  make(map[string]*Module),
		allByID: make(map[string]types.ListenerConfig),
	}
}

// OnChange registers the callback invoked after every successful reload.
func (r *Registry) OnChange(cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = cb
}

// LoadAll clears the active set, scans Dir, loads every eligible file,
// and registers a module for dispatch only if config+handler are both
// present and config.enabled is true. A single file's load failure is
// logged and skipped; it does not abort the scan.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.swap(map[string]*Module{}, map[string]types.ListenerConfig{})
			return nil
		}
		return err
	}

	newActive := make(map[string]*Module)
	newAll := make(map[string]types.ListenerConfig)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !eligible(name) {
			continue
		}

		path := filepath.Join(r.dir, name)
		source, err := os.ReadFile(path)
		if err != nil {
			r.logger.WithError(err).WithField("file", name).Warn("failed to read listener file")
			continue
		}

		mod, err := loadModule(path, string(source))
		if err != nil {
			r.logger.WithError(err).WithField("file", name).Warn("failed to load listener")
			continue
		}

		newAll[mod.Config.ID] = mod.Config
		if mod.Config.Enabled {
			newActive[mod.Config.ID] = mod
		}
	}

	r.swap(newActive, newAll)
	return nil
}

// eligible reports whether filename should be considered a listener
// source file: .lua extension, not dotfile- or underscore-prefixed.
func eligible(filename string) bool {
	if strings.HasPrefix(filename, ".") || strings.HasPrefix(filename, "_") {
		return false
	}
	return filepath.Ext(filename) == ".lua"
}

// swap atomically replaces the active set and full config list, closing
// the previous active modules' Lua states and firing the change
// callback with the new config list.
func (r *Registry) swap(active map[string]*Module, all map[string]types.ListenerConfig) {
	r.mu.Lock()
	old := r.active
	r.active = active
	r.allByID = all
	cb := r.onChange
	r.mu.Unlock()

	for id, mod := range old {
		if active[id] != mod {
			mod.close()
		}
	}

	if cb != nil {
		cb(r.GetAll())
	}
}

// GetAll returns every known listener's config, active or not, sorted
// by id for deterministic UI listing.
func (r *Registry) GetAll() []types.ListenerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ListenerConfig, 0, len(r.allByID))
	for _, cfg := range r.allByID {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the active module for id, if any is currently dispatchable.
func (r *Registry) Get(id string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.active[id]
	return mod, ok
}

// ForEvent returns every active module whose config.event matches kind,
// the set the Dispatcher invokes for checkEvent(kind, ...).
func (r *Registry) ForEvent(kind types.EventKind) []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Module
	for _, mod := range r.active {
		if mod.Config.Event == kind {
			out = append(out, mod)
		}
	}
	return out
}

// Stats summarizes the active listener set plus totals across all known
// listeners (enabled or not), per spec.md §4.4.
func (r *Registry) Stats() types.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := types.RegistryStats{
		Total:    len(r.allByID),
		Enabled:  len(r.active),
		PerEvent: make(map[types.EventKind]int),
	}
	for _, cfg := range r.allByID {
		stats.PerEvent[cfg.Event]++
	}
	return stats
}

// Close tears down every active module's Lua state pool and stops the
// directory watcher, if one was started.
func (r *Registry) Close() {
	r.mu.Lock()
	active := r.active
	r.active = map[string]*Module{}
	r.mu.Unlock()
	for _, mod := range active {
		mod.close()
	}
	if r.watcher != nil {
		r.watcher.stop()
	}
}
