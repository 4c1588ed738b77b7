// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/event"
)

// Error codes.
const (
	CodeNotFound        = "EXTENSION_NOT_FOUND"
	CodeAlreadyLoaded   = "EXTENSION_ALREADY_LOADED"
	CodeNoEntryPoint    = "NO_ENTRY_POINT"
	CodeSetupFailed     = "SETUP_FAILED"
	CodeBadManifest     = "BAD_MANIFEST"
	CodeAPIIncompatible = "API_INCOMPATIBLE"
	CodeBuiltin         = "EXTENSION_BUILTIN"
)

// Factory constructs a built-in plugin instance.
type Factory func() Plugin

// ScriptLoader turns a validated manifest into a plugin. Wired to the lua
// runtime at startup; kept as an injection point so this package does not
// depend on the script engine.
type ScriptLoader func(manifest *Manifest, dir string) (Plugin, error)

type loaded struct {
	plugin  Plugin
	builtin bool
	dir     string // script directory; empty for builtins
}

// Manager owns the set of loaded plugins.
type Manager struct {
	hub         *event.Hub
	broadcaster Broadcaster
	scriptDir   string
	loader      ScriptLoader
	blocked     []glob.Glob

	mu       sync.Mutex
	builtins map[string]Factory
	plugins  map[string]*loaded
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithScriptLoader wires the script runtime.
func WithScriptLoader(loader ScriptLoader) ManagerOption {
	return func(m *Manager) { m.loader = loader }
}

// WithBroadcaster wires the client-facing broadcaster into plugin hosts.
func WithBroadcaster(b Broadcaster) ManagerOption {
	return func(m *Manager) { m.broadcaster = b }
}

// WithBlockList compiles glob patterns of plugin names that LoadDir and
// Load must refuse.
func WithBlockList(patterns []string) ManagerOption {
	return func(m *Manager) {
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				slog.Warn("ignoring bad disabled_plugins pattern", "pattern", p, "error", err)
				continue
			}
			m.blocked = append(m.blocked, g)
		}
	}
}

// NewManager creates a manager. scriptDir is scanned by LoadDir.
func NewManager(hub *event.Hub, scriptDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		hub:       hub,
		scriptDir: scriptDir,
		builtins:  make(map[string]Factory),
		plugins:   make(map[string]*loaded),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterBuiltin makes a Go plugin available under its factory's name.
// Builtins are loaded through the same Load path as scripts.
func (m *Manager) RegisterBuiltin(factory Factory) {
	name := factory().Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtins[name] = factory
}

// Load loads a plugin by name: a registered builtin, or a script directory
// under the script dir.
func (m *Manager) Load(ctx context.Context, name string) error {
	if m.isBlocked(name) {
		return oops.Code(CodeNotFound).
			With("plugin", name).
			Errorf("plugin is disabled by configuration")
	}

	m.mu.Lock()
	if _, ok := m.plugins[name]; ok {
		m.mu.Unlock()
		return oops.Code(CodeAlreadyLoaded).
			With("plugin", name).
			Errorf("plugin already loaded")
	}
	factory, isBuiltin := m.builtins[name]
	m.mu.Unlock()

	var (
		p   Plugin
		dir string
		err error
	)
	if isBuiltin {
		p = factory()
	} else {
		dir = filepath.Join(m.scriptDir, name)
		p, err = m.loadScript(dir)
		if err != nil {
			return err
		}
	}

	return m.setup(ctx, p, isBuiltin, dir)
}

// Unload runs unload hooks, detaches the plugin's listeners, and forgets it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	l, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
	}
	m.mu.Unlock()

	if !ok {
		return oops.Code(CodeNotFound).
			With("plugin", name).
			Errorf("plugin not loaded")
	}

	m.teardown(ctx, l)
	slog.Info("plugin unloaded", "plugin", name)
	return nil
}

// Reload unloads then loads a plugin. Scripts are re-read from disk, so a
// changed source file takes effect.
func (m *Manager) Reload(ctx context.Context, name string) error {
	if err := m.Unload(ctx, name); err != nil {
		return err
	}
	return m.Load(ctx, name)
}

// ReloadAll reloads every loaded plugin, continuing past individual
// failures. It returns the first error encountered.
func (m *Manager) ReloadAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.Names() {
		if err := m.Reload(ctx, name); err != nil {
			slog.Error("plugin reload failed", "plugin", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoadDir loads every builtin plus every script directory under the script
// dir, skipping names starting with "_" and blocked names. Individual
// failures are logged and do not stop the scan.
func (m *Manager) LoadDir(ctx context.Context) {
	m.mu.Lock()
	builtinNames := make([]string, 0, len(m.builtins))
	for name := range m.builtins {
		builtinNames = append(builtinNames, name)
	}
	m.mu.Unlock()
	sort.Strings(builtinNames)

	for _, name := range builtinNames {
		if m.isBlocked(name) {
			slog.Info("skipping disabled plugin", "plugin", name)
			continue
		}
		if err := m.Load(ctx, name); err != nil {
			slog.Error("builtin plugin failed to load", "plugin", name, "error", err)
		}
	}

	if m.scriptDir == "" || m.loader == nil {
		return
	}
	entries, err := os.ReadDir(m.scriptDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot scan plugins directory", "dir", m.scriptDir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		if m.isBlocked(name) {
			slog.Info("skipping disabled plugin", "plugin", name)
			continue
		}
		if err := m.Load(ctx, name); err != nil {
			slog.Error("script plugin failed to load", "plugin", name, "error", err)
		}
	}
}

// UnloadAll unloads every plugin, used at shutdown.
func (m *Manager) UnloadAll(ctx context.Context) {
	for _, name := range m.Names() {
		_ = m.Unload(ctx, name)
	}
}

// Names returns the loaded plugin names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name -> description for loaded plugins.
func (m *Manager) Describe() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.plugins))
	for name, l := range m.plugins {
		out[name] = l.plugin.Description()
	}
	return out
}

// IsBuiltin reports whether name is a registered builtin.
func (m *Manager) IsBuiltin(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.builtins[name]
	return ok
}

func (m *Manager) loadScript(dir string) (Plugin, error) {
	if m.loader == nil {
		return nil, oops.Code(CodeNotFound).
			With("dir", dir).
			Errorf("no script loader configured")
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	return m.loader(manifest, dir)
}

// setup runs Setup with rollback: a failed Setup leaves no listeners behind.
func (m *Manager) setup(ctx context.Context, p Plugin, builtin bool, dir string) error {
	name := p.Name()
	host := NewHost(name, m.hub, m.broadcaster)

	if err := p.Setup(ctx, host); err != nil {
		m.hub.RemoveOwner(host.Owner())
		return oops.Code(CodeSetupFailed).
			With("plugin", name).
			Wrapf(err, "plugin setup failed")
	}

	m.mu.Lock()
	if _, ok := m.plugins[name]; ok {
		m.mu.Unlock()
		m.hub.RemoveOwner(host.Owner())
		return oops.Code(CodeAlreadyLoaded).
			With("plugin", name).
			Errorf("plugin already loaded")
	}
	m.plugins[name] = &loaded{plugin: p, builtin: builtin, dir: dir}
	m.mu.Unlock()

	slog.Info("plugin loaded", "plugin", name, "builtin", builtin)
	return nil
}

func (m *Manager) teardown(ctx context.Context, l *loaded) {
	ctx, cancel := context.WithTimeout(ctx, unloadTimeout)
	defer cancel()

	if pre, ok := l.plugin.(PreUnloader); ok {
		pre.PreUnload(ctx)
	}
	m.hub.RemoveOwner("plugin:" + l.plugin.Name())
	if un, ok := l.plugin.(Unloader); ok {
		un.Unload(ctx)
	}
}

func (m *Manager) isBlocked(name string) bool {
	for _, g := range m.blocked {
		if g.Match(name) {
			return true
		}
	}
	return false
}
