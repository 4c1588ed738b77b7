// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package lua runs operator-provided script plugins on an embedded Lua
// interpreter. Each plugin owns one interpreter state; reloading a plugin
// discards the state and re-executes the source, so edits take effect
// without restarting the relay.
package lua

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	glua "github.com/yuin/gopher-lua"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/plugin"
)

// CodeScriptError marks a Lua runtime failure.
const CodeScriptError = "SCRIPT_ERROR"

// NewPlugin is a plugin.ScriptLoader: it wraps a manifest-described script
// directory without executing anything yet. Execution happens in Setup.
func NewPlugin(manifest *plugin.Manifest, dir string) (plugin.Plugin, error) {
	return &scriptPlugin{manifest: manifest, dir: dir}, nil
}

// scriptPlugin is one Lua plugin instance. The interpreter state is not
// goroutine safe, so every entry into Lua holds mu.
type scriptPlugin struct {
	manifest *plugin.Manifest
	dir      string

	mu    sync.Mutex
	state *glua.LState
}

func (p *scriptPlugin) Name() string        { return p.manifest.Name }
func (p *scriptPlugin) Description() string { return p.manifest.Description }

// Setup creates a fresh interpreter, runs the script, and calls its
// required setup(hub) entry point.
func (p *scriptPlugin) Setup(ctx context.Context, host *plugin.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	L := glua.NewState()
	p.state = L

	entry := filepath.Join(p.dir, p.manifest.Entry)
	if err := L.DoFile(entry); err != nil {
		p.closeLocked()
		return oops.Code(CodeScriptError).
			With("plugin", p.Name()).
			With("entry", entry).
			Wrapf(err, "executing plugin script")
	}

	setup := L.GetGlobal("setup")
	if setup.Type() != glua.LTFunction {
		p.closeLocked()
		return oops.Code(plugin.CodeNoEntryPoint).
			With("plugin", p.Name()).
			Errorf("script does not define setup(hub)")
	}

	if err := L.CallByParam(glua.P{
		Fn:      setup,
		NRet:    0,
		Protect: true,
	}, p.hubTable(L, ctx, host)); err != nil {
		p.closeLocked()
		return oops.Code(CodeScriptError).
			With("plugin", p.Name()).
			Wrapf(err, "plugin setup() failed")
	}
	return nil
}

// PreUnload calls the optional on_unload_before() global.
func (p *scriptPlugin) PreUnload(context.Context) {
	p.callOptional("on_unload_before")
}

// Unload calls the optional on_unload() global and discards the state.
func (p *scriptPlugin) Unload(context.Context) {
	p.callOptional("on_unload")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *scriptPlugin) callOptional(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return
	}
	fn := p.state.GetGlobal(name)
	if fn.Type() != glua.LTFunction {
		return
	}
	if err := p.state.CallByParam(glua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		slog.Warn("plugin unload hook failed",
			"plugin", p.Name(),
			"hook", name,
			"error", err,
		)
	}
}

func (p *scriptPlugin) closeLocked() {
	if p.state != nil {
		p.state.Close()
		p.state = nil
	}
}

// hubTable builds the table handed to setup(hub), exposing the host API
// to the script.
func (p *scriptPlugin) hubTable(L *glua.LState, ctx context.Context, host *plugin.Host) *glua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "add_listener", L.NewFunction(func(L *glua.LState) int {
		eventName := L.CheckString(1)
		fn := L.CheckFunction(2)
		host.AddListener(eventName, p.luaListener(eventName, fn))
		return 0
	}))

	L.SetField(tbl, "broadcast", L.NewFunction(func(L *glua.LState) int {
		eventName := L.CheckString(1)
		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		host.Broadcast(eventName, args...)
		return 0
	}))

	L.SetField(tbl, "broadcast_except", L.NewFunction(func(L *glua.LState) int {
		except := L.CheckString(1)
		eventName := L.CheckString(2)
		args := make([]any, 0, L.GetTop()-2)
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		host.BroadcastExcept(except, eventName, args...)
		return 0
	}))

	L.SetField(tbl, "dispatch", L.NewFunction(func(L *glua.LState) int {
		eventName := L.CheckString(1)
		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		host.Dispatch(ctx, eventName, args...)
		return 0
	}))

	L.SetField(tbl, "log", L.NewFunction(func(L *glua.LState) int {
		slog.Info(L.CheckString(1), "plugin", p.Name())
		return 0
	}))

	return tbl
}

// luaListener adapts a Lua function into a hub listener. Session arguments
// are reduced to the client name; scripts see plain values only.
func (p *scriptPlugin) luaListener(eventName string, fn *glua.LFunction) event.Listener {
	return func(_ context.Context, args ...any) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.state == nil {
			return nil
		}

		largs := make([]glua.LValue, len(args))
		for i, a := range args {
			largs[i] = toLua(p.state, a)
		}

		if err := p.state.CallByParam(glua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, largs...); err != nil {
			return oops.Code(CodeScriptError).
				With("plugin", p.Name()).
				With("event", eventName).
				Wrap(err)
		}
		return nil
	}
}
