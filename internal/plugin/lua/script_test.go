// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package lua

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/plugin"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	except string
	event  string
	args   []any
}

func (f *fakeBroadcaster) Broadcast(event string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{event: event, args: args})
}

func (f *fakeBroadcaster) BroadcastExcept(except, event string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{except: except, event: event, args: args})
}

func (f *fakeBroadcaster) snapshot() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcastCall(nil), f.calls...)
}

// writeScript lays out a plugin directory with a manifest and main.lua.
func writeScript(t *testing.T, name, source string) (*plugin.Manifest, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0o600))

	manifest := &plugin.Manifest{Name: name, Entry: "main.lua", Description: "test script"}
	return manifest, dir
}

func setupScript(t *testing.T, source string) (plugin.Plugin, *event.Hub, *fakeBroadcaster) {
	t.Helper()

	manifest, dir := writeScript(t, "testscript", source)
	p, err := NewPlugin(manifest, dir)
	require.NoError(t, err)

	hub := event.New()
	b := &fakeBroadcaster{}
	host := plugin.NewHost(p.Name(), hub, b)
	require.NoError(t, p.Setup(context.Background(), host))
	t.Cleanup(func() {
		if un, ok := p.(plugin.Unloader); ok {
			un.Unload(context.Background())
		}
	})
	return p, hub, b
}

func TestScript_ListenerReceivesEvents(t *testing.T) {
	_, hub, b := setupScript(t, `
function setup(hub)
    hub.add_listener("player_chat", function(client, player, text)
        hub.broadcast("chat", client, player .. ": " .. text)
    end)
end
`)

	require.Equal(t, 1, hub.ListenerCount("player_chat"))
	hub.Dispatch(context.Background(), "player_chat", "survival", "Steve", "hi")
	hub.Drain()

	calls := b.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "chat", calls[0].event)
	assert.Equal(t, []any{"survival", "Steve: hi"}, calls[0].args)
}

func TestScript_BroadcastExcept(t *testing.T) {
	_, hub, b := setupScript(t, `
function setup(hub)
    hub.add_listener("chat", function(client, text)
        hub.broadcast_except(client, "chat", client, text)
    end)
end
`)

	hub.Dispatch(context.Background(), "chat", "survival", "hello")
	hub.Drain()

	calls := b.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "survival", calls[0].except)
}

func TestScript_MissingSetupFails(t *testing.T) {
	manifest, dir := writeScript(t, "nosetup", `local x = 1`)
	p, err := NewPlugin(manifest, dir)
	require.NoError(t, err)

	err = p.Setup(context.Background(), plugin.NewHost("nosetup", event.New(), nil))
	require.Error(t, err)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, plugin.CodeNoEntryPoint, oopsErr.Code())
}

func TestScript_SyntaxErrorFails(t *testing.T) {
	manifest, dir := writeScript(t, "broken", `function setup( -- unterminated`)
	p, err := NewPlugin(manifest, dir)
	require.NoError(t, err)

	err = p.Setup(context.Background(), plugin.NewHost("broken", event.New(), nil))
	require.Error(t, err)
}

func TestScript_RuntimeErrorBecomesListenerError(t *testing.T) {
	_, hub, _ := setupScript(t, `
function setup(hub)
    hub.add_listener("chat", function()
        error("script exploded")
    end)
end
`)

	caught := make(chan error, 1)
	hub.AddListener(event.ErrorEvent, func(_ context.Context, args ...any) error {
		caught <- args[1].(error)
		return nil
	})

	hub.Dispatch(context.Background(), "chat")
	hub.Drain()

	select {
	case err := <-caught:
		assert.Contains(t, err.Error(), "script exploded")
	default:
		t.Fatal("listener error was not propagated")
	}
}

func TestScript_UnloadHooksRun(t *testing.T) {
	manifest, dir := writeScript(t, "hooked", `
hooks = {}
function setup(hub) end
function on_unload_before() hooks[#hooks+1] = "before" end
function on_unload() hooks[#hooks+1] = "after" end
`)
	p, err := NewPlugin(manifest, dir)
	require.NoError(t, err)

	hub := event.New()
	require.NoError(t, p.Setup(context.Background(), plugin.NewHost("hooked", hub, nil)))

	// Hooks must run without error; state is gone afterwards.
	p.(plugin.PreUnloader).PreUnload(context.Background())
	p.(plugin.Unloader).Unload(context.Background())

	// A listener firing after unload is a no-op, not a crash.
	hub.Dispatch(context.Background(), "chat")
	hub.Drain()
}

func TestScript_ReloadPicksUpChangedSource(t *testing.T) {
	manifest, dir := writeScript(t, "mutable", `
function setup(hub)
    hub.add_listener("probe", function() hub.broadcast("version", 1) end)
end
`)
	p, err := NewPlugin(manifest, dir)
	require.NoError(t, err)

	hub := event.New()
	b := &fakeBroadcaster{}
	host := plugin.NewHost("mutable", hub, b)
	require.NoError(t, p.Setup(context.Background(), host))

	hub.Dispatch(context.Background(), "probe")
	hub.Drain()

	// Simulate an operator editing the script, then a manager reload:
	// unload, re-create, setup.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`
function setup(hub)
    hub.add_listener("probe", function() hub.broadcast("version", 2) end)
end
`), 0o600))

	p.(plugin.Unloader).Unload(context.Background())
	hub.RemoveOwner(host.Owner())

	p2, err := NewPlugin(manifest, dir)
	require.NoError(t, err)
	require.NoError(t, p2.Setup(context.Background(), plugin.NewHost("mutable", hub, b)))
	t.Cleanup(func() { p2.(plugin.Unloader).Unload(context.Background()) })

	hub.Dispatch(context.Background(), "probe")
	hub.Drain()

	calls := b.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, []any{float64(1)}, calls[0].args)
	assert.Equal(t, []any{float64(2)}, calls[1].args)
}

func TestConvert_TablesRoundTrip(t *testing.T) {
	_, hub, b := setupScript(t, `
function setup(hub)
    hub.add_listener("probe", function(list, map)
        hub.broadcast("echo", list, map, {1, "two", true})
    end)
end
`)

	hub.Dispatch(context.Background(), "probe",
		[]any{"a", "b"},
		map[string]any{"k": "v"},
	)
	hub.Drain()

	calls := b.snapshot()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].args, 3)
	assert.Equal(t, []any{"a", "b"}, calls[0].args[0])
	assert.Equal(t, map[string]any{"k": "v"}, calls[0].args[1])
	assert.Equal(t, []any{float64(1), "two", true}, calls[0].args[2])
}
