// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package plugin manages the lifecycle of relay extensions: built-in Go
// plugins and operator-provided scripts.
package plugin

import (
	"context"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
)

// APIVersion is the plugin API exposed by this relay build. Script
// manifests declare a semver constraint against it.
const APIVersion = "1.0.0"

// Broadcaster sends events to connected clients. Satisfied by the server.
type Broadcaster interface {
	Broadcast(event string, args ...any)
	BroadcastExcept(except, event string, args ...any)
}

// Plugin is one loadable extension.
type Plugin interface {
	// Name is the unique registration key.
	Name() string
	// Description is a one-line summary shown by the console.
	Description() string
	// Setup registers listeners and acquires resources. A returned error
	// aborts the load and rolls back any listeners already registered.
	Setup(ctx context.Context, host *Host) error
}

// PreUnloader is implemented by plugins that need to run before their
// listeners are detached.
type PreUnloader interface {
	PreUnload(ctx context.Context)
}

// Unloader is implemented by plugins that release resources after their
// listeners are detached.
type Unloader interface {
	Unload(ctx context.Context)
}

// Host is the per-plugin view of the relay handed to Setup. Listeners
// registered through it are tagged with the plugin's name so unload can
// find them.
type Host struct {
	name        string
	hub         *event.Hub
	broadcaster Broadcaster
}

// NewHost builds a host scoped to the named plugin.
func NewHost(name string, hub *event.Hub, b Broadcaster) *Host {
	return &Host{name: name, hub: hub, broadcaster: b}
}

// PluginName returns the owning plugin's name.
func (h *Host) PluginName() string { return h.name }

// AddListener registers a hub listener owned by this plugin.
func (h *Host) AddListener(name string, fn event.Listener, opts ...event.ListenerOption) {
	opts = append([]event.ListenerOption{event.WithOwner(h.Owner())}, opts...)
	h.hub.AddListener(name, fn, opts...)
}

// Dispatch feeds an event back into the hub.
func (h *Host) Dispatch(ctx context.Context, name string, args ...any) {
	h.hub.Dispatch(ctx, name, args...)
}

// Broadcast sends an event to all connected clients.
func (h *Host) Broadcast(event string, args ...any) {
	if h.broadcaster != nil {
		h.broadcaster.Broadcast(event, args...)
	}
}

// BroadcastExcept sends an event to all clients but one.
func (h *Host) BroadcastExcept(except, event string, args ...any) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastExcept(except, event, args...)
	}
}

// Owner is the hub owner tag for this plugin's listeners.
func (h *Host) Owner() string { return "plugin:" + h.name }

// unloadTimeout bounds PreUnload/Unload hooks so a stuck plugin cannot
// wedge the manager.
const unloadTimeout = 10 * time.Second
