// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package console

import (
	"context"
	"strings"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/plugin"
	"github.com/chatrelay/chatrelay/internal/session"
)

// Directory lists connected clients for the "list" command.
type Directory interface {
	Sessions() []*session.Session
}

// Commands wires the operator command set into the hub.
type Commands struct {
	console   *Console
	manager   *plugin.Manager
	directory Directory
	shutdown  context.CancelFunc
}

// RegisterCommands registers the built-in operator commands. shutdown is
// invoked by the "stop" command.
func RegisterCommands(hub *event.Hub, console *Console, manager *plugin.Manager, directory Directory, shutdown context.CancelFunc) {
	c := &Commands{
		console:   console,
		manager:   manager,
		directory: directory,
		shutdown:  shutdown,
	}

	const owner = "console"
	hub.AddListener("command_help", c.help, event.WithOwner(owner))
	hub.AddListener("command_list", c.list, event.WithOwner(owner))
	hub.AddListener("command_stop", c.stop, event.WithOwner(owner))
	hub.AddListener("command_plugin_list", c.pluginList, event.WithOwner(owner))
	hub.AddListener("command_plugin_add", c.pluginAdd, event.WithOwner(owner))
	hub.AddListener("command_plugin_remove", c.pluginRemove, event.WithOwner(owner))
	hub.AddListener("command_plugin_reload", c.pluginReload, event.WithOwner(owner))
}

func (c *Commands) help(_ context.Context, _ ...any) error {
	c.console.Printf("commands: %s", strings.Join(c.console.registry.Words(), ", "))
	return nil
}

func (c *Commands) list(_ context.Context, _ ...any) error {
	sessions := c.directory.Sessions()
	if len(sessions) == 0 {
		c.console.Printf("no clients connected")
		return nil
	}
	c.console.Printf("connected clients (%d):", len(sessions))
	for _, sess := range sessions {
		c.console.Printf("- %s (%s) %s",
			sess.Name(),
			sess.DisplayName(),
			sess.Conn().RemoteAddr(),
		)
	}
	return nil
}

func (c *Commands) stop(_ context.Context, _ ...any) error {
	c.console.Printf("shutting down")
	c.shutdown()
	return nil
}

func (c *Commands) pluginList(_ context.Context, _ ...any) error {
	described := c.manager.Describe()
	if len(described) == 0 {
		c.console.Printf("no plugins loaded")
		return nil
	}
	c.console.Printf("loaded plugins (%d):", len(described))
	for _, name := range c.manager.Names() {
		c.console.Printf("- %s: %s", name, described[name])
	}
	return nil
}

func (c *Commands) pluginAdd(ctx context.Context, args ...any) error {
	name, ok := firstString(args)
	if !ok {
		c.console.Printf("usage: plugin add <name>")
		return nil
	}
	if err := c.manager.Load(ctx, name); err != nil {
		c.console.Printf("load failed: %v", err)
		return nil
	}
	c.console.Printf("plugin %s loaded", name)
	return nil
}

func (c *Commands) pluginRemove(ctx context.Context, args ...any) error {
	name, ok := firstString(args)
	if !ok {
		c.console.Printf("usage: plugin remove <name>")
		return nil
	}
	// Builtins ship with the relay; unloading them is a restart-level
	// decision, not a console one.
	if c.manager.IsBuiltin(name) {
		c.console.Printf("plugin %s is built in and cannot be removed", name)
		return nil
	}
	if err := c.manager.Unload(ctx, name); err != nil {
		c.console.Printf("unload failed: %v", err)
		return nil
	}
	c.console.Printf("plugin %s unloaded", name)
	return nil
}

func (c *Commands) pluginReload(ctx context.Context, args ...any) error {
	name, ok := firstString(args)
	if !ok {
		if err := c.manager.ReloadAll(ctx); err != nil {
			c.console.Printf("reload finished with errors: %v", err)
			return nil
		}
		c.console.Printf("all plugins reloaded")
		return nil
	}
	if err := c.manager.Reload(ctx, name); err != nil {
		c.console.Printf("reload failed: %v", err)
		return nil
	}
	c.console.Printf("plugin %s reloaded", name)
	return nil
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
