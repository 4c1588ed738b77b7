// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package chat relays player chat and join/leave notices between game
// servers.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatrelay/chatrelay/internal/plugin"
)

// Speaker is the slice of a session the chat plugin needs.
type Speaker interface {
	Name() string
	DisplayName() string
}

// Plugin relays chat lines to every server except the one that produced
// them, so no server echoes its own players.
type Plugin struct{}

// New creates the chat plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return "chat" }
func (p *Plugin) Description() string { return "relays chat and player notices between servers" }

// Setup registers the chat relay listeners.
func (p *Plugin) Setup(_ context.Context, host *plugin.Host) error {
	host.AddListener("player_chat", func(_ context.Context, args ...any) error {
		sess, player, text, ok := chatArgs(args)
		if !ok {
			return fmt.Errorf("player_chat expects (session, player, text), got %d args", len(args))
		}
		host.BroadcastExcept(sess.Name(), "chat",
			sess.DisplayName(),
			fmt.Sprintf("<%s> %s", player, text),
		)
		slog.Info("chat", "server", sess.DisplayName(), "player", player, "text", text)
		return nil
	})

	host.AddListener("player_joined", func(_ context.Context, args ...any) error {
		sess, player, ok := noticeArgs(args)
		if !ok {
			return fmt.Errorf("player_joined expects (session, player)")
		}
		host.BroadcastExcept(sess.Name(), "chat",
			sess.DisplayName(),
			fmt.Sprintf("%s joined the game", player),
		)
		return nil
	})

	host.AddListener("player_left", func(_ context.Context, args ...any) error {
		sess, player, ok := noticeArgs(args)
		if !ok {
			return fmt.Errorf("player_left expects (session, player)")
		}
		host.BroadcastExcept(sess.Name(), "chat",
			sess.DisplayName(),
			fmt.Sprintf("%s left the game", player),
		)
		return nil
	})

	host.AddListener("server_startup", func(_ context.Context, args ...any) error {
		sess, ok := sessionArg(args)
		if !ok {
			return nil
		}
		host.BroadcastExcept(sess.Name(), "chat", sess.DisplayName(), "server is online")
		return nil
	})

	host.AddListener("server_stop", func(_ context.Context, args ...any) error {
		sess, ok := sessionArg(args)
		if !ok {
			return nil
		}
		host.BroadcastExcept(sess.Name(), "chat", sess.DisplayName(), "server is shutting down")
		return nil
	})

	// Operator chat: "send all <message>" speaks to every server.
	host.AddListener("command_send_all", func(_ context.Context, args ...any) error {
		text := joinWords(args)
		if text == "" {
			return fmt.Errorf("usage: send all <message>")
		}
		host.Broadcast("chat", "console", text)
		slog.Info("chat", "server", "console", "text", text)
		return nil
	})

	return nil
}

func joinWords(args []any) string {
	words := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok && s != "" {
			words = append(words, s)
		}
	}
	return strings.Join(words, " ")
}

func sessionArg(args []any) (Speaker, bool) {
	if len(args) < 1 {
		return nil, false
	}
	sess, ok := args[0].(Speaker)
	return sess, ok
}

func noticeArgs(args []any) (Speaker, string, bool) {
	sess, ok := sessionArg(args)
	if !ok || len(args) < 2 {
		return nil, "", false
	}
	player, ok := args[1].(string)
	return sess, player, ok
}

func chatArgs(args []any) (Speaker, string, string, bool) {
	sess, player, ok := noticeArgs(args)
	if !ok || len(args) < 3 {
		return nil, "", "", false
	}
	text, ok := args[2].(string)
	return sess, player, text, ok
}
