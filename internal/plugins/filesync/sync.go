// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package filesync distributes files between game servers and keeps a
// local archive of everything that passes through.
package filesync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/config"
	codec "github.com/chatrelay/chatrelay/internal/filesync"
	"github.com/chatrelay/chatrelay/internal/plugin"
	"github.com/chatrelay/chatrelay/internal/session"
)

// Error codes.
const (
	CodeUnsafePath  = "FILESYNC_UNSAFE_PATH"
	CodePathDenied  = "FILESYNC_PATH_DENIED"
	CodeBadEnvelope = "FILESYNC_BAD_ENVELOPE"
)

// Directory locates the target session of an addressed transfer.
type Directory interface {
	Session(name string) (*session.Session, bool)
}

// Plugin relays file_sync envelopes. An envelope naming a server goes to
// that server only; an unaddressed envelope goes to every other client.
// Accepted files are also archived under the configured directory.
type Plugin struct {
	cfg       config.FileSync
	directory Directory
	allow     []glob.Glob
}

// New creates the filesync plugin. Invalid allow patterns are dropped with
// a warning; an empty allow list admits every safe path.
func New(cfg config.FileSync, directory Directory) *Plugin {
	p := &Plugin{cfg: cfg, directory: directory}
	for _, pattern := range cfg.Allow {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			slog.Warn("ignoring bad file_sync allow pattern", "pattern", pattern, "error", err)
			continue
		}
		p.allow = append(p.allow, g)
	}
	return p
}

func (p *Plugin) Name() string        { return "filesync" }
func (p *Plugin) Description() string { return "relays and archives files between servers" }

// Setup registers the file_sync listener and the "send file" console
// command.
func (p *Plugin) Setup(_ context.Context, host *plugin.Host) error {
	host.AddListener("file_sync", func(_ context.Context, args ...any) error {
		if len(args) < 2 {
			return fmt.Errorf("file_sync expects (session, envelope)")
		}
		sess, ok := args[0].(*session.Session)
		if !ok {
			return fmt.Errorf("file_sync expects a session sender")
		}
		encoded, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("file_sync expects a base64 envelope")
		}
		return p.handle(host, sess, encoded)
	})

	host.AddListener("command_send_file", func(_ context.Context, args ...any) error {
		path, target := sendFileArgs(args)
		if path == "" {
			return fmt.Errorf("usage: send file <path> [server]")
		}
		return p.sendFile(host, path, target)
	})

	return nil
}

// sendFile reads a local file and distributes it, addressed when a target
// server is named.
func (p *Plugin) sendFile(host *plugin.Host, path, target string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return oops.Code(CodeBadEnvelope).
			With("path", path).
			Wrapf(err, "reading local file")
	}

	env := &codec.Envelope{
		Path:       filepath.Base(path),
		Payload:    payload,
		ServerName: target,
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	if target != "" {
		sess, online := p.directory.Session(target)
		if !online {
			return oops.Code("FILESYNC_TARGET_OFFLINE").
				With("target", target).
				Errorf("target server is not connected")
		}
		if err := sess.Emit("file_sync", encoded); err != nil {
			return err
		}
	} else {
		host.Broadcast("file_sync", encoded)
	}

	host.Broadcast("chat", "console",
		fmt.Sprintf("sent %s (%d bytes)", env.Path, len(payload)))
	slog.Info("file sent", "path", env.Path, "bytes", len(payload), "target", target)
	return nil
}

func sendFileArgs(args []any) (path, target string) {
	if len(args) >= 1 {
		path, _ = args[0].(string)
	}
	if len(args) >= 2 {
		target, _ = args[1].(string)
	}
	return path, target
}

func (p *Plugin) handle(host *plugin.Host, sess *session.Session, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return oops.Code(CodeBadEnvelope).
			With("from", sess.Name()).
			Wrapf(err, "envelope is not valid base64")
	}

	env, err := codec.Decode(raw)
	if err != nil {
		return oops.Code(CodeBadEnvelope).
			With("from", sess.Name()).
			Wrap(err)
	}

	if err := p.checkPath(env.Path); err != nil {
		return oops.With("from", sess.Name()).Wrap(err)
	}

	if p.cfg.Dir != "" {
		if err := p.archive(env); err != nil {
			slog.Warn("file archive failed", "path", env.Path, "error", err)
		}
	}

	slog.Info("relaying file",
		"from", sess.Name(),
		"path", env.Path,
		"bytes", len(env.Payload),
		"target", env.ServerName,
	)

	if env.ServerName != "" {
		target, online := p.directory.Session(env.ServerName)
		if !online {
			return oops.Code("FILESYNC_TARGET_OFFLINE").
				With("target", env.ServerName).
				Errorf("target server is not connected")
		}
		return target.Emit("file_sync", encoded)
	}

	host.BroadcastExcept(sess.Name(), "file_sync", encoded)
	host.BroadcastExcept(sess.Name(), "chat", "filesync",
		fmt.Sprintf("%s shared %s (%d bytes)", sess.DisplayName(), env.Path, len(env.Payload)))
	return nil
}

// checkPath rejects absolute and escaping paths, then applies the allow
// list.
func (p *Plugin) checkPath(path string) error {
	if path == "" || !filepath.IsLocal(path) {
		return oops.Code(CodeUnsafePath).
			With("path", path).
			Errorf("path escapes the sync directory")
	}

	if len(p.allow) == 0 {
		return nil
	}
	normalized := filepath.ToSlash(path)
	for _, g := range p.allow {
		if g.Match(normalized) {
			return nil
		}
	}
	return oops.Code(CodePathDenied).
		With("path", path).
		Errorf("path does not match any allow pattern")
}

func (p *Plugin) archive(env *codec.Envelope) error {
	dest := filepath.Join(p.cfg.Dir, filepath.FromSlash(env.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, env.Payload, 0o644)
}
