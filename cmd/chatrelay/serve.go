// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/command"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/console"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/plugin"
	"github.com/chatrelay/chatrelay/internal/plugin/lua"
	"github.com/chatrelay/chatrelay/internal/plugins/chat"
	"github.com/chatrelay/chatrelay/internal/plugins/filesync"
	"github.com/chatrelay/chatrelay/internal/plugins/online"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/transport"
)

// shutdownTimeout bounds graceful teardown of the observability server.
const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay: listen for plugin clients, load plugins, and
run the operator console on stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("listen-addr", config.DefaultListenAddr, "client listen address")
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", config.DefaultLogFormat, "log format (json or text)")
	cmd.Flags().String("plugins-dir", config.DefaultPluginsDir, "script plugins directory")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("chatrelay", version, cfg.LogFormat)

	slog.Info("starting relay",
		"listen_addr", cfg.ListenAddr,
		"log_format", cfg.LogFormat,
		"plugins_dir", cfg.PluginsDir,
	)

	cryptor, err := transport.NewCryptor(cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("deriving frame key: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Command registry and hub reference each other: the hub advertises
	// command_ events, the registry dispatches resolved lines back.
	registry := command.NewRegistry()
	hub := event.New(event.WithCommandTable(registry))
	registry.Bind(hub)

	srv := server.New(cfg.ListenAddr, cryptor, hub, cfg.Users)

	repl := console.New(registry, os.Stdin, os.Stdout)

	manager := plugin.NewManager(hub, cfg.PluginsDir,
		plugin.WithBroadcaster(srv),
		plugin.WithScriptLoader(lua.NewPlugin),
		plugin.WithBlockList(cfg.DisabledPlugins),
	)
	manager.RegisterBuiltin(func() plugin.Plugin { return chat.New() })
	if cfg.Online.Enabled {
		manager.RegisterBuiltin(func() plugin.Plugin {
			return online.New(cfg.Online, srv, online.WithOutput(func(s string) {
				repl.Printf("%s", s)
			}))
		})
	}
	if cfg.FileSync.Enabled {
		manager.RegisterBuiltin(func() plugin.Plugin {
			return filesync.New(cfg.FileSync, srv)
		})
	}

	console.RegisterCommands(hub, repl, manager, srv, cancel)
	manager.LoadDir(ctx)
	defer manager.UnloadAll(context.Background())

	// Default error listener: anything a listener failed to handle ends up
	// in the log rather than vanishing.
	hub.AddListener(event.ErrorEvent, func(_ context.Context, args ...any) error {
		if len(args) >= 2 {
			slog.Error("unhandled listener failure",
				"event", args[0],
				"error", args[1],
			)
		}
		return nil
	}, event.WithOwner("serve"))

	// Observability server, optional.
	if cfg.MetricsAddr != "" {
		obs := observability.NewServer(cfg.MetricsAddr, srv.Running)
		obsErrCh, err := obs.Start()
		if err != nil {
			return fmt.Errorf("starting observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := obs.Stop(shutdownCtx); err != nil {
				slog.Warn("observability server stop failed", "error", err)
			}
		}()
	}

	// Handle signals.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	// Operator console on stdin.
	go func() {
		if err := repl.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("console stopped", "error", err)
		}
	}()

	err = srv.Run(ctx)
	hub.Drain()
	return err
}

// monitorServerErrors cancels the run context when a background server
// fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("background server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
