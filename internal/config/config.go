// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package config loads and validates relay configuration from defaults, an
// optional YAML file, and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Default values.
const (
	DefaultListenAddr  = "127.0.0.1:7000"
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultLogFormat   = "json"
	DefaultPluginsDir  = "plugins"
)

// User is one client credential. Password may be plaintext or an argon2id
// PHC hash.
type User struct {
	Password    string `koanf:"password"`
	DisplayName string `koanf:"display_name"`
}

// RconEndpoint points at one game server's RCON port.
type RconEndpoint struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
}

// FileSync configures the file distribution plugin.
type FileSync struct {
	Enabled bool     `koanf:"enabled"`
	Dir     string   `koanf:"dir"`
	Allow   []string `koanf:"allow"`
}

// Online configures the online-player aggregation plugin.
type Online struct {
	Enabled    bool                    `koanf:"enabled"`
	QueryNames []string                `koanf:"query_names"`
	Bungeecord map[string]RconEndpoint `koanf:"bungeecord"`
}

// Config is the full relay configuration.
type Config struct {
	ListenAddr      string          `koanf:"listen_addr"`
	MetricsAddr     string          `koanf:"metrics_addr"`
	LogFormat       string          `koanf:"log_format"`
	Passphrase      string          `koanf:"passphrase"`
	PluginsDir      string          `koanf:"plugins_dir"`
	DisabledPlugins []string        `koanf:"disabled_plugins"`
	Users           map[string]User `koanf:"users"`
	FileSync        FileSync        `koanf:"file_sync"`
	Online          Online          `koanf:"online"`
}

// Validate checks that the configuration is usable.
func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if cfg.Passphrase == "" {
		return fmt.Errorf("passphrase is required")
	}
	for name, user := range cfg.Users {
		if name == "" {
			return fmt.Errorf("users must have non-empty names")
		}
		if user.Password == "" {
			return fmt.Errorf("user %q has no password", name)
		}
	}
	if cfg.FileSync.Enabled && cfg.FileSync.Dir == "" {
		return fmt.Errorf("file_sync.dir is required when file_sync is enabled")
	}
	return nil
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":  DefaultListenAddr,
		"metrics_addr": DefaultMetricsAddr,
		"log_format":   DefaultLogFormat,
		"plugins_dir":  DefaultPluginsDir,
	}
}

// Load merges defaults, the YAML file at path (skipped when path is empty
// or the file does not exist), and any set flags, then validates.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, oops.In("config").Wrap(err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.In("config").
					With("path", path).
					Wrapf(err, "parsing config file")
			}
		} else if !os.IsNotExist(err) {
			return nil, oops.In("config").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		// Flag names use dashes; config keys use underscores.
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, oops.In("config").Wrapf(err, "invalid configuration")
	}
	return &cfg, nil
}
