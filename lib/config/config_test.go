// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
matrix:
  homeserver_url: https://matrix.example.org
  username: pokem
  password: hunter2
`

func TestLoadFile(t *testing.T) {
	t.Run("minimal with defaults", func(t *testing.T) {
		cfg, err := LoadFile(writeConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Matrix.HomeserverURL != "https://matrix.example.org" {
			t.Errorf("homeserver_url = %q", cfg.Matrix.HomeserverURL)
		}
		if cfg.Matrix.CommandPrefix != "!pokem" {
			t.Errorf("command_prefix default = %q, want !pokem", cfg.Matrix.CommandPrefix)
		}
		if cfg.Matrix.Format != "markdown" {
			t.Errorf("format default = %q, want markdown", cfg.Matrix.Format)
		}
		if cfg.Daemon.Addr != "localhost" || cfg.Daemon.Port != 80 {
			t.Errorf("daemon defaults = %s", cfg.Daemon.ListenAddr())
		}
		if cfg.Daemon.AckTimeout != 30*time.Second {
			t.Errorf("ack_timeout default = %v, want 30s", cfg.Daemon.AckTimeout)
		}
	})

	t.Run("full", func(t *testing.T) {
		cfg, err := LoadFile(writeConfig(t, `
matrix:
  homeserver_url: https://matrix.example.org
  username: pokem
  password: hunter2
  allow_list: "@.*:example.org"
  room_size_limit: 5
  command_prefix: "!notify"
  format: plain
daemon:
  addr: 0.0.0.0
  port: 8080
  ack_timeout: 10s
rooms:
  ops: "#ops:example.org"
  alerts: "!abc123:example.org"
`))
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Daemon.ListenAddr() != "0.0.0.0:8080" {
			t.Errorf("ListenAddr() = %q", cfg.Daemon.ListenAddr())
		}
		if cfg.Matrix.RoomSizeLimit != 5 {
			t.Errorf("room_size_limit = %d, want 5", cfg.Matrix.RoomSizeLimit)
		}
		if got := cfg.Rooms["ops"]; got != "#ops:example.org" {
			t.Errorf("rooms[ops] = %q", got)
		}
		re := cfg.AllowListRegexp()
		if re == nil {
			t.Fatal("AllowListRegexp() = nil with allow_list set")
		}
		if !re.MatchString("@alice:example.org") {
			t.Error("allow list rejected @alice:example.org")
		}
		if re.MatchString("@evil:example.org.attacker.net") {
			t.Error("allow list pattern not anchored")
		}
	})

	t.Run("state dir env expansion", func(t *testing.T) {
		t.Setenv("POKEM_TEST_STATE", "/var/lib/pokem")
		cfg, err := LoadFile(writeConfig(t, minimalConfig+`  state_dir: $POKEM_TEST_STATE/data
`))
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Matrix.StateDir != "/var/lib/pokem/data" {
			t.Errorf("state_dir = %q, want expanded path", cfg.Matrix.StateDir)
		}
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, minimalConfig+`  homserver_url: typo
`))
		if err == nil {
			t.Fatal("config with misspelled field loaded without error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("LoadFile on missing file succeeded")
		}
	})
}

func TestLoadEnvFallback(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load via %s: %v", EnvConfigPath, err)
	}
	if cfg.Matrix.Username != "pokem" {
		t.Errorf("username = %q", cfg.Matrix.Username)
	}

	t.Run("unset", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		if _, err := Load(""); err == nil {
			t.Fatal("Load with no path and no env var succeeded")
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Matrix.HomeserverURL = "https://matrix.example.org"
		cfg.Matrix.Username = "pokem"
		cfg.Matrix.StateDir = "/tmp/pokem"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing homeserver",
			mutate:  func(c *Config) { c.Matrix.HomeserverURL = "" },
			wantMsg: "homeserver_url",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Matrix.HomeserverURL = "ftp://example.org" },
			wantMsg: "scheme",
		},
		{
			name:    "full user ID as username",
			mutate:  func(c *Config) { c.Matrix.Username = "@pokem:example.org" },
			wantMsg: "localpart",
		},
		{
			name:    "bad allow list regex",
			mutate:  func(c *Config) { c.Matrix.AllowList = "[unclosed" },
			wantMsg: "allow_list",
		},
		{
			name:    "negative room size limit",
			mutate:  func(c *Config) { c.Matrix.RoomSizeLimit = -1 },
			wantMsg: "room_size_limit",
		},
		{
			name:    "prefix with whitespace",
			mutate:  func(c *Config) { c.Matrix.CommandPrefix = "!pok em" },
			wantMsg: "command_prefix",
		},
		{
			name:    "unknown format",
			mutate:  func(c *Config) { c.Matrix.Format = "html" },
			wantMsg: "format",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Daemon.Port = 70000 },
			wantMsg: "port",
		},
		{
			name:    "empty room reference",
			mutate:  func(c *Config) { c.Rooms = map[string]string{"ops": ""} },
			wantMsg: "rooms[ops]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}

	t.Run("multiple errors joined", func(t *testing.T) {
		cfg := valid()
		cfg.Matrix.HomeserverURL = ""
		cfg.Matrix.Username = ""
		err := cfg.Validate()
		if err == nil {
			t.Fatal("Validate succeeded")
		}
		msg := err.Error()
		if !strings.Contains(msg, "homeserver_url") || !strings.Contains(msg, "username") {
			t.Errorf("joined error missing a field: %q", msg)
		}
	})
}
