// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Load when
// no explicit path is given.
const EnvConfigPath = "POKEM_CONFIG"

// Config is the top-level pokem configuration.
type Config struct {
	// Matrix holds homeserver connection and session settings.
	Matrix Matrix `yaml:"matrix"`

	// Daemon holds the HTTP listener settings.
	Daemon Daemon `yaml:"daemon"`

	// Rooms maps short names to room references (room IDs, full
	// aliases, or bare alias localparts). Short names here take
	// priority over alias resolution when a request names a room.
	Rooms map[string]string `yaml:"rooms,omitempty"`
}

// Matrix holds homeserver connection settings and relay-wide policy.
type Matrix struct {
	// HomeserverURL is the base URL of the Matrix homeserver, e.g.
	// "https://matrix.example.org". Required.
	HomeserverURL string `yaml:"homeserver_url"`

	// Username is the localpart of the bot account, e.g. "pokem".
	// Required.
	Username string `yaml:"username"`

	// Password is the account password, used only when no stored
	// access token is available. May be empty if a session token is
	// already persisted in the state directory.
	Password string `yaml:"password,omitempty"`

	// AllowList is an anchored regular expression matched against the
	// full user ID of invite senders. Empty means every invite is
	// accepted (subject to RoomSizeLimit).
	AllowList string `yaml:"allow_list,omitempty"`

	// RoomSizeLimit caps the member count of rooms the bot will join.
	// 0 means unlimited.
	RoomSizeLimit int `yaml:"room_size_limit,omitempty"`

	// StateDir is the directory holding the session database. Supports
	// $VAR and ${VAR} environment expansion. Defaults to
	// "$HOME/.local/state/pokem".
	StateDir string `yaml:"state_dir,omitempty"`

	// CommandPrefix is the in-room command trigger word. Defaults to
	// "!pokem".
	CommandPrefix string `yaml:"command_prefix,omitempty"`

	// Format selects the default message rendering: "markdown" or
	// "plain". Defaults to "markdown".
	Format string `yaml:"format,omitempty"`
}

// Daemon holds the HTTP listener settings.
type Daemon struct {
	// Addr is the listen address. Defaults to "localhost".
	Addr string `yaml:"addr,omitempty"`

	// Port is the listen port. Defaults to 80.
	Port int `yaml:"port,omitempty"`

	// AckTimeout bounds how long a relay request waits for delivery
	// confirmation before failing. Defaults to 30s.
	AckTimeout time.Duration `yaml:"ack_timeout,omitempty"`
}

// ListenAddr returns the joined host:port listen address.
func (d Daemon) ListenAddr() string {
	return fmt.Sprintf("%s:%d", d.Addr, d.Port)
}

// Default returns a Config with all optional fields set to their
// defaults. Required fields are left empty and must be filled before
// Validate passes.
func Default() Config {
	return Config{
		Matrix: Matrix{
			StateDir:      "$HOME/.local/state/pokem",
			CommandPrefix: "!pokem",
			Format:        "markdown",
		},
		Daemon: Daemon{
			Addr:       "localhost",
			Port:       80,
			AckTimeout: 30 * time.Second,
		},
	}
}

// Load reads the configuration from path, or from $POKEM_CONFIG when
// path is empty. The returned Config is validated and has defaults
// applied.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Config{}, fmt.Errorf("no config path given and %s is not set", EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Matrix.StateDir = os.ExpandEnv(cfg.Matrix.StateDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency. All problems are
// reported at once via a joined error.
func (c Config) Validate() error {
	var errs []error

	if c.Matrix.HomeserverURL == "" {
		errs = append(errs, errors.New("matrix.homeserver_url is required"))
	} else if u, err := url.Parse(c.Matrix.HomeserverURL); err != nil {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url: unsupported scheme %q", u.Scheme))
	}

	if c.Matrix.Username == "" {
		errs = append(errs, errors.New("matrix.username is required"))
	} else if strings.ContainsAny(c.Matrix.Username, "@:") {
		errs = append(errs, fmt.Errorf("matrix.username must be a bare localpart, got %q", c.Matrix.Username))
	}

	if c.Matrix.AllowList != "" {
		if _, err := regexp.Compile(anchored(c.Matrix.AllowList)); err != nil {
			errs = append(errs, fmt.Errorf("matrix.allow_list: %w", err))
		}
	}

	if c.Matrix.RoomSizeLimit < 0 {
		errs = append(errs, fmt.Errorf("matrix.room_size_limit must be >= 0, got %d", c.Matrix.RoomSizeLimit))
	}

	if c.Matrix.StateDir == "" {
		errs = append(errs, errors.New("matrix.state_dir is required"))
	}

	if c.Matrix.CommandPrefix == "" {
		errs = append(errs, errors.New("matrix.command_prefix must not be empty"))
	} else if strings.ContainsAny(c.Matrix.CommandPrefix, " \t\n") {
		errs = append(errs, fmt.Errorf("matrix.command_prefix must not contain whitespace, got %q", c.Matrix.CommandPrefix))
	}

	switch c.Matrix.Format {
	case "markdown", "plain":
	default:
		errs = append(errs, fmt.Errorf("matrix.format must be \"markdown\" or \"plain\", got %q", c.Matrix.Format))
	}

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port must be in 1..65535, got %d", c.Daemon.Port))
	}
	if c.Daemon.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("daemon.ack_timeout must be positive, got %v", c.Daemon.AckTimeout))
	}

	for name, room := range c.Rooms {
		if name == "" {
			errs = append(errs, errors.New("rooms: empty room name"))
		}
		if room == "" {
			errs = append(errs, fmt.Errorf("rooms[%s]: empty room reference", name))
		}
	}

	return errors.Join(errs...)
}

// AllowListRegexp compiles the configured allow list as an anchored
// pattern. Returns nil if no allow list is configured. Validate must
// have passed.
func (c Config) AllowListRegexp() *regexp.Regexp {
	if c.Matrix.AllowList == "" {
		return nil
	}
	return regexp.MustCompile(anchored(c.Matrix.AllowList))
}

// anchored wraps a pattern so it must match the whole user ID, matching
// how invite senders are checked. A pattern like "@.*:example.org"
// should not match "@evil:example.org.attacker.net".
func anchored(pattern string) string {
	return "^(?:" + pattern + ")$"
}
