// Package config loads routerd's configuration surface (§6): the
// abstract-to-logical endpoint map, dead-router detection settings,
// and session defaults (loaded here but not passed on to the router;
// see SessionConfig).
//
// Grounded on pobradovic08-route-beacon-ri's internal/config/config.go:
// koanf.New(".") loaded from an optional YAML file then overlaid with
// environment variables, unmarshaled onto a struct of typed defaults
// rather than koanf's own default-value support.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variable names before they are
// lowercased and turned into koanf dotted keys, e.g.
// ROUTERD_SESSION__KEEPALIVE -> session.keepalive.
const envPrefix = "ROUTERD_"

// Config is routerd's full configuration surface.
type Config struct {
	Router   RouterConfig      `koanf:"router"`
	Session  SessionConfig     `koanf:"session"`
	Abstract map[string]string `koanf:"abstract-map"`
	Channels ChannelsConfig    `koanf:"channels"`
	Log      LogConfig         `koanf:"log"`
}

// RouterConfig holds the §6 "Configuration surface" router-level keys.
type RouterConfig struct {
	SelfEP string `koanf:"self-ep"`

	// IdentitySeedHex is a 64-character hex-encoded 32-byte Ed25519 seed.
	// Empty means the router generates a fresh random identity at
	// startup and does not persist it.
	IdentitySeedHex string `koanf:"identity-seed"`

	DeadRouterTTL       time.Duration `koanf:"dead-router-ttl"`
	DeadRouterDetection bool          `koanf:"deadRouterDetection"`
	MaxPhysicalDepth    int           `koanf:"max-physical-depth"`
	Workers             int           `koanf:"workers"`
	QueueDepth          int           `koanf:"queue-depth"`

	// StateFile is where routerd periodically snapshots its route
	// table and peer set as JSON, for the `routerd routes`/`routerd
	// peers` introspection subcommands to read.
	StateFile string `koanf:"state-file"`
}

// SessionConfig carries the session defaults of §6 as loaded from the
// file and environment. routerd does not hand these values to the
// router: the router opens every server session with a fixed 30-second
// keep-alive and a timeout of twice that, whatever is configured here.
type SessionConfig struct {
	KeepAlive         time.Duration `koanf:"keepalive"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxAsyncKeepAlive int           `koanf:"max_async_keepalive"`
}

// ChannelsConfig configures the example channels this repo ships.
type ChannelsConfig struct {
	MQTT   MQTTConfig   `koanf:"mqtt"`
	Serial SerialConfig `koanf:"serial"`
}

// MQTTConfig configures the optional channel/mqtt channel.
type MQTTConfig struct {
	Enabled     bool   `koanf:"enabled"`
	BrokerURL   string `koanf:"broker_url"`
	ClientID    string `koanf:"client_id"`
	TopicPrefix string `koanf:"topic_prefix"`
}

// SerialConfig configures the optional channel/serial channel.
type SerialConfig struct {
	Enabled bool   `koanf:"enabled"`
	Port    string `koanf:"port"`
	Baud    int    `koanf:"baud"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Load reads configuration from an optional YAML file at path, then
// overlays ROUTERD_-prefixed environment variables, onto a struct of
// package defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Router: RouterConfig{
			SelfEP:              "physical://localhost",
			DeadRouterTTL:       30 * time.Second,
			DeadRouterDetection: true,
			MaxPhysicalDepth:    3,
			Workers:             4,
			QueueDepth:          256,
			StateFile:           "routerd-state.json",
		},
		Session: SessionConfig{
			KeepAlive: 30 * time.Second,
			Timeout:   60 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
