// Package config loads the relaydeck configuration file. YAML and TOML are
// both accepted, chosen by extension; RELAYDECK_* environment variables
// override what the file says.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/germanamz/relaydeck/pkg/settings"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAYDECK_"

// Config is the on-disk configuration.
type Config struct {
	// Log is the log level: debug, info, warn or error.
	Log string `yaml:"log,omitempty" toml:"log"`
	// DB overrides the database path.
	DB string `yaml:"db,omitempty" toml:"db"`
	// Metrics is a listen address for the prometheus endpoint; empty disables it.
	Metrics string `yaml:"metrics,omitempty" toml:"metrics"`

	Relays       []RelayConfig   `yaml:"relays,omitempty" toml:"relays"`
	DrainTimeout string          `yaml:"drain_timeout,omitempty" toml:"drain_timeout"` // e.g. "5s"
	FeedLimit    int             `yaml:"feed_limit,omitempty" toml:"feed_limit"`
	PublishRate  float64         `yaml:"publish_rate,omitempty" toml:"publish_rate"`
	Kinds        []int           `yaml:"kinds,omitempty" toml:"kinds"`
	Backfill     *int            `yaml:"backfill,omitempty" toml:"backfill"`
	Reconnect    ReconnectConfig `yaml:"reconnect,omitempty" toml:"reconnect"`
	Breaker      BreakerConfig   `yaml:"breaker,omitempty" toml:"breaker"`

	// envRelays is set when RELAYDECK_RELAYS replaced Relays.
	envRelays bool
}

// RelayConfig is one configured relay. Read and Write default to true.
type RelayConfig struct {
	URL   string `yaml:"url,omitempty" toml:"url"`
	Read  *bool  `yaml:"read,omitempty" toml:"read"`
	Write *bool  `yaml:"write,omitempty" toml:"write"`
}

// ReconnectConfig controls respawn backoff.
type ReconnectConfig struct {
	MaxAttempts  *int    `yaml:"max_attempts,omitempty" toml:"max_attempts"` // 0 disables respawn.
	InitialDelay string  `yaml:"initial_delay,omitempty" toml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay,omitempty" toml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier,omitempty" toml:"multiplier"`
	Jitter       *bool   `yaml:"jitter,omitempty" toml:"jitter"`
}

// BreakerConfig controls the per-relay dial circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint   `yaml:"failure_threshold,omitempty" toml:"failure_threshold"`
	Delay            string `yaml:"delay,omitempty" toml:"delay"`
}

// Load reads the file at path. Environment variables referenced as ${VAR}
// are expanded before parsing. A missing file yields an empty Config so a
// fresh install runs on defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	return Parse(filepath.Ext(path), data)
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml").
func Parse(ext string, data []byte) (Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(expanded), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: parse toml: unknown key %q", undecoded[0].String())
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported format %q", ext)
	}

	return cfg, nil
}

// overrides are the settings the environment may replace.
type overrides struct {
	Log     string   `env:"LOG"`
	DB      string   `env:"DB"`
	Metrics string   `env:"METRICS"`
	Relays  []string `env:"RELAYS" envSeparator:","`
}

// ApplyEnv overlays RELAYDECK_* environment variables onto c. RELAYDECK_RELAYS
// replaces the configured relay list entirely.
func (c *Config) ApplyEnv() error {
	var ov overrides
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}

	if ov.Log != "" {
		c.Log = ov.Log
	}
	if ov.DB != "" {
		c.DB = ov.DB
	}
	if ov.Metrics != "" {
		c.Metrics = ov.Metrics
	}

	if len(ov.Relays) > 0 {
		c.Relays = nil
		for _, u := range ov.Relays {
			if u = strings.TrimSpace(u); u != "" {
				c.Relays = append(c.Relays, RelayConfig{URL: u})
			}
		}
		c.envRelays = len(c.Relays) > 0
	}

	return nil
}

// RelaysFromEnv reports whether RELAYDECK_RELAYS set the relay list.
func (c Config) RelaysFromEnv() bool { return c.envRelays }

// Pin reapplies what the environment fixed for this run onto a snapshot
// loaded from storage. A relay list given in RELAYDECK_RELAYS replaces the
// stored one; everything else in s is kept.
func (c Config) Pin(s settings.Settings) settings.Settings {
	if !c.envRelays {
		return s
	}

	s = s.Clone()
	s.Relays = c.Defaults(settings.Settings{}).Relays

	return s
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log)
	}

	seen := make(map[string]struct{}, len(c.Relays))
	for _, r := range c.Relays {
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config: relay %q: not a websocket url", r.URL)
		}
		if _, dup := seen[r.URL]; dup {
			return fmt.Errorf("config: duplicate relay %q", r.URL)
		}
		seen[r.URL] = struct{}{}
	}

	for name, d := range map[string]string{
		"drain_timeout":           c.DrainTimeout,
		"reconnect.initial_delay": c.Reconnect.InitialDelay,
		"reconnect.max_delay":     c.Reconnect.MaxDelay,
		"breaker.delay":           c.Breaker.Delay,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	if c.FeedLimit < 0 {
		return fmt.Errorf("config: feed_limit must not be negative")
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("config: publish_rate must not be negative")
	}

	return nil
}

// Defaults layers the configuration over base and returns the settings
// snapshot the process starts from. Settings saved in storage are layered
// on top of this later. c must be valid.
func (c Config) Defaults(base settings.Settings) settings.Settings {
	s := base.Clone()

	if len(c.Relays) > 0 {
		s.Relays = make([]settings.Relay, 0, len(c.Relays))
		for _, r := range c.Relays {
			s.Relays = append(s.Relays, settings.Relay{
				URL:   r.URL,
				Read:  boolOr(r.Read, true),
				Write: boolOr(r.Write, true),
			})
		}
	}

	if d, _ := parseDuration(c.DrainTimeout); d > 0 {
		s.DrainTimeout = d
	}
	if c.FeedLimit > 0 {
		s.FeedLimit = c.FeedLimit
	}
	if c.PublishRate > 0 {
		s.PublishRate = c.PublishRate
	}
	if len(c.Kinds) > 0 {
		s.Kinds = append([]int(nil), c.Kinds...)
	}
	if c.Backfill != nil {
		s.Backfill = *c.Backfill
	}

	rc := c.Reconnect
	if rc.MaxAttempts != nil {
		s.Reconnect.MaxAttempts = *rc.MaxAttempts
	}
	if d, _ := parseDuration(rc.InitialDelay); d > 0 {
		s.Reconnect.InitialDelay = d
	}
	if d, _ := parseDuration(rc.MaxDelay); d > 0 {
		s.Reconnect.MaxDelay = d
	}
	if rc.Multiplier > 0 {
		s.Reconnect.Multiplier = rc.Multiplier
	}
	s.Reconnect.Jitter = boolOr(rc.Jitter, s.Reconnect.Jitter)

	return s
}

// BreakerDelay returns the configured breaker delay, or zero.
func (c Config) BreakerDelay() time.Duration {
	d, _ := parseDuration(c.Breaker.Delay)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Save writes c to path as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	return nil
}
