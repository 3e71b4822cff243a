// Package settings defines the user-changeable settings snapshot and its
// persistence through the storage layer. A Settings value is treated as
// immutable once published to the registry; changes are made on a Clone and
// swapped in whole.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// storageKey is the row under which the snapshot is persisted.
const storageKey = "settings"

// Relay is one remote peer the client may connect to.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// Reconnect controls how the overlord respawns failed minions.
type Reconnect struct {
	MaxAttempts  int           `json:"max_attempts"` // 0 = never respawn
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       bool          `json:"jitter"`
}

// Settings is the process-wide settings snapshot.
type Settings struct {
	Relays       []Relay       `json:"relays"`
	DrainTimeout time.Duration `json:"drain_timeout"`
	FeedLimit    int           `json:"feed_limit"`
	Reconnect    Reconnect     `json:"reconnect"`
	// PublishRate bounds outbound frames per second on each connection.
	PublishRate float64 `json:"publish_rate"`
	// Kinds and Backfill shape the subscription each relay minion opens.
	Kinds    []int `json:"kinds"`
	Backfill int   `json:"backfill"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Relays: []Relay{
			{URL: "wss://relay.damus.io", Read: true, Write: true},
			{URL: "wss://nos.lol", Read: true, Write: true},
		},
		DrainTimeout: 5 * time.Second,
		FeedLimit:    200,
		Reconnect: Reconnect{
			MaxAttempts:  8,
			InitialDelay: time.Second,
			MaxDelay:     2 * time.Minute,
			Multiplier:   2,
			Jitter:       true,
		},
		PublishRate: 5,
		Kinds:       []int{1},
		Backfill:    50,
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	cp := s
	if s.Relays != nil {
		cp.Relays = append([]Relay(nil), s.Relays...)
	}
	if s.Kinds != nil {
		cp.Kinds = append([]int(nil), s.Kinds...)
	}

	return cp
}

// ReadRelays returns the URLs of relays the client subscribes to.
func (s Settings) ReadRelays() []string {
	urls := make([]string, 0, len(s.Relays))
	for _, r := range s.Relays {
		if r.Read {
			urls = append(urls, r.URL)
		}
	}

	return urls
}

// Validate checks that the snapshot is usable.
func (s Settings) Validate() error {
	seen := make(map[string]struct{}, len(s.Relays))
	for _, r := range s.Relays {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("settings: relay %q: %w", r.URL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("settings: relay %q: scheme must be ws or wss", r.URL)
		}
		if _, dup := seen[r.URL]; dup {
			return fmt.Errorf("settings: duplicate relay %q", r.URL)
		}
		seen[r.URL] = struct{}{}
	}

	if s.DrainTimeout <= 0 {
		return errors.New("settings: drain_timeout must be positive")
	}

	if s.FeedLimit <= 0 {
		return errors.New("settings: feed_limit must be positive")
	}

	if s.Reconnect.MaxAttempts < 0 {
		return errors.New("settings: reconnect.max_attempts must not be negative")
	}

	return nil
}

// Store is the persistence the settings need. storage.Store satisfies it.
type Store interface {
	LoadSetting(ctx context.Context, key string) ([]byte, bool, error)
	SaveSetting(ctx context.Context, key string, value []byte) error
}

// Load reads the persisted snapshot, layering it over defaults. Fields
// absent from the stored document keep their default values.
func Load(ctx context.Context, store Store, defaults Settings) (Settings, error) {
	s := defaults.Clone()

	raw, ok, err := store.LoadSetting(ctx, storageKey)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: load: %w", err)
	}

	if ok {
		if err := json.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("settings: decode: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// Save persists s.
func Save(ctx context.Context, store Store, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	if err := store.SaveSetting(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}

	return nil
}
