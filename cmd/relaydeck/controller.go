package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/registry"
	"github.com/germanamz/relaydeck/pkg/settings"
)

// intentTimeout bounds a single user intent when the overlord inbox is full.
const intentTimeout = 2 * time.Second

var errUnknownRelay = errors.New("relay is not configured")

// controller turns TUI intents into overlord messages. It owns a clone of the
// to-overlord sender for the life of the TUI.
type controller struct {
	reg   *registry.Registry
	store settings.Store
	tx    *bus.Sender

	// mu serialises read-modify-write cycles on the settings snapshot.
	mu sync.Mutex
}

func newController(reg *registry.Registry, store settings.Store) *controller {
	return &controller{reg: reg, store: store, tx: reg.ToOverlord()}
}

func (c *controller) Close() { c.tx.Release() }

func (c *controller) send(cmd bus.Command) error {
	msg, err := bus.Encode(bus.TargetOverlord, cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
	defer cancel()

	return c.tx.Send(ctx, msg)
}

func (c *controller) Connect(url string) error {
	return c.send(bus.Connect{URL: url})
}

func (c *controller) Disconnect(url string) error {
	return c.send(bus.Disconnect{URL: url})
}

// ToggleRead flips the relay's read flag, persists the snapshot, publishes
// it in the registry and asks the overlord to reconcile.
func (c *controller) ToggleRead(url string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.reg.Settings()

	idx := -1
	for i, r := range s.Relays {
		if r.URL == url {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Errorf("toggle %s: %w", url, errUnknownRelay)
	}

	s.Relays[idx].Read = !s.Relays[idx].Read

	ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
	defer cancel()

	if err := settings.Save(ctx, c.store, s); err != nil {
		return false, err
	}
	c.reg.SetSettings(s)

	return s.Relays[idx].Read, c.send(bus.SettingsChanged{})
}
