// Package registry holds the process-wide state shared between the
// presentation layer and the asynchronous side: the settings snapshot, the
// one-shot slot carrying the overlord's receiver, and the to-overlord sender.
//
// Lifecycle: New and Install run once on the launching goroutine before the
// overlord starts. After that the registry is read-only except for the
// settings (guarded by a RWMutex) and the slot (guarded by a Mutex, taken
// exactly once by the overlord constructor).
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/settings"
)

var (
	// ErrNotInstalled is the panic value when the slot is taken before Install.
	ErrNotInstalled = errors.New("registry: receiver taken before install")
	// ErrAlreadyTaken is the panic value when the slot is taken twice.
	ErrAlreadyTaken = errors.New("registry: receiver already taken")
	// ErrAlreadyInstalled is the panic value when Install runs twice.
	ErrAlreadyInstalled = errors.New("registry: already installed")
)

// shutdownSendTimeout bounds InitiateShutdown when the overlord inbox is full.
const shutdownSendTimeout = 2 * time.Second

// Registry is the process-wide state container. Pass it by pointer to every
// task that needs it; there is no package-level instance.
type Registry struct {
	settingsMu sync.RWMutex
	settings   settings.Settings

	slotMu    sync.Mutex
	slot      *bus.Receiver
	installed bool

	toOverlord *bus.Sender
	log        *slog.Logger
}

// New creates a registry holding the given settings snapshot.
func New(s settings.Settings, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{settings: s.Clone(), log: log}
}

// Install stores the from-minions receiver in the one-shot slot and keeps
// the to-overlord sender. It must be called exactly once, before the
// overlord is constructed.
func (r *Registry) Install(rx *bus.Receiver, tx *bus.Sender) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	if r.installed {
		panic(ErrAlreadyInstalled)
	}

	r.slot = rx
	r.toOverlord = tx
	r.installed = true
}

// TakeMinionReceiver atomically reads and clears the slot. The first call
// after Install returns the receiver; every later call reports false.
func (r *Registry) TakeMinionReceiver() (*bus.Receiver, bool) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	rx := r.slot
	r.slot = nil

	return rx, rx != nil
}

// MustTakeMinionReceiver is TakeMinionReceiver for the single startup path
// that is allowed to take the slot. Taking before Install or taking twice
// is a sequencing bug and panics.
func (r *Registry) MustTakeMinionReceiver() *bus.Receiver {
	r.slotMu.Lock()
	installed := r.installed
	r.slotMu.Unlock()

	if !installed {
		panic(ErrNotInstalled)
	}

	rx, ok := r.TakeMinionReceiver()
	if !ok {
		panic(ErrAlreadyTaken)
	}

	return rx
}

// Settings returns a copy of the current snapshot.
func (r *Registry) Settings() settings.Settings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()

	return r.settings.Clone()
}

// SetSettings replaces the snapshot. The copy is made before the lock is
// taken so the critical section is only the swap.
func (r *Registry) SetSettings(s settings.Settings) {
	next := s.Clone()

	r.settingsMu.Lock()
	r.settings = next
	r.settingsMu.Unlock()
}

// ToOverlord returns a new writer on the overlord's channel. The caller owns
// it and should Release it when done.
func (r *Registry) ToOverlord() *bus.Sender {
	r.slotMu.Lock()
	tx := r.toOverlord
	r.slotMu.Unlock()

	if tx == nil {
		panic(ErrNotInstalled)
	}

	return tx.Clone()
}

// InitiateShutdown asks the overlord to drain. Any task may call it. It is
// best-effort: if the overlord is already gone shutdown is moot, so send
// failures are only logged.
func (r *Registry) InitiateShutdown() {
	tx := r.ToOverlord()
	defer tx.Release()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownSendTimeout)
	defer cancel()

	if err := tx.Send(ctx, bus.ShutdownMessage()); err != nil {
		r.log.Debug("shutdown not delivered", "error", err)
	}
}
