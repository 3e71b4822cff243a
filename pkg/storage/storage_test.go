package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	s, err := Setup(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSetupMigratesToLatest(t *testing.T) {
	s := newStore(t)

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSetupIsIdempotentOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relaydeck.db")
	ctx := context.Background()

	s, err := Setup(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSetting(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Setup(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.LoadSetting(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestSetupRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydeck.db")
	ctx := context.Background()

	s, err := Setup(ctx, path)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Setup(ctx, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSetting(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSetting(ctx, "a", []byte("1")))
	require.NoError(t, s.SaveSetting(ctx, "a", []byte("2")))

	v, ok, err := s.LoadSetting(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestStoreBacksSettingsPackage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	want := settings.Default()
	want.FeedLimit = 42
	require.NoError(t, settings.Save(ctx, s, want))

	got, err := settings.Load(ctx, s, settings.Default())
	require.NoError(t, err)
	assert.Equal(t, 42, got.FeedLimit)
}

func TestSaveEventUpsertsByID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	older := json.RawMessage(`{"id":"a","pubkey":"p1","kind":1,"created_at":100,"content":"first"}`)
	newer := json.RawMessage(`{"id":"b","pubkey":"p2","kind":1,"created_at":200,"content":"second"}`)

	require.NoError(t, s.SaveEvent(ctx, "wss://one", older))
	require.NoError(t, s.SaveEvent(ctx, "wss://one", newer))
	require.NoError(t, s.SaveEvent(ctx, "wss://two", older))

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "b", events[0].ID)
	assert.Equal(t, "second", events[0].Content)
	assert.Equal(t, time.Unix(200, 0), events[0].CreatedAt)

	assert.Equal(t, "a", events[1].ID)
	assert.Equal(t, "wss://two", events[1].Relay)
	assert.JSONEq(t, string(older), string(events[1].Raw))
}

func TestRecentEventsHonoursLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveEvent(ctx, "wss://r", json.RawMessage(`{"id":"`+id+`"}`)))
	}

	events, err := s.RecentEvents(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSaveEventRejectsBadInput(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.SaveEvent(ctx, "wss://r", json.RawMessage(`{"kind":1}`)), ErrNoEventID)
	require.Error(t, s.SaveEvent(ctx, "wss://r", json.RawMessage(`not json`)))
}

func TestRelayStats(t *testing.T) {
	s := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.RecordConnected(ctx, "wss://a"))
	require.NoError(t, s.RecordExit(ctx, "wss://a", "closed"))
	require.NoError(t, s.RecordConnected(ctx, "wss://a"))
	require.NoError(t, s.RecordExit(ctx, "wss://a", "failed"))
	require.NoError(t, s.RecordExit(ctx, "wss://b", "failed"))

	stats, err := s.RelayStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, RelayStat{
		Relay: "wss://a", Connects: 2, Exits: 2, Failures: 1, LastState: "failed", LastConnected: now,
	}, stats[0])
	assert.Equal(t, RelayStat{
		Relay: "wss://b", Exits: 1, Failures: 1, LastState: "failed",
	}, stats[1])
}
