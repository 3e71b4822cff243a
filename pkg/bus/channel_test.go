package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqMessage(t *testing.T, producer string, n int) Message {
	t.Helper()

	m, err := New(TargetOverlord, KindNotice, Notice{Relay: producer, Message: fmt.Sprint(n)})
	require.NoError(t, err)

	return m
}

func TestSendReceive(t *testing.T) {
	tx, rx := NewChannel(1)

	require.NoError(t, tx.Send(context.Background(), ShutdownMessage()))

	got, ok := rx.Receive(context.Background())
	require.True(t, ok)
	assert.Equal(t, TargetAll, got.Target)
	assert.Equal(t, KindShutdown, got.Kind)
}

func TestSingleProducerFIFO(t *testing.T) {
	tx, rx := NewChannel(8)

	batch := make([]Message, 50)
	for i := range batch {
		batch[i] = seqMessage(t, "a", i)
	}

	go func() {
		for _, m := range batch {
			_ = tx.Send(context.Background(), m)
		}
	}()

	for i := range 50 {
		m, ok := rx.Receive(context.Background())
		require.True(t, ok)

		var n Notice
		require.NoError(t, m.Unmarshal(&n))
		assert.Equal(t, fmt.Sprint(i), n.Message)
	}
}

func TestTwoProducersKeepTheirOwnOrder(t *testing.T) {
	tx, rx := NewChannel(4)
	txB := tx.Clone()

	var wg sync.WaitGroup
	for _, p := range []struct {
		name string
		s    *Sender
	}{{"a", tx}, {"b", txB}} {
		wg.Go(func() {
			defer p.s.Release()
			for i := 1; i <= 100; i++ {
				m, err := New(TargetOverlord, KindNotice, Notice{Relay: p.name, Message: fmt.Sprint(i)})
				if err != nil {
					return
				}
				if err := p.s.Send(context.Background(), m); err != nil {
					return
				}
			}
		})
	}

	seen := map[string][]string{}
	for {
		m, ok := rx.Receive(context.Background())
		if !ok {
			break
		}

		var n Notice
		require.NoError(t, m.Unmarshal(&n))
		seen[n.Relay] = append(seen[n.Relay], n.Message)
	}

	wg.Wait()

	for _, name := range []string{"a", "b"} {
		require.Len(t, seen[name], 100)
		for i, v := range seen[name] {
			assert.Equal(t, fmt.Sprint(i+1), v, "producer %s position %d", name, i)
		}
	}
}

func TestSendAfterReceiverClosed(t *testing.T) {
	tx, rx := NewChannel(4)
	rx.Close()

	err := tx.Send(context.Background(), ShutdownMessage())
	require.ErrorIs(t, err, ErrRecipientGone)

	err = tx.TrySend(ShutdownMessage())
	require.ErrorIs(t, err, ErrRecipientGone)
	assert.True(t, rx.Closed())
}

func TestBlockedSendUnblocksWhenReceiverCloses(t *testing.T) {
	tx, rx := NewChannel(0)

	errCh := make(chan error, 1)
	go func() { errCh <- tx.Send(context.Background(), ShutdownMessage()) }()

	time.Sleep(10 * time.Millisecond)
	rx.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrRecipientGone)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock")
	}
}

func TestSendHonoursContext(t *testing.T) {
	tx, _ := NewChannel(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tx.Send(ctx, ShutdownMessage())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrySendFull(t *testing.T) {
	tx, _ := NewChannel(1)

	require.NoError(t, tx.TrySend(ShutdownMessage()))
	require.ErrorIs(t, tx.TrySend(ShutdownMessage()), ErrFull)
}

func TestEndOfStreamAfterAllWritersReleased(t *testing.T) {
	tx, rx := NewChannel(4)
	clone := tx.Clone()

	require.NoError(t, tx.Send(context.Background(), ShutdownMessage()))
	tx.Release()
	tx.Release()

	require.NoError(t, clone.Send(context.Background(), ShutdownMessage()))
	clone.Release()

	for range 2 {
		_, ok := rx.Receive(context.Background())
		require.True(t, ok, "buffered messages must drain before end-of-stream")
	}

	_, ok := rx.Receive(context.Background())
	assert.False(t, ok)
}

func TestReleasedSenderFails(t *testing.T) {
	tx, _ := NewChannel(1)
	tx.Release()

	require.ErrorIs(t, tx.Send(context.Background(), ShutdownMessage()), ErrReleased)
	assert.Panics(t, func() { tx.Clone() })
}

func TestCloneRacingReleaseEndsStreamOnce(t *testing.T) {
	for range 500 {
		tx, rx := NewChannel(0)

		var wg sync.WaitGroup
		var clone *Sender
		wg.Add(2)
		go func() {
			defer wg.Done()
			tx.Release()
		}()
		go func() {
			defer wg.Done()
			defer func() { _ = recover() }()
			clone = tx.Clone()
		}()
		wg.Wait()

		if clone != nil {
			require.NotPanics(t, clone.Release)
		}

		_, ok := rx.Receive(context.Background())
		require.False(t, ok)
	}
}

func TestOriginIsStampedBySender(t *testing.T) {
	tx, rx := NewChannel(2)
	minion := tx.WithOrigin("wss://relay.example")

	spoof := ShutdownMessage()
	spoof.Origin = "someone-else"
	require.NoError(t, minion.Send(context.Background(), spoof))
	require.NoError(t, tx.Send(context.Background(), spoof))

	first, _ := rx.Receive(context.Background())
	second, _ := rx.Receive(context.Background())

	assert.Equal(t, "wss://relay.example", first.Origin)
	assert.Empty(t, second.Origin)
	assert.Equal(t, "wss://relay.example", minion.Origin())
}

func TestReceiveHonoursContext(t *testing.T) {
	_, rx := NewChannel(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := rx.Receive(ctx)
	assert.False(t, ok)
}
