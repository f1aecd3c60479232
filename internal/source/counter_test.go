package source

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterEagerStartsImmediately(t *testing.T) {
	max := uint64(2)
	cs := NewCounterSource(CounterConfig{
		ID:       "c1",
		Min:      0,
		Max:      &max,
		Interval: 5 * time.Millisecond,
		Lazy:     false,
		Logger:   zerolog.Nop(),
	})
	defer cs.Close()

	recv, err := cs.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var counts []uint64
	for {
		msg, err := recv.Recv(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrClosedSource)
			break
		}
		counts = append(counts, msg.Result.Count)
	}

	assert.Equal(t, []uint64{0, 1, 2}, counts)
}

func TestCounterLazyDoesNotTickBeforeSubscribe(t *testing.T) {
	cs := NewCounterSource(CounterConfig{
		ID:       "c2",
		Min:      10,
		Interval: 5 * time.Millisecond,
		Lazy:     true,
		Logger:   zerolog.Nop(),
	})
	defer cs.Close()

	time.Sleep(30 * time.Millisecond)

	recv, err := cs.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := recv.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), msg.Result.Count, "first count after lazy start must equal Min")
}

func TestCounterSubscribeAfterEndReturnsFiniteSourceEnded(t *testing.T) {
	max := uint64(0)
	cs := NewCounterSource(CounterConfig{
		ID:       "c3",
		Min:      0,
		Max:      &max,
		Interval: time.Millisecond,
		Lazy:     false,
		Logger:   zerolog.Nop(),
	})
	defer cs.Close()

	recv, err := cs.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = recv.Recv(ctx)
	require.NoError(t, err)
	_, err = recv.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosedSource)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !cs.bc.Live() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err = cs.Subscribe()
	assert.ErrorIs(t, err, ErrFiniteSourceEnded)
}
