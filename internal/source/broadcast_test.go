package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()

	r := b.Subscribe()
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 1}))
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 2}))

	ctx := context.Background()
	msg, err := r.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Result.Count)

	msg, err = r.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.Result.Count)
}

func TestBroadcasterLagReportsSkippedCount(t *testing.T) {
	b := newBroadcaster(2)
	b.Ref()

	r := b.Subscribe()
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 1}))
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 2}))
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 3}))
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 4}))

	_, err := r.Recv(context.Background())
	var lagErr ErrLagged
	require.ErrorAs(t, err, &lagErr)
	assert.Equal(t, uint64(2), lagErr.N)
}

func TestBroadcasterClosesAfterLastUnref(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()

	r := b.Subscribe()
	b.Unref()

	_, err := r.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosedSource)
	assert.False(t, b.Live())
}

func TestBroadcasterClosedAfterDrainingBacklog(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()

	r := b.Subscribe()
	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 1}))
	b.Unref()

	msg, err := r.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Result.Count)

	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosedSource)
}

func TestReceiverRecvBlocksUntilSend(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()
	r := b.Subscribe()

	type recvResult struct {
		msg Message
		err error
	}
	done := make(chan recvResult, 1)
	go func() {
		msg, err := r.Recv(context.Background())
		done <- recvResult{msg, err}
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any message was sent")
	case <-time.After(20 * time.Millisecond):
	}

	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 42}))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, uint64(42), res.msg.Result.Count)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Send")
	}
}

func TestReceiverRecvRespectsContextCancellation(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()
	r := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTwoReceiversSeeTheSameMessages(t *testing.T) {
	b := newBroadcaster(4)
	b.Ref()
	r1 := b.Subscribe()
	r2 := b.Subscribe()

	b.Send(ResultMessage(Result{Kind: KindCounter, Count: 7}))

	m1, err := r1.Recv(context.Background())
	require.NoError(t, err)
	m2, err := r2.Recv(context.Background())
	require.NoError(t, err)

	assert.Equal(t, m1.Result.Count, m2.Result.Count)
}
