package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/streamrelay/internal/source"
)

// fakeReceiver is a manually driven source.Receiver for deterministic
// subscription tests; it avoids spinning up a real broadcaster.
type fakeReceiver struct {
	items chan fakeItem
}

type fakeItem struct {
	msg source.Message
	err error
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{items: make(chan fakeItem, 16)}
}

func (f *fakeReceiver) pushResult(count uint64) {
	f.items <- fakeItem{msg: source.ResultMessage(source.Result{Kind: source.KindCounter, Count: count})}
}

func (f *fakeReceiver) pushLag(n uint64) {
	f.items <- fakeItem{err: source.ErrLagged{N: n}}
}

func (f *fakeReceiver) pushMetadata(text string) {
	f.items <- fakeItem{msg: source.MetadataChangedMessage(text)}
}

func (f *fakeReceiver) Recv(ctx context.Context) (source.Message, error) {
	select {
	case item := <-f.items:
		return item.msg, item.err
	case <-ctx.Done():
		return source.Message{}, ctx.Err()
	}
}

func recvEnvelope(t *testing.T, out <-chan Envelope) Envelope {
	t.Helper()
	select {
	case e := <-out:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, out <-chan Envelope) {
	t.Helper()
	select {
	case e := <-out:
		t.Fatalf("expected no envelope, got %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPushForwardsEveryResultImmediately(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePush, 0, 0, out)
	defer sub.Close()

	fr.pushResult(1)
	env := recvEnvelope(t, out)
	require.Len(t, env.Results, 1)
	assert.Equal(t, uint64(1), env.Results[0].Count)

	fr.pushResult(2)
	env = recvEnvelope(t, out)
	require.Len(t, env.Results, 1)
	assert.Equal(t, uint64(2), env.Results[0].Count)
}

func TestPushPropagatesProcessLag(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePush, 0, 0, out)
	defer sub.Close()

	fr.pushLag(5)
	env := recvEnvelope(t, out)
	require.NotNil(t, env.ProcessLag)
	assert.Equal(t, uint64(5), *env.ProcessLag)
}

func TestMetadataChangedBypassesCreditModel(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 4, 0, out)
	defer sub.Close()

	fr.pushMetadata("topology changed")
	env := recvEnvelope(t, out)
	assert.True(t, env.MetadataChanged)
	assert.Equal(t, "topology changed", env.MetadataText)
}

func TestPullWithNoOutstandingRequestsYieldsNothing(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 4, 0, out)
	defer sub.Close()

	fr.pushResult(1)
	assertNoEnvelope(t, out)
}

func TestPullEmitsBufferedBatchOnRequest(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 4, 0, out)
	defer sub.Close()

	fr.pushResult(1)
	fr.pushResult(2)
	fr.pushResult(3)

	// Give the actor a moment to buffer all three before requesting.
	time.Sleep(30 * time.Millisecond)

	sub.Request(10)

	env := recvEnvelope(t, out)
	require.Len(t, env.Results, 3)
	assert.Equal(t, uint64(1), env.Results[0].Count)
	assert.Equal(t, uint64(2), env.Results[1].Count)
	assert.Equal(t, uint64(3), env.Results[2].Count)
}

func TestPullImmediateDeliveryWhenCreditAlreadyOutstanding(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 4, 0, out)
	defer sub.Close()

	sub.Request(1)
	fr.pushResult(42)

	env := recvEnvelope(t, out)
	require.Len(t, env.Results, 1)
	assert.Equal(t, uint64(42), env.Results[0].Count)
}

func TestPullWithoutBufferDropsUnrequestedResults(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 0, 0, out)
	defer sub.Close()

	fr.pushResult(1)
	assertNoEnvelope(t, out)

	sub.Request(1)
	fr.pushResult(2)
	env := recvEnvelope(t, out)
	require.Len(t, env.Results, 1)
	assert.Equal(t, uint64(2), env.Results[0].Count)
}

func TestRequestReturnsOutstandingTotal(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 4, 0, out)
	defer sub.Close()

	assert.Equal(t, uint64(3), sub.Request(3))
	assert.Equal(t, uint64(8), sub.Request(5))
	assert.Equal(t, uint64(8), sub.Outstanding())
}

func TestPullReportsSubscriberLagAtThreshold(t *testing.T) {
	fr := newFakeReceiver()
	out := make(chan Envelope, 8)
	sub := New("s1", fr, ModePull, 2, 3, out)
	defer sub.Close()

	// Fill the buffer without any outstanding requests so each subsequent
	// push overwrites and increments lag.
	fr.pushResult(1)
	fr.pushResult(2)
	fr.pushResult(3) // overwrites 1, lag=1
	fr.pushResult(4) // overwrites 2, lag=2
	fr.pushResult(5) // overwrites 3, lag=3 >= threshold

	env := recvEnvelope(t, out)
	require.NotNil(t, env.SubscriberLag)
	assert.Equal(t, uint64(3), *env.SubscriberLag)
}
