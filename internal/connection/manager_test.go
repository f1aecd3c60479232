package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/streamrelay/internal/config"
	"github.com/redbco/streamrelay/internal/plugin"
	"github.com/redbco/streamrelay/internal/source"
)

// fakeReceiver is a manually driven source.Receiver, avoiding a real
// broadcaster for deterministic Manager tests.
type fakeReceiver struct {
	items chan fakeItem
}

type fakeItem struct {
	msg source.Message
	err error
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{items: make(chan fakeItem, 8)}
}

func (f *fakeReceiver) Recv(ctx context.Context) (source.Message, error) {
	select {
	case item := <-f.items:
		return item.msg, item.err
	case <-ctx.Done():
		return source.Message{}, ctx.Err()
	}
}

// fakeSource is a source.Source backed by a single fakeReceiver;
// Subscribe returns subscribeErr on every call while it is set.
type fakeSource struct {
	id          source.ID
	recv        *fakeReceiver
	subscribeErr error
}

func (f *fakeSource) ID() source.ID { return f.id }

func (f *fakeSource) Subscribe() (source.Receiver, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.recv, nil
}

func newTestManager(t *testing.T, sources map[source.ID]source.Source) (*Manager, chan inboundCommand, chan []byte) {
	t.Helper()

	registry := source.NewRegistry(sources)
	host := plugin.NewHost(nil, plugin.Config{InvocationTimeout: 50 * time.Millisecond}, false, false, zerolog.Nop())

	in := make(chan inboundCommand, 8)
	out := make(chan []byte, 8)
	outClosed := make(chan struct{})

	m := NewManager(registry, config.SubscriberConfig{BufferCapacity: 4, LagNoticeThreshold: 0}, host,
		plugin.ConnectionCtx{ConnectID: "test"}, nil, in, out, outClosed, zerolog.Nop())

	return m, in, out
}

func recvFrame(t *testing.T, out <-chan []byte) map[string]any {
	t.Helper()
	select {
	case data := <-out:
		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func TestSubscribeOkThenForwardsResult(t *testing.T) {
	recv := newFakeReceiver()
	src := &fakeSource{id: "s1", recv: recv}
	m, in, out := newTestManager(t, map[source.ID]source.Source{"s1": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1"}
	resp := recvFrame(t, out)
	assert.Equal(t, TypeCommandResponse, resp["type"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, "SUBSCRIBE_OK", data["responseType"])

	recv.items <- fakeItem{msg: source.ResultMessage(source.Result{Kind: source.KindCounter, SourceID: "s1", Count: 7})}

	result := recvFrame(t, out)
	assert.Equal(t, TypeResult, result["type"])
}

func TestSubscribeAlreadyActiveErrors(t *testing.T) {
	recv := newFakeReceiver()
	src := &fakeSource{id: "s1", recv: recv}
	m, in, out := newTestManager(t, map[source.ID]source.Source{"s1": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1"}
	recvFrame(t, out) // SUBSCRIBE_OK

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1"}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "SUBSCRIBE_ERROR", data["responseType"])
	assert.Equal(t, "already active", data["error"])
}

func TestSubscribeNoSuchSourceErrors(t *testing.T) {
	m, in, out := newTestManager(t, map[source.ID]source.Source{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "missing"}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "SUBSCRIBE_ERROR", data["responseType"])
	assert.Equal(t, "no such source", data["error"])
}

func TestUnsubscribeNotActiveErrors(t *testing.T) {
	m, in, out := newTestManager(t, map[source.ID]source.Source{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdUnsubscribe, SourceID: "s1"}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "UNSUBSCRIBE_ERROR", data["responseType"])
}

// TestRequestOnAbsentSubscriptionYieldsRequestError exercises the fix
// noted on Manager.handleRequest: an absent subscription must yield
// REQUEST_ERROR, never UNSUBSCRIBE_ERROR.
func TestRequestOnAbsentSubscriptionYieldsRequestError(t *testing.T) {
	m, in, out := newTestManager(t, map[source.ID]source.Source{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdRequest, SourceID: "s1", N: 1}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "REQUEST_ERROR", data["responseType"])
	assert.Equal(t, "no such subscription", data["error"])
}

func TestRequestNotInPullModeErrors(t *testing.T) {
	recv := newFakeReceiver()
	src := &fakeSource{id: "s1", recv: recv}
	m, in, out := newTestManager(t, map[source.ID]source.Source{"s1": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1", Mode: "push"}
	recvFrame(t, out) // SUBSCRIBE_OK

	in <- inboundCommand{Type: cmdRequest, SourceID: "s1", N: 1}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "REQUEST_ERROR", data["responseType"])
	assert.Equal(t, "not in pull mode", data["error"])
}

func TestRequestOkInPullModeReportsOutstandingTotal(t *testing.T) {
	recv := newFakeReceiver()
	src := &fakeSource{id: "s1", recv: recv}
	m, in, out := newTestManager(t, map[source.ID]source.Source{"s1": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1", Mode: "pull"}
	recvFrame(t, out) // SUBSCRIBE_OK

	in <- inboundCommand{Type: cmdRequest, SourceID: "s1", N: 3}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "REQUEST_OK", data["responseType"])
	assert.Equal(t, float64(3), data["requests"])
}

func TestUnsubscribeOkTearsDownSubscription(t *testing.T) {
	recv := newFakeReceiver()
	src := &fakeSource{id: "s1", recv: recv}
	m, in, out := newTestManager(t, map[source.ID]source.Source{"s1": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	in <- inboundCommand{Type: cmdSubscribe, SourceID: "s1"}
	recvFrame(t, out)

	in <- inboundCommand{Type: cmdUnsubscribe, SourceID: "s1"}
	resp := recvFrame(t, out)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "UNSUBSCRIBE_OK", data["responseType"])

	// A second unsubscribe now reports not-active.
	in <- inboundCommand{Type: cmdUnsubscribe, SourceID: "s1"}
	resp = recvFrame(t, out)
	data = resp["data"].(map[string]any)
	assert.Equal(t, "UNSUBSCRIBE_ERROR", data["responseType"])
}

func TestEventCtxFromResultCarriesKinesisFields(t *testing.T) {
	ctx := eventCtxFromResult(source.Result{
		Kind:                        source.KindKinesis,
		SourceID:                    "s1",
		Payload:                     []byte("data"),
		Stream:                      "my-stream",
		ShardID:                     "shard-0001",
		PartitionKey:                "pk",
		SequenceNumber:              "seq",
		ApproximateArrivalTimestamp: 1234,
	})

	assert.Equal(t, "kinesis", ctx.SourceKind)
	assert.Equal(t, []byte("data"), ctx.Payload)
	assert.Equal(t, "my-stream", ctx.Stream)
	assert.Equal(t, "shard-0001", ctx.ShardID)
	assert.Equal(t, "pk", ctx.PartitionKey)
	assert.Equal(t, "seq", ctx.SequenceNumber)
	assert.Equal(t, int64(1234), ctx.ApproximateArrivalTimestamp)
	assert.Empty(t, ctx.MQTTTopic)
	assert.Empty(t, ctx.Topic)
}

func TestEventCtxFromResultCarriesMQTTFields(t *testing.T) {
	ctx := eventCtxFromResult(source.Result{
		Kind:      source.KindMQTT,
		SourceID:  "s1",
		Payload:   []byte("data"),
		MQTTTopic: "sensors/temp",
		QoS:       1,
		Retained:  true,
	})

	assert.Equal(t, "mqtt", ctx.SourceKind)
	assert.Equal(t, []byte("data"), ctx.Payload)
	assert.Equal(t, "sensors/temp", ctx.MQTTTopic)
	assert.Equal(t, byte(1), ctx.QoS)
	assert.True(t, ctx.Retained)
	assert.Empty(t, ctx.Stream)
}
