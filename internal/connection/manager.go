package connection

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/redbco/streamrelay/internal/config"
	"github.com/redbco/streamrelay/internal/plugin"
	"github.com/redbco/streamrelay/internal/source"
	"github.com/redbco/streamrelay/internal/subscription"
)

// Manager is the connection manager: the per-client event loop that
// multiplexes inbound commands, the merged stream of every active
// subscription, and (optionally) the intercept plugin. It operates over
// plain channels rather than a concrete *websocket.Conn, so Acceptor
// owns the transport and Manager is testable without a real socket.
type Manager struct {
	registry      *source.Registry
	subscriberCfg config.SubscriberConfig
	host          *plugin.Host
	connCtx       plugin.ConnectionCtx
	authCtx       []byte
	log           zerolog.Logger

	in        <-chan inboundCommand
	out       chan<- []byte
	outClosed <-chan struct{}

	subs  map[source.ID]*subscription.Subscription
	fanIn chan subscription.Envelope
}

// NewManager constructs a Manager. in is closed by the Acceptor's read
// pump when the client disconnects or sends a protocol violation (in
// which case the transport is already being torn down); outClosed is
// closed by the write pump if a send to the client fails.
func NewManager(
	registry *source.Registry,
	subscriberCfg config.SubscriberConfig,
	host *plugin.Host,
	connCtx plugin.ConnectionCtx,
	authCtx []byte,
	in <-chan inboundCommand,
	out chan<- []byte,
	outClosed <-chan struct{},
	log zerolog.Logger,
) *Manager {
	return &Manager{
		registry:      registry,
		subscriberCfg: subscriberCfg,
		host:          host,
		connCtx:       connCtx,
		authCtx:       authCtx,
		log:           log,
		in:            in,
		out:           out,
		outClosed:     outClosed,
		subs:          make(map[source.ID]*subscription.Subscription),
		fanIn:         make(chan subscription.Envelope, 64),
	}
}

// Run is the main loop. It returns once the inbound channel closes, the
// outbound sink is gone, or ctx is cancelled — in every case every
// outstanding subscription is torn down first.
func (m *Manager) Run(ctx context.Context) {
	defer m.closeAllSubscriptions()

	for {
		// Non-blocking check first so commands are never starved under
		// heavy event load.
		select {
		case cmd, ok := <-m.in:
			if !ok {
				return
			}
			m.dispatch(cmd)
			continue
		default:
		}

		select {
		case cmd, ok := <-m.in:
			if !ok {
				return
			}
			m.dispatch(cmd)

		case env := <-m.fanIn:
			if !m.handleEnvelope(ctx, env) {
				return
			}

		case <-m.outClosed:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) closeAllSubscriptions() {
	for id, sub := range m.subs {
		sub.Close()
		delete(m.subs, id)
	}
}

// dispatch routes one inbound command, producing exactly one
// CommandResponse per command.
func (m *Manager) dispatch(cmd inboundCommand) {
	switch cmd.Type {
	case cmdSubscribe:
		m.handleSubscribe(cmd)
	case cmdUnsubscribe:
		m.handleUnsubscribe(cmd)
	case cmdRequest:
		m.handleRequest(cmd)
	default:
		m.log.Warn().Str("type", cmd.Type).Msg("unrecognized command type")
	}
}

func (m *Manager) handleSubscribe(cmd inboundCommand) {
	id := source.ID(cmd.SourceID)

	if _, active := m.subs[id]; active {
		m.respond(responseEnvelope("SUBSCRIBE_ERROR", subscribeError{SourceID: cmd.SourceID, Error: "already active"}))
		return
	}

	src, ok := m.registry.Lookup(id)
	if !ok {
		m.respond(responseEnvelope("SUBSCRIBE_ERROR", subscribeError{SourceID: cmd.SourceID, Error: "no such source"}))
		return
	}

	recv, err := src.Subscribe()
	if err != nil {
		reason := err.Error()
		if errors.Is(err, source.ErrFiniteSourceEnded) {
			reason = "ended"
		}
		m.respond(responseEnvelope("SUBSCRIBE_ERROR", subscribeError{SourceID: cmd.SourceID, Error: reason}))
		return
	}

	mode := subscription.ModePush
	if strings.EqualFold(cmd.Mode, "pull") {
		mode = subscription.ModePull
	}

	sub := subscription.New(id, recv, mode, m.subscriberCfg.BufferCapacity, m.subscriberCfg.LagNoticeThreshold, m.fanIn)
	m.subs[id] = sub

	m.respond(responseEnvelope("SUBSCRIBE_OK", subscribeOk{SourceID: cmd.SourceID}))
}

func (m *Manager) handleUnsubscribe(cmd inboundCommand) {
	id := source.ID(cmd.SourceID)

	sub, ok := m.subs[id]
	if !ok {
		m.respond(responseEnvelope("UNSUBSCRIBE_ERROR", unsubscribeError{SourceID: cmd.SourceID, Error: "not active"}))
		return
	}

	sub.Close()
	delete(m.subs, id)
	m.respond(responseEnvelope("UNSUBSCRIBE_OK", unsubscribeOk{SourceID: cmd.SourceID}))
}

// handleRequest handles a REQUEST command: an absent subscription
// yields REQUEST_ERROR, never UNSUBSCRIBE_ERROR.
func (m *Manager) handleRequest(cmd inboundCommand) {
	id := source.ID(cmd.SourceID)

	sub, ok := m.subs[id]
	if !ok {
		m.respond(responseEnvelope("REQUEST_ERROR", requestError{SourceID: cmd.SourceID, Error: "no such subscription"}))
		return
	}

	if sub.Mode() != subscription.ModePull {
		m.respond(responseEnvelope("REQUEST_ERROR", requestError{SourceID: cmd.SourceID, Error: "not in pull mode"}))
		return
	}

	total := sub.Request(cmd.N)
	m.respond(responseEnvelope("REQUEST_OK", requestOk{SourceID: cmd.SourceID, Requests: total}))
}

// handleEnvelope processes one item out of the merged subscription
// stream. Returns false if the outbound sink is gone and the loop
// should terminate.
func (m *Manager) handleEnvelope(ctx context.Context, env subscription.Envelope) bool {
	sub, stillActive := m.subs[env.SourceID]
	if !stillActive {
		// Subscription was torn down after this envelope was already
		// queued on fanIn; drop it rather than resurrecting state.
		return true
	}

	if env.MetadataChanged {
		sub.Close()
		delete(m.subs, env.SourceID)
		return m.respond(noticeEnvelope("SUBSCRIPTION_CLOSED", subscriptionClosedNotice{
			Source:  string(env.SourceID),
			Message: env.MetadataText,
		}))
	}

	if env.ProcessLag != nil {
		return m.respond(noticeEnvelope("LAG", lagNotice{Source: string(env.SourceID), Count: *env.ProcessLag}))
	}

	if env.SubscriberLag != nil {
		return m.respond(noticeEnvelope("LAG", lagNotice{Source: string(env.SourceID), Count: *env.SubscriberLag}))
	}

	for _, result := range env.Results {
		if !m.forwardResult(ctx, result) {
			return false
		}
	}
	return true
}

// forwardResult runs the per-event intercept/apply/send pipeline.
func (m *Manager) forwardResult(ctx context.Context, result source.Result) bool {
	action := m.host.Intercept(ctx, m.authCtx, m.connCtx, eventCtxFromResult(result))

	switch action.Kind {
	case plugin.ActionDiscard:
		return true

	case plugin.ActionTransform:
		data, err := encodeResult(result, action.Payload, true)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode transformed result")
			return true
		}
		return m.respond(data, err)

	default: // ActionForward
		data, err := encodeResult(result, nil, false)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode result")
			return true
		}
		return m.respond(data, err)
	}
}

// eventCtxFromResult mirrors encodeResult's per-kind branching so an
// intercept module sees the fields populated for r's kind. The Kafka
// Timestamp is not carried: EventCtx has no timestamp field.
func eventCtxFromResult(r source.Result) plugin.EventCtx {
	ctx := plugin.EventCtx{
		SourceKind: string(r.Kind),
		SourceID:   string(r.SourceID),
	}

	switch r.Kind {
	case source.KindKafka:
		ctx.Topic = r.Topic
		ctx.Key = r.Key
		ctx.Payload = r.Payload
		ctx.Partition = r.Partition
		ctx.Offset = r.Offset

	case source.KindKinesis:
		ctx.Payload = r.Payload
		ctx.Stream = r.Stream
		ctx.ShardID = r.ShardID
		ctx.PartitionKey = r.PartitionKey
		ctx.SequenceNumber = r.SequenceNumber
		ctx.ApproximateArrivalTimestamp = r.ApproximateArrivalTimestamp

	case source.KindMQTT:
		ctx.Payload = r.Payload
		ctx.MQTTTopic = r.MQTTTopic
		ctx.QoS = r.QoS
		ctx.Retained = r.Retained

	case source.KindCounter:
		ctx.Count = r.Count
	}

	return ctx
}

// respond sends data to the client, treating a failed send (outbound
// sink gone) as loop termination.
func (m *Manager) respond(data []byte, errs ...error) bool {
	for _, err := range errs {
		if err != nil {
			m.log.Error().Err(err).Msg("failed to encode outbound message")
			return true
		}
	}
	select {
	case m.out <- data:
		return true
	case <-m.outClosed:
		return false
	}
}
