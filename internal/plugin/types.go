// Package plugin implements the plugin host: a sandboxed execution
// substrate for two hook kinds, authenticate and intercept, backed by
// tetratelabs/wazero. Host policy (timeouts,
// fail-open/fail-closed, worker-pool offload) lives in host.go and is
// decoupled from the wasm mechanics (wazero_runtime.go) behind the
// Invoker interface, so the policy can be exercised without compiling
// any actual .wasm module.
package plugin

import "encoding/json"

// AuthOutcomeKind discriminates AuthOutcome.
type AuthOutcomeKind int

const (
	AuthAuthenticate AuthOutcomeKind = iota
	AuthReject
	AuthWithContext
)

// AuthOutcome is the result of an authenticate hook invocation.
type AuthOutcome struct {
	Kind    AuthOutcomeKind
	Context []byte // populated when Kind == AuthWithContext
}

// ActionKind discriminates PluginAction.
type ActionKind int

const (
	ActionForward ActionKind = iota
	ActionDiscard
	ActionTransform
)

// PluginAction is the result of an intercept hook invocation.
type PluginAction struct {
	Kind    ActionKind
	Payload []byte // populated when Kind == ActionTransform
}

// AuthRequest is the structured view of an inbound HTTP upgrade request
// handed to the authenticate hook.
type AuthRequest struct {
	Method        string              `json:"method"`
	PathWithQuery string              `json:"path_with_query"`
	Headers       map[string][]string `json:"headers"`
	Authority     string              `json:"authority"`
	Scheme        string              `json:"scheme"`
}

// ConnectionCtx mirrors the per-connection context carried into every
// intercept invocation for the lifetime of the connection.
type ConnectionCtx struct {
	RemoteAddr string `json:"remote_addr"`
	ConnectID  string `json:"connect_id"`
}

// EventCtx mirrors source.Result's wire-relevant fields for the guest
// module, except the Kafka timestamp, which it does not carry; kept as a standalone JSON shape (rather than importing
// internal/source) so the plugin wire contract doesn't shift every time
// the source layer's internal Result struct does.
type EventCtx struct {
	SourceKind string `json:"source_kind"`
	SourceID   string `json:"source_id"`

	// Kafka
	Topic     string `json:"topic,omitempty"`
	Key       []byte `json:"key,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Partition int32  `json:"partition,omitempty"`
	Offset    int64  `json:"offset,omitempty"`

	// Kinesis
	Stream                      string `json:"stream,omitempty"`
	ShardID                     string `json:"shard_id,omitempty"`
	PartitionKey                string `json:"partition_key,omitempty"`
	SequenceNumber              string `json:"sequence_number,omitempty"`
	ApproximateArrivalTimestamp int64  `json:"approximate_arrival_timestamp,omitempty"`

	// MQTT
	MQTTTopic string `json:"mqtt_topic,omitempty"`
	QoS       byte   `json:"qos,omitempty"`
	Retained  bool   `json:"retained,omitempty"`

	// Counter
	Count uint64 `json:"count,omitempty"`
}

// interceptWireRequest/authWireRequest are the JSON envelopes written into
// guest memory; interceptWireResponse/authWireResponse are what's read
// back.
type authWireRequest struct {
	Request AuthRequest `json:"request"`
}

type authWireResponse struct {
	Outcome string `json:"outcome"` // "authenticate" | "reject" | "with_context"
	Context []byte `json:"context,omitempty"`
}

type interceptWireRequest struct {
	Auth       []byte        `json:"auth,omitempty"`
	Connection ConnectionCtx `json:"connection"`
	Event      EventCtx      `json:"event"`
}

type interceptWireResponse struct {
	Action  string `json:"action"` // "forward" | "discard" | "transform"
	Payload []byte `json:"payload,omitempty"`
}

func marshalAuthRequest(req AuthRequest) ([]byte, error) {
	return json.Marshal(authWireRequest{Request: req})
}

func unmarshalAuthResponse(data []byte) (AuthOutcome, error) {
	var wire authWireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return AuthOutcome{}, err
	}
	switch wire.Outcome {
	case "reject":
		return AuthOutcome{Kind: AuthReject}, nil
	case "with_context":
		return AuthOutcome{Kind: AuthWithContext, Context: wire.Context}, nil
	default:
		return AuthOutcome{Kind: AuthAuthenticate}, nil
	}
}

func marshalInterceptRequest(auth []byte, conn ConnectionCtx, event EventCtx) ([]byte, error) {
	return json.Marshal(interceptWireRequest{Auth: auth, Connection: conn, Event: event})
}

func unmarshalInterceptResponse(data []byte) (PluginAction, error) {
	var wire interceptWireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return PluginAction{}, err
	}
	switch wire.Action {
	case "discard":
		return PluginAction{Kind: ActionDiscard}, nil
	case "transform":
		return PluginAction{Kind: ActionTransform, Payload: wire.Payload}, nil
	default:
		return PluginAction{Kind: ActionForward}, nil
	}
}
