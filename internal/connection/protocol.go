// Package connection implements the connection manager and acceptor:
// the per-client event loop and the WebSocket upgrade/dispatch layer
// built on gorilla/websocket, using an upgrade-then-spawn,
// write-pump-with-ping-ticker style.
package connection

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/redbco/streamrelay/internal/source"
)

// Outbound top-level message tags.
const (
	TypeCommandResponse = "COMMAND_RESPONSE"
	TypeNotice          = "NOTICE"
	TypeResult          = "RESULT"
)

// outboundEnvelope is the wire shape of every frame sent to the client.
type outboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func envelope(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outboundEnvelope{Type: typ, Data: raw})
}

// Command response variants.
type subscribeOk struct {
	SourceID string `json:"sourceId"`
}
type subscribeError struct {
	SourceID string `json:"sourceId"`
	Error    string `json:"error"`
}
type unsubscribeOk struct {
	SourceID string `json:"sourceId"`
}
type unsubscribeError struct {
	SourceID string `json:"sourceId"`
	Error    string `json:"error"`
}
type requestOk struct {
	SourceID string `json:"sourceId"`
	Requests uint64 `json:"requests"`
}
type requestError struct {
	SourceID string `json:"sourceId"`
	Error    string `json:"error"`
}

func responseEnvelope(kind string, payload any) ([]byte, error) {
	wrapped := map[string]any{"responseType": kind}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		wrapped[k] = v
	}
	return envelope(TypeCommandResponse, wrapped)
}

// Notice variants.
type lagNotice struct {
	Source string `json:"source"`
	Count  uint64 `json:"count"`
}
type subscriptionClosedNotice struct {
	Source  string `json:"source"`
	Message string `json:"message,omitempty"`
}

func noticeEnvelope(kind string, payload any) ([]byte, error) {
	wrapped := map[string]any{"noticeType": kind}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		wrapped[k] = v
	}
	return envelope(TypeNotice, wrapped)
}

// resultWire is the wire shape of a Result payload, generalized to the
// four source kinds.
type resultWire struct {
	Key        string `json:"key,omitempty"`
	Payload    string `json:"payload,omitempty"`
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Metadata   string `json:"metadata,omitempty"`
}

// encodeResult builds the wire RESULT envelope for r, applying any
// intercept Transform payload override.
func encodeResult(r source.Result, overridePayload []byte, hasOverride bool) ([]byte, error) {
	wire := resultWire{
		SourceID:   string(r.SourceID),
		SourceType: string(r.Kind),
	}

	payload := r.Payload
	if hasOverride {
		payload = overridePayload
	}

	switch r.Kind {
	case source.KindKafka:
		if len(r.Key) > 0 {
			wire.Key = base64.StdEncoding.EncodeToString(r.Key)
		}
		if len(payload) > 0 {
			wire.Payload = base64.StdEncoding.EncodeToString(payload)
		}
		meta, err := json.Marshal(map[string]any{
			"partition": r.Partition,
			"offset":    r.Offset,
			"timestamp": r.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		wire.Metadata = string(meta)

	case source.KindKinesis:
		if len(payload) > 0 {
			wire.Payload = base64.StdEncoding.EncodeToString(payload)
		}
		meta, err := json.Marshal(map[string]any{
			"shard_id":                      r.ShardID,
			"sequence_number":               r.SequenceNumber,
			"approximate_arrival_timestamp": r.ApproximateArrivalTimestamp,
			"partition_key":                 r.PartitionKey,
		})
		if err != nil {
			return nil, err
		}
		wire.Metadata = string(meta)

	case source.KindMQTT:
		if len(payload) > 0 {
			wire.Payload = base64.StdEncoding.EncodeToString(payload)
		}
		meta, err := json.Marshal(map[string]any{
			"topic":    r.MQTTTopic,
			"qos":      r.QoS,
			"retained": r.Retained,
		})
		if err != nil {
			return nil, err
		}
		wire.Metadata = string(meta)

	case source.KindCounter:
		if hasOverride {
			wire.Payload = base64.StdEncoding.EncodeToString(payload)
		} else {
			wire.Payload = base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(r.Count, 10)))
		}
	}

	return envelope(TypeResult, wire)
}

// Inbound command shape.
type inboundCommand struct {
	Type     string `json:"type"`
	SourceID string `json:"sourceId"`
	Mode     string `json:"mode,omitempty"`
	N        uint64 `json:"n,omitempty"`
}

const (
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdRequest     = "REQUEST"
)
