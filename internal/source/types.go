// Package source implements the source registry and the concrete source
// kinds (Kafka broker, synthetic counter, Kinesis, MQTT). Each source
// kind owns one or more producer tasks that fan messages into a single
// shared broadcast channel per source; the Source value itself holds
// only a weak reference to that channel's sender side so the channel
// closes naturally once every producer task has exited.
package source

import (
	"context"
	"errors"
)

// ID is an opaque source identifier. Equality and ordering are plain byte
// string comparison.
type ID string

// Kind tags which concrete source implementation produced a Result.
type Kind string

const (
	KindKafka   Kind = "kafka"
	KindKinesis Kind = "kinesis"
	KindMQTT    Kind = "mqtt"
	KindCounter Kind = "counter"
)

// ErrFiniteSourceEnded is returned by Subscribe when every producer task
// for a finite source has already exited.
var ErrFiniteSourceEnded = errors.New("source: finite source has ended")

// Message is the tagged union carried on every source's broadcast
// channel.
type Message struct {
	// Result is set when Kind == MessageKindResult.
	Result Result
	// MetadataText carries the human-readable MetadataChanged payload
	// when Kind == MessageKindMetadataChanged.
	MetadataText string
	Kind         MessageKind
}

// MessageKind discriminates the Message union.
type MessageKind int

const (
	MessageKindResult MessageKind = iota
	MessageKindMetadataChanged
)

// ResultMessage builds a Message wrapping a payload event.
func ResultMessage(r Result) Message {
	return Message{Kind: MessageKindResult, Result: r}
}

// MetadataChangedMessage builds a Message signalling that the source's
// shape changed materially; subscribers must treat it as end-of-subscription.
func MetadataChangedMessage(text string) Message {
	return Message{Kind: MessageKindMetadataChanged, MetadataText: text}
}

// Result is the tagged union of payload events across the four source
// kinds this implementation supports.
type Result struct {
	Kind Kind

	SourceID ID

	// Broker (kafka)
	Key       []byte
	Payload   []byte
	Topic     string
	Timestamp int64 // unix millis, 0 if absent
	Partition int32
	Offset    int64

	// Kinesis
	Stream                      string
	ShardID                     string
	PartitionKey                string
	SequenceNumber              string
	ApproximateArrivalTimestamp int64 // unix millis

	// MQTT
	MQTTTopic  string
	QoS        byte
	Retained   bool

	// Counter
	Count uint64
}

// Receiver is a single subscriber's read cursor into a source's shared
// broadcast channel. Recv blocks until a message is available, ctx is
// cancelled, or the channel is closed/lagged.
type Receiver interface {
	// Recv returns the next message, ErrLagged{N} if this receiver fell
	// behind by N messages, ErrClosedSource once every producer has
	// exited and the backlog is drained, or ctx.Err() if ctx is done.
	Recv(ctx context.Context) (Message, error)
}

// Source is the capability set every concrete source kind exposes —
// expressed as a small interface since Go lacks closed enums, but kept
// to exactly these two methods. There is no metadata-sink method:
// partition and shard watching runs inside each source kind.
type Source interface {
	// ID returns this source's identifier.
	ID() ID
	// Subscribe returns a fresh Receiver fed by this source's shared
	// broadcast channel, or ErrFiniteSourceEnded if every producer task
	// has already exited.
	Subscribe() (Receiver, error)
}
