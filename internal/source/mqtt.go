package source

import (
	"fmt"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the MQTT-backed source.
type MQTTConfig struct {
	ID              ID
	Broker          string
	Topic           string
	QoS             byte
	ChannelCapacity int
	Logger          zerolog.Logger
}

// MQTTSource has exactly one logical partition (the subscription itself);
// there is no discoverable topology to watch, so it never emits
// MetadataChanged.
type MQTTSource struct {
	id     ID
	bc     *broadcaster
	cfg    MQTTConfig
	client mqtt.Client
	log    zerolog.Logger
	offset int64
}

// NewMQTTSource connects to the broker and subscribes to the configured
// topic filter. The paho client's own auto-reconnect keeps the
// subscription alive without tearing down the broadcast channel.
func NewMQTTSource(cfg MQTTConfig) (*MQTTSource, error) {
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = 100
	}

	ms := &MQTTSource{
		id:  cfg.ID,
		bc:  newBroadcaster(cfg.ChannelCapacity),
		cfg: cfg,
		log: cfg.Logger.With().Str("source", string(cfg.ID)).Str("kind", "mqtt").Logger(),
	}
	ms.bc.Ref()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("streamrelay-%s", cfg.ID)).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(cfg.Topic, cfg.QoS, ms.handleMessage)
			token.Wait()
			if err := token.Error(); err != nil {
				ms.log.Error().Err(err).Msg("subscribe failed after connect")
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		ms.bc.Unref()
		return nil, fmt.Errorf("mqtt source %s: connect: %w", cfg.ID, err)
	}
	ms.client = client

	return ms, nil
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.bc.Send(ResultMessage(Result{
		Kind:      KindMQTT,
		SourceID:  s.id,
		MQTTTopic: msg.Topic(),
		Payload:   msg.Payload(),
		QoS:       msg.Qos(),
		Retained:  msg.Retained(),
		Partition: 0,
		Offset:    atomic.AddInt64(&s.offset, 1) - 1,
	}))
}

func (s *MQTTSource) ID() ID { return s.id }

func (s *MQTTSource) Subscribe() (Receiver, error) {
	if !s.bc.Live() {
		return nil, ErrFiniteSourceEnded
	}
	return s.bc.Subscribe(), nil
}

// Close disconnects from the broker and releases the broadcaster's only
// producer reference.
func (s *MQTTSource) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.bc.Unref()
}

