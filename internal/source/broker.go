package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

// BrokerConfig configures a Kafka-backed Broker source, built on
// github.com/segmentio/kafka-go.
type BrokerConfig struct {
	ID                      ID
	Brokers                 []string
	Topic                   string
	ChannelCapacity         int
	MetadataRefreshInterval time.Duration
	Logger                  zerolog.Logger
}

// BrokerSource is the Kafka implementation of Source.
type BrokerSource struct {
	id     ID
	bc     *broadcaster
	cfg    BrokerConfig
	log    zerolog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	assigned map[int]struct{} // partitions already under consumption
}

// NewBrokerSource dials the configured brokers, discovers the topic's
// current partitions, spawns one Partition Consumer per partition seeded
// at the current high watermark, and starts the Partition Watcher.
func NewBrokerSource(ctx context.Context, cfg BrokerConfig) (*BrokerSource, error) {
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = 100
	}

	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("broker source %s: dial: %w", cfg.ID, err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("broker source %s: read partitions: %w", cfg.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	bs := &BrokerSource{
		id:       cfg.ID,
		bc:       newBroadcaster(cfg.ChannelCapacity),
		cfg:      cfg,
		log:      cfg.Logger.With().Str("source", string(cfg.ID)).Str("kind", "kafka").Logger(),
		cancel:   cancel,
		assigned: make(map[int]struct{}),
	}

	for _, p := range partitions {
		bs.spawnConsumer(runCtx, p.ID)
	}

	go bs.watchPartitions(runCtx)

	return bs, nil
}

func (s *BrokerSource) ID() ID { return s.id }

func (s *BrokerSource) Subscribe() (Receiver, error) {
	if !s.bc.Live() {
		return nil, ErrFiniteSourceEnded
	}
	return s.bc.Subscribe(), nil
}

// Close stops every consumer task and the partition watcher by cancelling
// the shared context they all select on.
func (s *BrokerSource) Close() {
	s.cancel()
}

func (s *BrokerSource) spawnConsumer(ctx context.Context, partition int) {
	s.mu.Lock()
	if _, ok := s.assigned[partition]; ok {
		s.mu.Unlock()
		return
	}
	s.assigned[partition] = struct{}{}
	s.mu.Unlock()

	s.bc.Ref()
	go s.runConsumer(ctx, partition)
}

// runConsumer is the partition consumer task. It assigns itself to
// exactly one (topic, partition, offset=high_watermark) pair at spawn
// time and never replays history.
func (s *BrokerSource) runConsumer(ctx context.Context, partition int) {
	defer s.bc.Unref()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.cfg.Brokers,
		Topic:     s.cfg.Topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		s.log.Error().Err(err).Int("partition", partition).Msg("failed to seek to high watermark; consumer exiting")
		return
	}

	s.log.Info().Int("partition", partition).Msg("partition consumer started")

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Int("partition", partition).Msg("read error; consumer continues")
			continue
		}

		var ts int64
		if !m.Time.IsZero() {
			ts = m.Time.UnixMilli()
		}

		s.bc.Send(ResultMessage(Result{
			Kind:      KindKafka,
			SourceID:  s.id,
			Key:       m.Key,
			Payload:   m.Value,
			Topic:     s.cfg.Topic,
			Timestamp: ts,
			Partition: int32(m.Partition),
			Offset:    m.Offset,
		}))
	}
}

// watchPartitions periodically re-reads topic metadata and spawns a
// consumer for any partition not already assigned.
func (s *BrokerSource) watchPartitions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetadataRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, err := kafka.DialContext(ctx, "tcp", s.cfg.Brokers[0])
		if err != nil {
			s.log.Warn().Err(err).Msg("metadata refresh: dial failed")
			continue
		}
		partitions, err := conn.ReadPartitions(s.cfg.Topic)
		conn.Close()
		if err != nil {
			s.log.Warn().Err(err).Msg("metadata refresh: read partitions failed")
			continue
		}

		for _, p := range partitions {
			s.mu.Lock()
			_, known := s.assigned[p.ID]
			s.mu.Unlock()
			if known {
				continue
			}

			// MetadataChanged must reach subscribers strictly before any
			// event from the new partition.
			s.bc.Send(MetadataChangedMessage("new partition observed"))
			s.spawnConsumer(ctx, p.ID)
		}
	}
}

