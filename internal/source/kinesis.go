package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/rs/zerolog"
)

// KinesisConfig configures the Kinesis-backed source. Generalizes the
// Broker source's "one consumer task per logical partition, seeded at
// the current tail" shape to Kinesis shards.
// AccessKeyID/SecretAccessKey/SessionToken are optional; when unset the
// AWS SDK's default chain (env vars, shared config, instance role) is
// used instead.
type KinesisConfig struct {
	ID                   ID
	Stream               string
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	SessionToken         string
	ChannelCapacity      int
	PollInterval         time.Duration
	ShardRefreshInterval time.Duration
	Logger               zerolog.Logger
}

// KinesisSource is the Kinesis implementation of Source.
type KinesisSource struct {
	id     ID
	bc     *broadcaster
	cfg    KinesisConfig
	client *kinesis.Client
	log    zerolog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	assigned map[string]struct{}
}

// NewKinesisSource lists the stream's current shards, opens a LATEST
// shard iterator per shard (Kinesis's high-watermark equivalent), and
// spawns one consumer goroutine per shard plus a shard watcher.
func NewKinesisSource(ctx context.Context, cfg KinesisConfig) (*KinesisSource, error) {
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = 100
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kinesis source %s: load aws config: %w", cfg.ID, err)
	}
	client := kinesis.NewFromConfig(awsCfg)

	shards, err := listShards(ctx, client, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("kinesis source %s: list shards: %w", cfg.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	ks := &KinesisSource{
		id:       cfg.ID,
		bc:       newBroadcaster(cfg.ChannelCapacity),
		cfg:      cfg,
		client:   client,
		log:      cfg.Logger.With().Str("source", string(cfg.ID)).Str("kind", "kinesis").Logger(),
		cancel:   cancel,
		assigned: make(map[string]struct{}),
	}

	for _, sh := range shards {
		ks.spawnConsumer(runCtx, *sh.ShardId)
	}

	go ks.watchShards(runCtx)

	return ks, nil
}

func listShards(ctx context.Context, client *kinesis.Client, stream string) ([]types.Shard, error) {
	var shards []types.Shard
	var nextToken *string
	for {
		out, err := client.ListShards(ctx, &kinesis.ListShardsInput{
			StreamName: &stream,
			NextToken:  nextToken,
		})
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		if out.NextToken == nil {
			return shards, nil
		}
		nextToken = out.NextToken
	}
}

func (s *KinesisSource) ID() ID { return s.id }

func (s *KinesisSource) Subscribe() (Receiver, error) {
	if !s.bc.Live() {
		return nil, ErrFiniteSourceEnded
	}
	return s.bc.Subscribe(), nil
}

func (s *KinesisSource) Close() { s.cancel() }

func (s *KinesisSource) spawnConsumer(ctx context.Context, shardID string) {
	s.mu.Lock()
	if _, ok := s.assigned[shardID]; ok {
		s.mu.Unlock()
		return
	}
	s.assigned[shardID] = struct{}{}
	s.mu.Unlock()

	s.bc.Ref()
	go s.runConsumer(ctx, shardID)
}

func (s *KinesisSource) runConsumer(ctx context.Context, shardID string) {
	defer s.bc.Unref()

	iterOut, err := s.client.GetShardIterator(ctx, &kinesis.GetShardIteratorInput{
		StreamName:        &s.cfg.Stream,
		ShardId:           &shardID,
		ShardIteratorType: types.ShardIteratorTypeLatest,
	})
	if err != nil {
		s.log.Error().Err(err).Str("shard", shardID).Msg("failed to obtain shard iterator; consumer exiting")
		return
	}

	iterator := iterOut.ShardIterator
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().Str("shard", shardID).Msg("shard consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if iterator == nil {
			return // shard closed (merge/split); watcher will pick up successors
		}

		out, err := s.client.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: iterator})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Str("shard", shardID).Msg("GetRecords failed; consumer continues")
			continue
		}
		iterator = out.NextShardIterator

		for _, rec := range out.Records {
			var arrival int64
			if rec.ApproximateArrivalTimestamp != nil {
				arrival = rec.ApproximateArrivalTimestamp.UnixMilli()
			}

			s.bc.Send(ResultMessage(Result{
				Kind:                        KindKinesis,
				SourceID:                    s.id,
				Stream:                      s.cfg.Stream,
				ShardID:                     shardID,
				PartitionKey:                derefStr(rec.PartitionKey),
				Payload:                     rec.Data,
				SequenceNumber:              derefStr(rec.SequenceNumber),
				ApproximateArrivalTimestamp: arrival,
			}))
		}
	}
}

func (s *KinesisSource) watchShards(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ShardRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		shards, err := listShards(ctx, s.client, s.cfg.Stream)
		if err != nil {
			s.log.Warn().Err(err).Msg("shard refresh failed")
			continue
		}

		for _, sh := range shards {
			s.mu.Lock()
			_, known := s.assigned[*sh.ShardId]
			s.mu.Unlock()
			if known {
				continue
			}

			s.bc.Send(MetadataChangedMessage("new shard observed"))
			s.spawnConsumer(ctx, *sh.ShardId)
		}
	}
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
