package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/redbco/streamrelay/internal/config"
)

// Registry is the source registry: a map from ID to Source, populated
// once at startup and read-only thereafter. A plain map is sufficient
// since mutation only happens during Build and never again.
type Registry struct {
	sources map[ID]Source
	closers []func()
}

// NewRegistry wraps an already-built set of sources. Build is the normal
// startup path; this is also used directly by tests that need a Registry
// over fake Source implementations.
func NewRegistry(sources map[ID]Source) *Registry {
	return &Registry{sources: sources}
}

// Build constructs every configured source kind and returns a read-only
// Registry. On any failure, sources already constructed are closed before
// the error is returned so no goroutine leaks past a failed startup.
func Build(ctx context.Context, cfgs []config.SourceConfig, log zerolog.Logger) (*Registry, error) {
	r := &Registry{sources: make(map[ID]Source, len(cfgs))}

	for _, sc := range cfgs {
		src, closer, err := buildOne(ctx, sc, log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("building source %q: %w", sc.ID, err)
		}
		r.sources[ID(sc.ID)] = src
		if closer != nil {
			r.closers = append(r.closers, closer)
		}
	}

	return r, nil
}

func buildOne(ctx context.Context, sc config.SourceConfig, log zerolog.Logger) (Source, func(), error) {
	switch sc.Kind {
	case "kafka":
		bs, err := NewBrokerSource(ctx, BrokerConfig{
			ID:                      ID(sc.ID),
			Brokers:                 sc.Brokers,
			Topic:                   sc.Topic,
			ChannelCapacity:         sc.ChannelCapacity,
			MetadataRefreshInterval: sc.MetadataRefreshInterval,
			Logger:                  log,
		})
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil

	case "kinesis":
		ks, err := NewKinesisSource(ctx, KinesisConfig{
			ID:                   ID(sc.ID),
			Stream:               sc.Stream,
			Region:               sc.Region,
			AccessKeyID:          sc.AccessKeyID,
			SecretAccessKey:      sc.SecretAccessKey,
			SessionToken:         sc.SessionToken,
			ChannelCapacity:      sc.ChannelCapacity,
			PollInterval:         sc.PollInterval,
			ShardRefreshInterval: sc.ShardRefreshInterval,
			Logger:               log,
		})
		if err != nil {
			return nil, nil, err
		}
		return ks, ks.Close, nil

	case "mqtt":
		ms, err := NewMQTTSource(MQTTConfig{
			ID:              ID(sc.ID),
			Broker:          sc.Broker,
			Topic:           sc.Topic,
			QoS:             sc.QoS,
			ChannelCapacity: sc.ChannelCapacity,
			Logger:          log,
		})
		if err != nil {
			return nil, nil, err
		}
		return ms, ms.Close, nil

	case "counter":
		cs := NewCounterSource(CounterConfig{
			ID:       ID(sc.ID),
			Min:      sc.Min,
			Max:      sc.Max,
			Interval: sc.Interval,
			Lazy:     sc.Lazy,
			Logger:   log,
		})
		return cs, cs.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

// Lookup returns the source for id, or ok=false if no such source exists.
// Never blocks beyond acquiring the registry's read-only map access.
func (r *Registry) Lookup(id ID) (Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// IDs returns every registered source id.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every source's producer/watcher tasks. Called on graceful
// shutdown — dropping the registry is what triggers consumer-task exit
// throughout the source layer.
func (r *Registry) Close() {
	for _, c := range r.closers {
		c()
	}
}
