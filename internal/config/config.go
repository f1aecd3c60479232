// Package config loads and validates streamrelay's YAML configuration
// file: read file, unmarshal, apply defaults, validate required fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Sources    []SourceConfig   `yaml:"sources"`
}

// ServerConfig controls the WebSocket/health HTTP listener.
type ServerConfig struct {
	Address             string        `yaml:"address"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SubscriberConfig gives the Pull-mode buffer/lag settings applied to
// every new subscription.
type SubscriberConfig struct {
	BufferCapacity     int    `yaml:"buffer_capacity"`
	LagNoticeThreshold uint64 `yaml:"lag_notice_threshold"`
}

// HooksConfig configures the plugin host. InterceptFailOpen is a
// pointer so an absent key can default to fail-open without being
// indistinguishable from an explicit `intercept_fail_open: false`.
type HooksConfig struct {
	Authenticate      string        `yaml:"authenticate"`
	Intercept         string        `yaml:"intercept"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	InterceptWorkers  int           `yaml:"intercept_workers"`
	InterceptFailOpen *bool         `yaml:"intercept_fail_open"`
}

// SourceConfig is one tagged entry in the `sources` list. Kind selects
// which of the kind-specific fields below apply; unused fields for a given
// kind are simply left zero.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // kafka | kinesis | mqtt | counter

	// kafka
	Brokers                 []string      `yaml:"brokers"`
	Topic                   string        `yaml:"topic"`
	ChannelCapacity         int           `yaml:"channel_capacity"`
	MetadataRefreshInterval time.Duration `yaml:"metadata_refresh_interval"`

	// kinesis
	Stream               string        `yaml:"stream"`
	Region               string        `yaml:"region"`
	AccessKeyID          string        `yaml:"access_key_id"`
	SecretAccessKey      string        `yaml:"secret_access_key"`
	SessionToken         string        `yaml:"session_token"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ShardRefreshInterval time.Duration `yaml:"shard_refresh_interval"`

	// mqtt
	Broker string `yaml:"broker"`
	QoS    byte   `yaml:"qos"`

	// counter
	Min      uint64        `yaml:"min"`
	Max      *uint64       `yaml:"max"`
	Interval time.Duration `yaml:"interval"`
	Lazy     bool          `yaml:"lazy"`
}

// Load reads and parses the configuration file at path, applying defaults
// and validating required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0:9090"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = 30 * time.Second
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 1 << 20
	}
	if cfg.Server.ShutdownGracePeriod == 0 {
		cfg.Server.ShutdownGracePeriod = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Subscriber.BufferCapacity == 0 {
		cfg.Subscriber.BufferCapacity = 64
	}
	if cfg.Subscriber.LagNoticeThreshold == 0 {
		cfg.Subscriber.LagNoticeThreshold = 16
	}
	if cfg.Hooks.InvocationTimeout == 0 {
		cfg.Hooks.InvocationTimeout = 250 * time.Millisecond
	}
	if cfg.Hooks.InterceptWorkers == 0 {
		cfg.Hooks.InterceptWorkers = 8
	}
	if cfg.Hooks.InterceptFailOpen == nil {
		failOpen := true
		cfg.Hooks.InterceptFailOpen = &failOpen
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.ChannelCapacity == 0 {
			s.ChannelCapacity = 100
		}
		if s.MetadataRefreshInterval == 0 {
			s.MetadataRefreshInterval = 30 * time.Second
		}
		if s.PollInterval == 0 {
			s.PollInterval = time.Second
		}
		if s.ShardRefreshInterval == 0 {
			s.ShardRefreshInterval = 30 * time.Second
		}
		if s.Interval == 0 {
			s.Interval = time.Second
		}
	}
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source entry missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case "kafka":
			if len(s.Brokers) == 0 || s.Topic == "" {
				return fmt.Errorf("source %q: kafka requires brokers and topic", s.ID)
			}
		case "kinesis":
			if s.Stream == "" {
				return fmt.Errorf("source %q: kinesis requires stream", s.ID)
			}
		case "mqtt":
			if s.Broker == "" || s.Topic == "" {
				return fmt.Errorf("source %q: mqtt requires broker and topic", s.ID)
			}
		case "counter":
			// min/max/interval all have usable zero values or defaults
		default:
			return fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
		}
	}

	return nil
}
