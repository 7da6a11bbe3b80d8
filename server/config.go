package server

import (
	"time"

	"github.com/pkg/errors"

	"github.com/VeeNyanjau/findme-demo/server/freshness"
	"github.com/VeeNyanjau/findme-demo/server/store"
)

// Store backend selectors.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreKafka  = "kafka"
)

// Config is the service configuration assembled by the binary and validated
// before anything starts.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8443".
	ListenAddr string

	// Handle is the node's identity. When empty, a persisted handle is
	// reused or a new one allocated on first start.
	Handle string

	// Phone is the optional contact number attached to outgoing alerts.
	Phone string

	// Community is the community to bind to when no active community has
	// been persisted yet.
	Community string

	// Lookback bounds how far back a freshly seeded watermark reaches.
	Lookback time.Duration

	// StoreType selects the backend: memory, redis, or kafka.
	StoreType string

	Redis store.RedisConfig
	Kafka store.KafkaConfig
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Lookback <= 0 {
		c.Lookback = freshness.DefaultLookback
	}
	if c.StoreType == "" {
		c.StoreType = StoreMemory
	}
}

// Validate checks the configuration for problems that would only surface
// later as confusing runtime failures.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.Community == "" {
		return errors.New("community cannot be empty")
	}
	if c.Lookback < 0 {
		return errors.New("lookback cannot be negative")
	}

	switch c.StoreType {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis address is required for the redis store")
		}
	case StoreKafka:
		if c.Kafka.Brokers == "" {
			return errors.New("kafka brokers are required for the kafka store")
		}
		// Kafka carries the event log only; the key-value surface rides
		// on Redis.
		if c.Redis.Addr == "" {
			return errors.New("redis address is required for the kafka store's key-value backend")
		}
	default:
		return errors.Errorf("unknown store type %q", c.StoreType)
	}

	return nil
}
