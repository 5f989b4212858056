package consumer

import "github.com/aggregator-io/aggregator/internal/config"

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultChannel  = "events"
)

// LoadConfig loads consumer configuration from REDIS_URL, REDIS_CHANNEL,
// and NUM_WORKERS, with fallback to defaults.
func LoadConfig() Config {
	return Config{
		RedisURL:   config.GetEnvStr("REDIS_URL", defaultRedisURL),
		Channel:    config.GetEnvStr("REDIS_CHANNEL", defaultChannel),
		NumWorkers: config.GetEnvInt("NUM_WORKERS", defaultNumWorkers),
	}
}
