package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/health"
	redisstorage "github.com/openfms/telematics-gateway/internal/storage/redis"
)

// NewRedisClient dials Redis. Unlike the rest of the config tree,
// Redis has no disabled mode: the presence store's allow-list and
// command queues live there.
func NewRedisClient(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	client, err := redisstorage.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("redis client initialized", zap.String("addr", cfg.Addr()))
	return client, nil
}

// AddRedisChecker registers the Redis health checker.
func AddRedisChecker(aggregator *health.Aggregator, redisClient *redisstorage.Client) {
	aggregator.AddChecker(health.NewRedisChecker(redisClient))
}
