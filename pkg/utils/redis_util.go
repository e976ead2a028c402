package utils

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"bidhub/internal/config"
	"bidhub/pkg/logger"
)

// InitializeRedis builds the client and pings it. Callers own Close.
func InitializeRedis(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Address, err)
	}

	log.Info("Connected to Redis", "address", cfg.Address, "db", cfg.DB)
	return client, nil
}
