package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/ordercore/internal/platform/config"
)

const (
	// TTLPaymentEvent bounds how long processed webhook event ids are remembered.
	TTLPaymentEvent = 7 * 24 * time.Hour
	// TTLNonce matches the HMAC clock skew window.
	TTLNonce = 10 * time.Minute
)

// New dials a client for cfg and pings it once.
func New(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
