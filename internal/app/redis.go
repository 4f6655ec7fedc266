package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errRedisNotReady = errors.New("redis is not ready")

const redisRetryInterval = 500 * time.Millisecond

// connectRedis parses url and pings until the server answers or attempts run
// out.
func connectRedis(ctx context.Context, url string, timeout time.Duration, attempts int) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	var lastErr error
	for range attempts {
		client := redis.NewClient(options)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(errRedisNotReady, ctx.Err())
		case <-time.After(redisRetryInterval):
		}
	}

	return nil, errors.Join(errRedisNotReady, lastErr)
}
