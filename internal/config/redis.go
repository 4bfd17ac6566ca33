package config

// Redis backs the token bucket in front of validate/consume and the response
// cache for token listings and usage histories.  Both degrade to pass-through
// when NewRedisClient returns nil.

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOptions maps the REDIS_* variables onto client options.  REDIS_HOST
// and REDIS_PORT take precedence over REDIS_ADDR (default localhost:6379).
// REDIS_TLS enables TLS 1.2 or newer.
func redisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	opts := &redis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          envInt("REDIS_DB", 0),
		PoolSize:    envInt("REDIS_POOL_SIZE", 10),
		DialTimeout: envDur("REDIS_DIAL_TIMEOUT", 2*time.Second),
	}
	if envBool("REDIS_TLS", false) {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewRedisClient connects and pings Redis.  It returns nil when
// REDIS_DISABLED is set or the server does not answer within two seconds.
func NewRedisClient(log *slog.Logger) *redis.Client {
	if envBool("REDIS_DISABLED", false) {
		log.Info("redis disabled")
		return nil
	}
	opts := redisOptions()
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, cache and rate limit disabled", slog.String("addr", opts.Addr), slog.Any("err", err))
		_ = client.Close()
		return nil
	}
	return client
}
