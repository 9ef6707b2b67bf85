// Package transport connects the command router to the outside world: a
// Redis command list and reply stream, and a gRPC service for direct
// callers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"ibsupervisor/internal/router"
)

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	Addr   string

	// CommandsKey is the list orchestrators LPUSH/RPUSH commands onto.
	CommandsKey string
	// RepliesStream is the stream replies and events are XADDed to.
	RepliesStream string
	// MaxLen caps the replies stream (approximate trimming). Zero keeps
	// everything.
	MaxLen int64

	// PollTimeout bounds each BLPOP so cancellation is noticed.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Redis reads commands with BLPOP and writes replies with XADD.
type Redis struct {
	client        redis.UniversalClient
	commandsKey   string
	repliesStream string
	maxLen        int64
	pollTimeout   time.Duration
	logger        *slog.Logger
	retry         *backoff.ExponentialBackOff
}

// NewRedis creates a Redis transport.
func NewRedis(cfg RedisConfig) *Redis {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if cfg.CommandsKey == "" {
		cfg.CommandsKey = "ib:commands"
	}
	if cfg.RepliesStream == "" {
		cfg.RepliesStream = "ib:replies"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 200 * time.Millisecond
	retry.MaxInterval = 10 * time.Second

	return &Redis{
		client:        client,
		commandsKey:   cfg.CommandsKey,
		repliesStream: cfg.RepliesStream,
		maxLen:        cfg.MaxLen,
		pollTimeout:   cfg.PollTimeout,
		logger:        logger,
		retry:         retry,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Receive blocks until a command is available or ctx is done. Connection
// errors are logged and retried with exponential backoff. Receive is meant
// to be called from a single goroutine.
func (r *Redis) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := r.client.BLPop(ctx, r.pollTimeout, r.commandsKey).Result()
		switch {
		case err == nil:
			r.retry.Reset()
			// BLPOP replies with [key, value].
			if len(res) != 2 {
				continue
			}
			return []byte(res[1]), nil
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}

		wait := r.retry.NextBackOff()
		r.logger.Warn("redis receive failed", "key", r.commandsKey, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Send appends out to the replies stream as a JSON "data" field.
func (r *Redis) Send(ctx context.Context, out router.Outbound) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", out.Type, err)
	}
	args := &redis.XAddArgs{
		Stream: r.repliesStream,
		Values: map[string]any{"data": data},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publishing to stream %s: %w", r.repliesStream, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
