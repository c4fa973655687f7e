package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// RedisChannelPrefix prefixes the per-query pub/sub channel.
const RedisChannelPrefix = "bodhiq:progress:"

// RedisRelay relays updates over Redis pub/sub, one channel per query.
type RedisRelay struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRelay wraps an existing client. The relay owns the client and
// closes it on Close.
func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, logger: logger}
}

// DialRedis parses a redis:// URL and verifies the server responds.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("progress: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("progress: ping redis: %w", err)
	}
	return client, nil
}

func redisChannel(queryID int64) string {
	return RedisChannelPrefix + strconv.FormatInt(queryID, 10)
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, queryID int64, u model.AgentUpdate) error {
	payload, err := encodeEnvelope(queryID, u)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisChannel(queryID), payload).Err(); err != nil {
		return fmt.Errorf("progress: redis publish: %w", err)
	}
	return nil
}

// Subscribe implements Relay.
func (r *RedisRelay) Subscribe(ctx context.Context, queryID int64) (<-chan Envelope, error) {
	var ps *redis.PubSub
	if queryID == 0 {
		ps = r.client.PSubscribe(ctx, RedisChannelPrefix+"*")
	} else {
		ps = r.client.Subscribe(ctx, redisChannel(queryID))
	}
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("progress: redis subscribe: %w", err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := decodeEnvelope(msg.Payload)
				if err != nil {
					r.logger.Warn("progress: dropping malformed relay message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Name implements Relay.
func (r *RedisRelay) Name() string { return "redis" }

// Close implements Relay.
func (r *RedisRelay) Close() error { return r.client.Close() }
