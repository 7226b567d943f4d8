package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/redis/go-redis/v9"
)

// LogSink writes every event as a structured log line.
func LogSink(logger *slog.Logger) Handler {
	return func(ctx context.Context, e domain.Event) error {
		logger.InfoContext(ctx, "domain event", "event", e.EventName(), "payload", e)
		return nil
	}
}

// Envelope is the wire form published to external subscribers.
type Envelope struct {
	Event   string       `json:"event"`
	Payload domain.Event `json:"payload"`
}

// RedisSink publishes events on redis pub/sub, one channel per event name.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, channelPrefix string) *RedisSink {
	return &RedisSink{client: client, prefix: channelPrefix}
}

func (s *RedisSink) Channel(event string) string {
	return s.prefix + event
}

func (s *RedisSink) Handle(ctx context.Context, e domain.Event) error {
	body, err := json.Marshal(Envelope{Event: e.EventName(), Payload: e})
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	if err := s.client.Publish(ctx, s.Channel(e.EventName()), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventName(), err)
	}
	return nil
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
