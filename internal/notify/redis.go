package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scenariolab/api/internal/store"
)

const recentLimit = 50

// RedisPublisher publishes each notification on a per-recipient channel and
// keeps a short list of the most recent ones for clients that reconnect.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(redisURL, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, prefix), nil
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "notifications:"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel is the pub/sub channel for a recipient.
func (p *RedisPublisher) Channel(recipient string) string {
	return p.prefix + recipient
}

func (p *RedisPublisher) recentKey(recipient string) string {
	return p.prefix + "recent:" + recipient
}

func (p *RedisPublisher) Publish(ctx context.Context, item store.Notification) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.recentKey(item.Recipient), payload)
	pipe.LTrim(ctx, p.recentKey(item.Recipient), 0, recentLimit-1)
	pipe.Publish(ctx, p.Channel(item.Recipient), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Recent returns the latest pushed notifications for recipient, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, recipient string, limit int) ([]store.Notification, error) {
	if limit <= 0 || limit > recentLimit {
		limit = recentLimit
	}
	values, err := p.client.LRange(ctx, p.recentKey(recipient), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent notifications: %w", err)
	}
	items := make([]store.Notification, 0, len(values))
	for _, value := range values {
		var item store.Notification
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
