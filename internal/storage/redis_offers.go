package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOfferLog keeps one set per request under prefix+requestID. Sets expire so
// unclaimed offers do not accumulate.
type RedisOfferLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisOfferLog(client *redis.Client, prefix string, ttl time.Duration) *RedisOfferLog {
	if prefix == "" {
		prefix = "offers:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisOfferLog{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisOfferLog) key(requestID string) string { return l.prefix + requestID }

func (l *RedisOfferLog) Record(ctx context.Context, requestID string, operatorIDs []string) error {
	if len(operatorIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(operatorIDs))
	for i, id := range operatorIDs {
		members[i] = id
	}
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, l.key(requestID), members...)
	pipe.Expire(ctx, l.key(requestID), l.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisOfferLog) Offered(ctx context.Context, requestID string) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.key(requestID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

func (l *RedisOfferLog) Forget(ctx context.Context, requestID string) error {
	return l.client.Del(ctx, l.key(requestID)).Err()
}
