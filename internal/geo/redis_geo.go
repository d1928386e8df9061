package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-dispatch/internal/models"
)

// RedisIndex mirrors operator positions into a Redis GEO set. It is a spatial
// pre-filter only: the persisted operator record stays the source of truth for
// availability, so callers must re-read and re-filter whatever it returns.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, operatorID string, c models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: operatorID, Longitude: c.Lon, Latitude: c.Lat}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", operatorID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, operatorID string) error {
	return r.client.ZRem(ctx, r.key, operatorID).Err()
}

// Nearby returns operator ids within radiusKm of origin, nearest first.
func (r *RedisIndex) Nearby(ctx context.Context, origin models.Coord, radiusKm float64) ([]string, error) {
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  origin.Lon,
		Latitude:   origin.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return ids, nil
}
