package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores each bucket as a Redis hash keyed by the full scoped
// key, one field per entry. Bucket keys expire with the longest-lived entry
// so abandoned buckets vanish on their own.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int, ttl time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisBackend{client: client, ttl: ttl}, nil
}

func (r *RedisBackend) Lookup(ctx context.Context, key Key, embedding []float64, threshold float64) (*Entry, error) {
	fields, err := r.client.HGetAll(ctx, key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	now := time.Now()
	var best *Entry
	bestSim := 0.0
	var expiredFields []string
	for field, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			expiredFields = append(expiredFields, field)
			continue
		}
		if e.expired(now) {
			expiredFields = append(expiredFields, field)
			continue
		}
		if sim := Cosine(embedding, e.Embedding); sim >= threshold && sim > bestSim {
			entry := e
			best, bestSim = &entry, sim
		}
	}

	// Lazy eviction of expired fields; errors here are not fatal to the hit.
	if len(expiredFields) > 0 {
		r.client.HDel(ctx, key.String(), expiredFields...)
	}

	return best, nil
}

func (r *RedisBackend) Store(ctx context.Context, key Key, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	field := embeddingDigest(entry.Embedding)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key.String(), field, data)
	ttl := r.ttl
	if !entry.ExpiresAt.IsZero() {
		if until := time.Until(entry.ExpiresAt); until > ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		pipe.Expire(ctx, key.String(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET failed: %w", err)
	}
	return nil
}

// Sweep is a no-op for Redis: bucket keys expire server-side and expired
// fields are dropped lazily during Lookup.
func (r *RedisBackend) Sweep(_ context.Context) int {
	return 0
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
