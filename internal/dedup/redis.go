package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Index is the dedup store contract. Seen answers before processing, Mark
// records after a stub was enqueued. Callers treat Seen errors as "not seen"
// so a degraded backend produces duplicate mocks instead of dropped ones.
type Index interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Mark(ctx context.Context, fingerprint string, metadata map[string]string) error
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Stats summarizes index occupancy for the stats endpoint.
type Stats struct {
	Backend      string           `json:"backend"`
	TotalEntries int64            `json:"total_entries"`
	AgeBuckets   map[string]int64 `json:"age_buckets"`
	TTLSeconds   int64            `json:"ttl_seconds"`
}

// entry is the value stored per fingerprint.
type entry struct {
	ProcessedAt time.Time         `json:"processed_at"`
	Hash        string            `json:"hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RedisIndex keeps fingerprints in Redis under mock:dedup:<hex> with a
// per-entry TTL, so the window survives collector restarts and is shared by
// replicas.
type RedisIndex struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisIndex wires an index over an established Redis client. A TTL of
// zero disables marking entirely: every capture is treated as new.
func NewRedisIndex(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisIndex {
	return &RedisIndex{rdb: rdb, ttl: ttl, logger: logger}
}

func (i *RedisIndex) Seen(ctx context.Context, fingerprint string) (bool, error) {
	n, err := i.rdb.Exists(ctx, keyPrefix+fingerprint).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (i *RedisIndex) Mark(ctx context.Context, fingerprint string, metadata map[string]string) error {
	if i.ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry{
		ProcessedAt: time.Now().UTC(),
		Hash:        fingerprint,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	return i.rdb.SetEx(ctx, keyPrefix+fingerprint, payload, i.ttl).Err()
}

// CleanupExpired deletes index entries that lost their TTL (written by older
// builds or restored from a dump without expiries). Entries with a live TTL
// are left for Redis to expire on its own.
func (i *RedisIndex) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := i.rdb.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		ttl, err := i.rdb.TTL(ctx, key).Result()
		if err != nil {
			i.logger.Warn("dedup ttl probe failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if ttl == -1 {
			if err := i.rdb.Del(ctx, key).Err(); err != nil {
				i.logger.Warn("dedup cleanup delete failed", zap.String("key", key), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// statsSampleLimit bounds how many entries Stats inspects for age buckets.
const statsSampleLimit = 100

func (i *RedisIndex) Stats(ctx context.Context) (Stats, error) {
	keys, err := i.rdb.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Backend:      "redis",
		TotalEntries: int64(len(keys)),
		AgeBuckets:   newAgeBuckets(),
		TTLSeconds:   int64(i.ttl / time.Second),
	}

	sample := keys
	if len(sample) > statsSampleLimit {
		sample = sample[:statsSampleLimit]
	}
	now := time.Now().UTC()
	for _, key := range sample {
		raw, err := i.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		bucketAge(stats.AgeBuckets, now.Sub(e.ProcessedAt))
	}
	return stats, nil
}

func (i *RedisIndex) Ping(ctx context.Context) error {
	return i.rdb.Ping(ctx).Err()
}

func newAgeBuckets() map[string]int64 {
	return map[string]int64{
		"lt_1h":  0,
		"1h_6h":  0,
		"6h_24h": 0,
		"gt_24h": 0,
	}
}

func bucketAge(buckets map[string]int64, age time.Duration) {
	switch {
	case age < time.Hour:
		buckets["lt_1h"]++
	case age < 6*time.Hour:
		buckets["1h_6h"]++
	case age < 24*time.Hour:
		buckets["6h_24h"]++
	default:
		buckets["gt_24h"]++
	}
}
