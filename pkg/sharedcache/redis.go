// Package sharedcache provides a Redis layer shared by every service instance.
// It wraps query fetch functions so a result fetched by one instance is served
// to the others without another round trip to the document store.
package sharedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	// WriteTimeout bounds write-backs after a source fetch. Defaults to 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// generationKey counts writes and invalidations under a KeyPrefix. No encoded
// querycache.Key starts with '#', so it never collides with a cached entry.
const generationKey = "#gen"

// writeBackScript stores a fetched value only if no mutation or invalidation
// has happened since the fetch began. ARGV: generation seen before the fetch,
// payload, TTL in milliseconds (0 keeps the value until deleted).
var writeBackScript = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "0") ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// RedisLayer stores JSON-encoded query results in Redis under their encoded
// querycache.Key. Read errors fail soft: the wrapped fetch is used instead.
//
// Every Write and Invalidate bumps a generation counter shared by all layers
// with the same KeyPrefix. A value fetched from the source is written back
// only if the counter has not moved since the fetch began, so a slow reader
// cannot restore a value that a concurrent mutation already replaced.
type RedisLayer[V any] struct {
	redisClient  redis.UniversalClient
	logger       zerolog.Logger
	ttl          time.Duration
	prefix       string
	writeTimeout time.Duration
	ownsClient   bool
}

// NewRedisLayer creates and connects a new RedisLayer.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisLayer[V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisLayer[V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	l := NewRedisLayerFromClient[V](rdb, cfg, logger)
	l.ownsClient = true
	return l, nil
}

// NewRedisLayerFromClient wraps an existing client without pinging it, so
// several layers can share one connection pool. The caller keeps ownership
// of the client.
func NewRedisLayerFromClient[V any](rdb redis.UniversalClient, cfg *RedisConfig, logger zerolog.Logger) *RedisLayer[V] {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &RedisLayer[V]{
		redisClient:  rdb,
		logger:       logger.With().Str("component", "RedisLayer").Logger(),
		ttl:          cfg.CacheTTL,
		prefix:       cfg.KeyPrefix,
		writeTimeout: writeTimeout,
	}
}

// Wrap returns a FetchFunc that first checks Redis for key. On a miss, or if
// Redis is unavailable, it calls fetch and writes the result back to Redis.
// Entries expire after staleTime, or after CacheTTL if that is shorter, so
// Redis never extends the staleness window of the caller. A staleTime of zero
// or less bypasses Redis.
func (l *RedisLayer[V]) Wrap(key querycache.Key, staleTime time.Duration, fetch querycache.FetchFunc[V]) querycache.FetchFunc[V] {
	return func(ctx context.Context) (V, error) {
		var zero V
		redisKey, err := l.redisKey(key)
		if err != nil {
			return zero, err
		}
		if staleTime <= 0 {
			return fetch(ctx)
		}

		gen, err := l.generation(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Stringer("key", key).Msg("Redis unavailable, falling back to source.")
			return fetch(ctx)
		}

		value, err := l.fetchFromRedis(ctx, redisKey)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn().Err(err).Stringer("key", key).Msg("Redis unavailable, falling back to source.")
		}

		sourceValue, err := fetch(ctx)
		if err != nil {
			return sourceValue, err
		}

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
		defer cancel()
		stored, err := l.writeBack(writeCtx, redisKey, gen, sourceValue, l.ttlFor(staleTime))
		switch {
		case err != nil:
			l.logger.Error().Err(err).Stringer("key", key).Msg("Failed to write fetched value to Redis.")
		case !stored:
			l.logger.Debug().Stringer("key", key).Msg("Skipped Redis write-back, entries changed during the fetch.")
		}
		return sourceValue, nil
	}
}

// Write stores value for key, typically right after a successful mutation. It
// expires like a value stored by Wrap with the same staleTime.
func (l *RedisLayer[V]) Write(ctx context.Context, key querycache.Key, value V, staleTime time.Duration) error {
	redisKey, err := l.redisKey(key)
	if err != nil {
		return err
	}
	if staleTime <= 0 {
		return nil
	}
	if err := l.bumpGeneration(ctx); err != nil {
		return err
	}
	return l.write(ctx, redisKey, value, l.ttlFor(staleTime))
}

// Invalidate deletes the entry for prefix and every entry below it. It
// returns the number of Redis keys removed.
func (l *RedisLayer[V]) Invalidate(ctx context.Context, prefix querycache.Key) (int, error) {
	exact, err := l.redisKey(prefix)
	if err != nil {
		return 0, err
	}
	// Bump first: a write-back that checks the generation afterwards is
	// skipped, one that checked before lands before the DEL below.
	if err := l.bumpGeneration(ctx); err != nil {
		return 0, err
	}

	keys := []string{exact}
	iter := l.redisClient.Scan(ctx, 0, escapeGlob(exact+querycache.SegmentSeparator)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan for %s failed: %w", prefix, err)
	}

	removed, err := l.redisClient.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del for %s failed: %w", prefix, err)
	}
	l.logger.Debug().Stringer("prefix", prefix).Int64("removed", removed).Msg("Invalidated Redis entries.")
	return int(removed), nil
}

// Close closes the Redis client connection if the layer created it.
func (l *RedisLayer[V]) Close() error {
	if l.redisClient != nil && l.ownsClient {
		l.logger.Info().Msg("Closing Redis client connection...")
		return l.redisClient.Close()
	}
	return nil
}

func (l *RedisLayer[V]) redisKey(key querycache.Key) (string, error) {
	enc, err := key.Encode()
	if err != nil {
		return "", err
	}
	return l.prefix + enc, nil
}

// ttlFor caps CacheTTL at staleTime. A zero result keeps the value until it
// is deleted.
func (l *RedisLayer[V]) ttlFor(staleTime time.Duration) time.Duration {
	if staleTime == querycache.NeverStale || (l.ttl > 0 && l.ttl < staleTime) {
		return l.ttl
	}
	return staleTime
}

func (l *RedisLayer[V]) generation(ctx context.Context) (string, error) {
	gen, err := l.redisClient.Get(ctx, l.prefix+generationKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read redis generation: %w", err)
	}
	return gen, nil
}

func (l *RedisLayer[V]) bumpGeneration(ctx context.Context) error {
	if err := l.redisClient.Incr(ctx, l.prefix+generationKey).Err(); err != nil {
		return fmt.Errorf("failed to bump redis generation: %w", err)
	}
	return nil
}

func (l *RedisLayer[V]) fetchFromRedis(ctx context.Context, redisKey string) (V, error) {
	var zero V
	cachedData, err := l.redisClient.Get(ctx, redisKey).Bytes()
	if err != nil {
		// Let the caller handle distinguishing redis.Nil from other errors.
		return zero, err
	}

	var value V
	if err := json.Unmarshal(cachedData, &value); err != nil {
		l.logger.Error().Err(err).Str("redis_key", redisKey).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	l.logger.Debug().Str("redis_key", redisKey).Msg("Redis cache hit.")
	return value, nil
}

func (l *RedisLayer[V]) write(ctx context.Context, redisKey string, value V, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := l.redisClient.Set(ctx, redisKey, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	l.logger.Debug().Str("redis_key", redisKey).Dur("ttl", ttl).Msg("Successfully stored data in Redis cache.")
	return nil
}

// writeBack stores value only if the generation still equals gen.
func (l *RedisLayer[V]) writeBack(ctx context.Context, redisKey, gen string, value V, ttl time.Duration) (bool, error) {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal data: %w", err)
	}
	ttlMillis := ttl.Milliseconds()
	if ttl > 0 && ttlMillis == 0 {
		ttlMillis = 1
	}
	stored, err := writeBackScript.Run(ctx, l.redisClient,
		[]string{l.prefix + generationKey, redisKey},
		gen, jsonData, ttlMillis,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write back to redis: %w", err)
	}
	return stored == 1, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
