package booking

import (
	"context"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/illmade-knight/go-querycache/pkg/sharedcache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SharedLayers holds one Redis layer per result type, all on one client. A
// nil *SharedLayers, or a nil layer, disables the shared cache for it.
type SharedLayers struct {
	Services      *sharedcache.RedisLayer[[]Service]
	Schedules     *sharedcache.RedisLayer[Schedule]
	Matches       *sharedcache.RedisLayer[Match]
	UserMatches   *sharedcache.RedisLayer[[]Match]
	Players       *sharedcache.RedisLayer[[]Player]
	Payments      *sharedcache.RedisLayer[[]Payment]
	MatchServices *sharedcache.RedisLayer[[]MatchService]
}

// NewSharedLayers wraps rdb. The caller keeps ownership of the client.
func NewSharedLayers(rdb *redis.Client, cfg *sharedcache.RedisConfig, logger zerolog.Logger) *SharedLayers {
	return &SharedLayers{
		Services:      sharedcache.NewRedisLayerFromClient[[]Service](rdb, cfg, logger),
		Schedules:     sharedcache.NewRedisLayerFromClient[Schedule](rdb, cfg, logger),
		Matches:       sharedcache.NewRedisLayerFromClient[Match](rdb, cfg, logger),
		UserMatches:   sharedcache.NewRedisLayerFromClient[[]Match](rdb, cfg, logger),
		Players:       sharedcache.NewRedisLayerFromClient[[]Player](rdb, cfg, logger),
		Payments:      sharedcache.NewRedisLayerFromClient[[]Payment](rdb, cfg, logger),
		MatchServices: sharedcache.NewRedisLayerFromClient[[]MatchService](rdb, cfg, logger),
	}
}

// Invalidate removes every Redis entry under prefix. All layers share the key
// space, so a single layer's SCAN covers them all.
func (s *SharedLayers) Invalidate(ctx context.Context, prefix querycache.Key) (int, error) {
	if s == nil || s.Services == nil {
		return 0, nil
	}
	return s.Services.Invalidate(ctx, prefix)
}

// wrap returns fetch behind layer, or fetch itself when layer is nil.
func wrap[V any](layer *sharedcache.RedisLayer[V], key querycache.Key, staleTime time.Duration, fetch querycache.FetchFunc[V]) querycache.FetchFunc[V] {
	if layer == nil {
		return fetch
	}
	return layer.Wrap(key, staleTime, fetch)
}

// write stores value under key in layer, if there is one.
func write[V any](ctx context.Context, layer *sharedcache.RedisLayer[V], key querycache.Key, value V, staleTime time.Duration) error {
	if layer == nil {
		return nil
	}
	return layer.Write(ctx, key, value, staleTime)
}
