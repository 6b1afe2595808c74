package booking

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Caches holds one query cache per result type. They share a key space:
// Invalidate fans a prefix out to all of them.
type Caches struct {
	Services      *querycache.Cache[[]Service]
	Schedules     *querycache.Cache[Schedule]
	Matches       *querycache.Cache[Match]
	UserMatches   *querycache.Cache[[]Match]
	Players       *querycache.Cache[[]Player]
	Payments      *querycache.Cache[[]Payment]
	MatchServices *querycache.Cache[[]MatchService]
}

// NewCaches creates the caches from cfg. When reg is not nil each cache gets
// its own metrics under the namespace "booking_<name>".
func NewCaches(cfg *querycache.Config, reg prometheus.Registerer, logger zerolog.Logger) (*Caches, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}
	c := &Caches{}
	var err error
	if c.Services, err = newCache[[]Service](cfg, reg, "services", logger); err != nil {
		return nil, err
	}
	if c.Schedules, err = newCache[Schedule](cfg, reg, "schedules", logger); err != nil {
		return nil, err
	}
	if c.Matches, err = newCache[Match](cfg, reg, "matches", logger); err != nil {
		return nil, err
	}
	if c.UserMatches, err = newCache[[]Match](cfg, reg, "user_matches", logger); err != nil {
		return nil, err
	}
	if c.Players, err = newCache[[]Player](cfg, reg, "players", logger); err != nil {
		return nil, err
	}
	if c.Payments, err = newCache[[]Payment](cfg, reg, "payments", logger); err != nil {
		return nil, err
	}
	if c.MatchServices, err = newCache[[]MatchService](cfg, reg, "match_services", logger); err != nil {
		return nil, err
	}
	return c, nil
}

func newCache[V any](cfg *querycache.Config, reg prometheus.Registerer, name string, logger zerolog.Logger) (*querycache.Cache[V], error) {
	local := *cfg
	if reg != nil {
		metrics, err := querycache.NewMetrics(reg, "booking_"+name)
		if err != nil {
			return nil, err
		}
		local.Metrics = metrics
	}
	cache, err := querycache.New[V](&local, logger.With().Str("cache", name).Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", name, err)
	}
	return cache, nil
}

// Invalidate marks every entry under prefix stale in every cache and returns
// the total number of entries marked.
func (c *Caches) Invalidate(prefix querycache.Key) (int, error) {
	total := 0
	for _, inv := range c.invalidators() {
		n, err := inv(prefix)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Len returns the number of resident entries across all caches.
func (c *Caches) Len() int {
	return c.Services.Len() + c.Schedules.Len() + c.Matches.Len() + c.UserMatches.Len() +
		c.Players.Len() + c.Payments.Len() + c.MatchServices.Len()
}

// Clear drops every entry of every cache, e.g. on logout.
func (c *Caches) Clear() {
	c.Services.Clear()
	c.Schedules.Clear()
	c.Matches.Clear()
	c.UserMatches.Clear()
	c.Players.Clear()
	c.Payments.Clear()
	c.MatchServices.Clear()
}

// Close closes every cache.
func (c *Caches) Close() error {
	return errors.Join(
		c.Services.Close(),
		c.Schedules.Close(),
		c.Matches.Close(),
		c.UserMatches.Close(),
		c.Players.Close(),
		c.Payments.Close(),
		c.MatchServices.Close(),
	)
}

func (c *Caches) invalidators() []func(querycache.Key) (int, error) {
	return []func(querycache.Key) (int, error){
		c.Services.Invalidate,
		c.Schedules.Invalidate,
		c.Matches.Invalidate,
		c.UserMatches.Invalidate,
		c.Players.Invalidate,
		c.Payments.Invalidate,
		c.MatchServices.Invalidate,
	}
}
