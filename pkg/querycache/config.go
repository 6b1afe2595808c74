package querycache

import (
	"math"
	"os"
	"strconv"
	"time"
)

// NeverStale keeps an entry fresh until it is invalidated.
const NeverStale = time.Duration(math.MaxInt64)

// Config holds the tunables of a Cache.
type Config struct {
	// Capacity bounds the number of resident entries. Zero means unbounded.
	// When full, the least recently used unpinned entry is evicted.
	Capacity int `yaml:"capacity"`
	// StaleWhileRevalidate makes Read return a stale value immediately and
	// refresh it in the background instead of blocking on the fetch.
	StaleWhileRevalidate bool `yaml:"stale_while_revalidate"`
	// DefaultStaleTime is used by Peek for entries that were seeded by
	// SetAfterMutation but never read.
	DefaultStaleTime time.Duration `yaml:"default_stale_time"`

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time `yaml:"-"`
	// Metrics is optional.
	Metrics *Metrics `yaml:"-"`
}

// LoadDefaultConfig returns a config with sensible defaults, overridable via
// QUERYCACHE_CAPACITY, QUERYCACHE_STALE_WHILE_REVALIDATE and
// QUERYCACHE_DEFAULT_STALE_TIME.
func LoadDefaultConfig() *Config {
	cfg := &Config{
		Capacity:             0,
		StaleWhileRevalidate: false,
		DefaultStaleTime:     30 * time.Second,
	}
	if c := os.Getenv("QUERYCACHE_CAPACITY"); c != "" {
		if val, err := strconv.Atoi(c); err == nil {
			cfg.Capacity = val
		}
	}
	if swr := os.Getenv("QUERYCACHE_STALE_WHILE_REVALIDATE"); swr != "" {
		if val, err := strconv.ParseBool(swr); err == nil {
			cfg.StaleWhileRevalidate = val
		}
	}
	if st := os.Getenv("QUERYCACHE_DEFAULT_STALE_TIME"); st != "" {
		if val, err := time.ParseDuration(st); err == nil {
			cfg.DefaultStaleTime = val
		}
	}
	return cfg
}
