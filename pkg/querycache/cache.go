// Package querycache provides a keyed query-result cache with staleness
// windows, segment-wise prefix invalidation, de-duplicated fetches and change
// subscriptions. It sits in front of a slow source of truth such as a
// document store.
package querycache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the current value for a key from the source of truth. It
// must not call back into the cache for the key it is loading.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// entry is the cache state for one exact key. All fields are guarded by
// Cache.mu.
type entry[V any] struct {
	key  Key
	id   string
	segs []string
	elem *list.Element

	value     V
	hasValue  bool
	fetchedAt time.Time
	staleTime time.Duration
	err       error

	// stale is set by invalidation and cleared by a fetch that started after it.
	stale          bool
	invalidatedGen uint64
	// inflight is the sequence of the fetch new readers attach to, 0 if none.
	inflight uint64
	// lastStart is the sequence of the newest fetch or mutation. Results from
	// older fetches are discarded.
	lastStart uint64
	// running counts outstanding fetches, detached ones included.
	running int

	subs []subscriber[V]
	// pending holds committed events not yet delivered, oldest first.
	pending  []Event[V]
	draining bool
}

func (e *entry[V]) isStale(now time.Time, staleTime time.Duration) bool {
	if !e.hasValue || e.stale || staleTime <= 0 {
		return true
	}
	return now.Sub(e.fetchedAt) >= staleTime
}

func (e *entry[V]) pinned() bool {
	return len(e.subs) > 0 || e.running > 0
}

// Snapshot is a point-in-time view of one entry, returned by Peek.
type Snapshot[V any] struct {
	Key       Key
	Value     V
	HasValue  bool
	FetchedAt time.Time
	Stale     bool
	Err       error
	Fetching  bool
}

// Cache is a query-result cache for values of type V. It is safe for
// concurrent use. Create one with New and release it with Close.
type Cache[V any] struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry[V]
	ll      *list.List // recency order, front is most recent
	seq     uint64
	nextSub uint64
	closed  bool
}

// New creates a Cache from cfg.
func New[V any](cfg *Config, logger zerolog.Logger) (*Cache[V], error) {
	if cfg == nil {
		return nil, errors.New("querycache config cannot be nil")
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("capacity must not be negative, got %d", cfg.Capacity)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger.Info().
		Int("capacity", cfg.Capacity).
		Bool("stale_while_revalidate", cfg.StaleWhileRevalidate).
		Dur("default_stale_time", cfg.DefaultStaleTime).
		Msg("QueryCache initialized.")

	return &Cache[V]{
		cfg:     *cfg,
		logger:  logger.With().Str("component", "QueryCache").Logger(),
		metrics: cfg.Metrics,
		now:     now,
		entries: make(map[string]*entry[V]),
		ll:      list.New(),
	}, nil
}

// Read returns the cached value for key if it is fresh. Otherwise it runs
// fetch, sharing a single outstanding call among concurrent readers of the
// same key, and returns its result. A failed fetch returns a *FetchError and
// keeps the previous value. With StaleWhileRevalidate a stale value is
// returned at once while the refresh runs in the background.
//
// A staleTime of zero or less treats every cached value as stale.
func (c *Cache[V]) Read(ctx context.Context, key Key, fetch FetchFunc[V], staleTime time.Duration) (V, error) {
	var zero V
	if fetch == nil {
		return zero, errors.New("fetch function cannot be nil")
	}
	segs, err := key.segments()
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	e, err := c.entryLocked(key, segs)
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	e.staleTime = staleTime

	if !e.isStale(c.now(), staleTime) {
		v := e.value
		c.mu.Unlock()
		c.metrics.count(hitsOf, 1)
		c.logger.Debug().Stringer("key", key).Msg("Cache hit.")
		return v, nil
	}

	if e.hasValue && c.cfg.StaleWhileRevalidate {
		v := e.value
		c.startFetchLocked(ctx, e, fetch, false)
		c.mu.Unlock()
		c.metrics.count(staleServedOf, 1)
		c.logger.Debug().Stringer("key", key).Msg("Serving stale value while revalidating.")
		return v, nil
	}

	ch := c.startFetchLocked(ctx, e, fetch, false)
	c.mu.Unlock()
	c.metrics.count(missesOf, 1)
	c.logger.Debug().Stringer("key", key).Msg("Cache miss, waiting for fetch.")
	return c.wait(ctx, ch)
}

// Refetch runs fetch for key regardless of staleness, even while another
// fetch is outstanding. Whichever fetch started last decides the cached value.
func (c *Cache[V]) Refetch(ctx context.Context, key Key, fetch FetchFunc[V]) (V, error) {
	var zero V
	if fetch == nil {
		return zero, errors.New("fetch function cannot be nil")
	}
	segs, err := key.segments()
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	e, err := c.entryLocked(key, segs)
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	ch := c.startFetchLocked(ctx, e, fetch, true)
	c.mu.Unlock()
	return c.wait(ctx, ch)
}

// Invalidate marks every entry whose key equals prefix or starts with it as
// stale and returns how many were marked. Cached values are kept. It neither
// blocks on nor starts a fetch; an outstanding fetch is detached so the next
// Read starts a newer one.
func (c *Cache[V]) Invalidate(prefix Key) (int, error) {
	segs, err := prefix.segments()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.seq++
	gen := c.seq
	var notify []*entry[V]
	marked := 0
	for _, e := range c.entries {
		if !hasPrefix(e.segs, segs) {
			continue
		}
		e.stale = true
		e.invalidatedGen = gen
		e.inflight = 0
		marked++
		if len(e.subs) > 0 {
			e.enqueueLocked(EventInvalidated)
			notify = append(notify, e)
		}
	}
	c.mu.Unlock()

	c.metrics.count(invalidatedOf, marked)
	c.logger.Debug().Stringer("prefix", prefix).Int("marked", marked).Msg("Invalidated entries.")
	c.deliver(notify...)
	return marked, nil
}

// SetAfterMutation stores value for key as a fresh entry without fetching.
// Call it after a successful write so subscribers see the change at once. Any
// fetch that started before the call can no longer overwrite value.
func (c *Cache[V]) SetAfterMutation(key Key, value V) error {
	segs, err := key.segments()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e, err := c.entryLocked(key, segs)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.seq++
	e.lastStart = c.seq
	e.inflight = 0
	e.value = value
	e.hasValue = true
	e.fetchedAt = c.now()
	e.err = nil
	e.stale = false
	e.enqueueLocked(EventValue)
	c.mu.Unlock()

	c.logger.Debug().Stringer("key", key).Msg("Entry seeded after mutation.")
	c.deliver(e)
	return nil
}

// Peek returns the state of the entry for key without fetching or touching
// its recency. The boolean is false if no entry exists.
func (c *Cache[V]) Peek(key Key) (Snapshot[V], bool) {
	segs, err := key.segments()
	if err != nil {
		return Snapshot[V]{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Snapshot[V]{}, false
	}
	e, ok := c.entries[joinSegments(segs)]
	if !ok {
		return Snapshot[V]{}, false
	}
	return Snapshot[V]{
		Key:       e.key,
		Value:     e.value,
		HasValue:  e.hasValue,
		FetchedAt: e.fetchedAt,
		Stale:     e.isStale(c.now(), e.staleTime),
		Err:       e.err,
		Fetching:  e.running > 0,
	}, true
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry together with its subscriptions. Results of fetches
// still outstanding are discarded when they land.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	n := c.clearLocked()
	c.mu.Unlock()
	c.logger.Info().Int("entries", n).Msg("Cache cleared.")
}

// Close clears the cache and rejects all further operations.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	n := c.clearLocked()
	c.mu.Unlock()
	c.logger.Info().Int("entries", n).Msg("QueryCache closed.")
	return nil
}

func (c *Cache[V]) clearLocked() int {
	n := len(c.entries)
	for _, e := range c.entries {
		e.inflight = 0
	}
	c.entries = make(map[string]*entry[V])
	c.ll.Init()
	c.metrics.setEntries(0)
	return n
}

// entryLocked returns the entry for key, creating it and evicting the least
// recently used unpinned entry if the cache is full.
func (c *Cache[V]) entryLocked(key Key, segs []string) (*entry[V], error) {
	id := joinSegments(segs)
	if e, ok := c.entries[id]; ok {
		c.ll.MoveToFront(e.elem)
		return e, nil
	}

	if c.cfg.Capacity > 0 && len(c.entries) >= c.cfg.Capacity && !c.evictLocked() {
		return nil, fmt.Errorf("%w: all %d entries are pinned", ErrCapacityExceeded, len(c.entries))
	}

	e := &entry[V]{
		key:       append(Key(nil), key...),
		id:        id,
		segs:      segs,
		staleTime: c.cfg.DefaultStaleTime,
	}
	e.elem = c.ll.PushFront(e)
	c.entries[id] = e
	c.metrics.setEntries(len(c.entries))
	return e, nil
}

// evictLocked removes the least recently used entry that has no subscribers
// and no outstanding fetch.
func (c *Cache[V]) evictLocked() bool {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[V])
		if e.pinned() {
			continue
		}
		c.ll.Remove(el)
		delete(c.entries, e.id)
		c.metrics.count(evictionsOf, 1)
		c.metrics.setEntries(len(c.entries))
		c.logger.Debug().Stringer("key", e.key).Msg("Evicted least recently used entry.")
		return true
	}
	return false
}

// startFetchLocked attaches to the outstanding fetch for e, or starts a new
// one when none is outstanding or force is set.
func (c *Cache[V]) startFetchLocked(ctx context.Context, e *entry[V], fetch FetchFunc[V], force bool) <-chan singleflight.Result {
	if force || e.inflight == 0 {
		c.seq++
		e.inflight = c.seq
		e.lastStart = c.seq
		e.running++
		c.metrics.count(fetchesOf, 1)
	}
	seq := e.inflight
	// The shared fetch must outlive any single waiter's context.
	fetchCtx := context.WithoutCancel(ctx)
	flightKey := e.id + "#" + strconv.FormatUint(seq, 10)
	return c.group.DoChan(flightKey, func() (any, error) {
		return c.runFetch(fetchCtx, e, seq, fetch)
	})
}

// runFetch executes fetch and applies its outcome unless a newer fetch or
// mutation has started for the entry since seq.
func (c *Cache[V]) runFetch(ctx context.Context, e *entry[V], seq uint64, fetch FetchFunc[V]) (any, error) {
	v, fetchErr := callFetch(ctx, fetch)

	c.mu.Lock()
	e.running--
	if e.inflight == seq {
		e.inflight = 0
	}
	current := !c.closed && c.entries[e.id] == e && e.lastStart == seq

	if fetchErr != nil {
		ferr := &FetchError{Key: e.key, HasStale: e.hasValue, Err: fetchErr}
		if current {
			e.err = ferr
			e.enqueueLocked(EventError)
		}
		c.mu.Unlock()

		c.metrics.count(fetchErrorsOf, 1)
		c.logger.Error().Err(fetchErr).Stringer("key", e.key).Bool("has_stale", ferr.HasStale).Msg("Fetch failed.")
		c.deliver(e)
		return nil, ferr
	}

	if !current {
		c.mu.Unlock()
		c.metrics.count(discardedOf, 1)
		c.logger.Warn().Stringer("key", e.key).Uint64("fetch_seq", seq).Msg("Discarding result of a superseded fetch.")
		return v, nil
	}

	e.value = v
	e.hasValue = true
	e.fetchedAt = c.now()
	e.err = nil
	e.stale = e.invalidatedGen > seq
	e.enqueueLocked(EventValue)
	c.mu.Unlock()

	c.logger.Debug().Stringer("key", e.key).Msg("Fetch result cached.")
	c.deliver(e)
	return v, nil
}

func (c *Cache[V]) wait(ctx context.Context, ch <-chan singleflight.Result) (V, error) {
	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func callFetch[V any](ctx context.Context, fetch FetchFunc[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}
