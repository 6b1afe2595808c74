package querycache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache[V any](t *testing.T, mutate func(cfg *querycache.Config)) (*querycache.Cache[V], *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := &querycache.Config{DefaultStaleTime: time.Minute, Now: clock.Now}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := querycache.New[V](cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

// countingFetch returns a FetchFunc that reports how often it ran.
func countingFetch[V any](value V, calls *atomic.Int32) querycache.FetchFunc[V] {
	return func(ctx context.Context) (V, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := querycache.New[string](nil, zerolog.Nop())
	require.Error(t, err)

	_, err = querycache.New[string](&querycache.Config{Capacity: -1}, zerolog.Nop())
	require.Error(t, err)
}

func TestRead_ConcurrentMissTriggersSingleFetch(t *testing.T) {
	// Arrange
	c, _ := newTestCache[string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"jugadores", "partido", "P1"}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "roster", nil
	}

	// Act: many readers arrive while the first fetch is still outstanding.
	const readers = 20
	var wg sync.WaitGroup
	results := make([]string, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Read(ctx, key, fetch, time.Minute)
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load(), "only one fetch should run for concurrent readers")
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "roster", results[i])
	}
}

func TestRead_FreshHitDoesNotFetch(t *testing.T) {
	c, clock := newTestCache[[]string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"servicios"}

	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"paletas", "pelotas", "vestuario"}, nil
	}

	t.Run("First read fetches and caches", func(t *testing.T) {
		first, err := c.Read(ctx, key, fetch, 300*time.Second)
		require.NoError(t, err)
		assert.Len(t, first, 3)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Read within the window returns the same value", func(t *testing.T) {
		first, _ := c.Read(ctx, key, fetch, 300*time.Second)
		clock.Advance(time.Second)
		second, err := c.Read(ctx, key, fetch, 300*time.Second)
		require.NoError(t, err)
		assert.Same(t, &first[0], &second[0], "cached slice should be served as is")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Invalidate forces a new fetch", func(t *testing.T) {
		marked, err := c.Invalidate(querycache.Key{"servicios"})
		require.NoError(t, err)
		assert.Equal(t, 1, marked)

		_, err = c.Read(ctx, key, fetch, 300*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Window expiry forces a new fetch", func(t *testing.T) {
		clock.Advance(301 * time.Second)
		_, err := c.Read(ctx, key, fetch, 300*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestRead_NonPositiveStaleTimeAlwaysFetches(t *testing.T) {
	c, _ := newTestCache[int](t, nil)
	var calls atomic.Int32
	fetch := countingFetch(7, &calls)

	for i := 0; i < 3; i++ {
		v, err := c.Read(context.Background(), querycache.Key{"pagos"}, fetch, 0)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestRead_NeverStale(t *testing.T) {
	c, clock := newTestCache[int](t, nil)
	var calls atomic.Int32
	fetch := countingFetch(1, &calls)
	key := querycache.Key{"horarios", "sede", 3}

	_, err := c.Read(context.Background(), key, fetch, querycache.NeverStale)
	require.NoError(t, err)
	clock.Advance(24 * 365 * time.Hour)
	_, err = c.Read(context.Background(), key, fetch, querycache.NeverStale)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetAfterMutation_ServedWithoutFetch(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	key := querycache.Key{"partidos", "P9"}

	require.NoError(t, c.SetAfterMutation(key, "created"))

	var calls atomic.Int32
	v, err := c.Read(context.Background(), key, countingFetch("fetched", &calls), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "created", v)
	assert.Equal(t, int32(0), calls.Load())
}

func TestInvalidate_PrefixMatchingIsSegmentWise(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	ab := querycache.Key{"a", "b"}
	ac := querycache.Key{"a", "c"}
	require.NoError(t, c.SetAfterMutation(ab, "ab"))
	require.NoError(t, c.SetAfterMutation(ac, "ac"))

	isStale := func(k querycache.Key) bool {
		snap, ok := c.Peek(k)
		require.True(t, ok)
		return snap.Stale
	}

	t.Run("Longer prefix marks only the exact key", func(t *testing.T) {
		marked, err := c.Invalidate(ab)
		require.NoError(t, err)
		assert.Equal(t, 1, marked)
		assert.True(t, isStale(ab))
		assert.False(t, isStale(ac))
	})

	t.Run("Shorter prefix marks every key below it", func(t *testing.T) {
		marked, err := c.Invalidate(querycache.Key{"a"})
		require.NoError(t, err)
		assert.Equal(t, 2, marked)
		assert.True(t, isStale(ab))
		assert.True(t, isStale(ac))
	})

	t.Run("A longer key does not invalidate its parent", func(t *testing.T) {
		parent := querycache.Key{"partidos"}
		child := querycache.Key{"partidos", "usuario", 42}
		require.NoError(t, c.SetAfterMutation(parent, "all"))
		require.NoError(t, c.SetAfterMutation(child, "mine"))

		marked, err := c.Invalidate(child)
		require.NoError(t, err)
		assert.Equal(t, 1, marked)
		assert.False(t, isStale(parent))

		marked, err = c.Invalidate(parent)
		require.NoError(t, err)
		assert.Equal(t, 2, marked)
	})

	t.Run("Invalidated values stay readable", func(t *testing.T) {
		snap, ok := c.Peek(ab)
		require.True(t, ok)
		assert.True(t, snap.HasValue)
		assert.Equal(t, "ab", snap.Value)
	})
}

func TestRead_SupersededFetchIsDiscarded(t *testing.T) {
	// Arrange
	c, _ := newTestCache[string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"jugadores", "partido", "P1"}

	started1 := make(chan struct{})
	release1 := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		close(started1)
		<-release1
		return "old roster", nil
	}
	fast := func(ctx context.Context) (string, error) {
		return "new roster", nil
	}

	// Act 1: F1 starts and blocks.
	var wg sync.WaitGroup
	var firstResult string
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstResult, _ = c.Read(ctx, key, slow, time.Minute)
	}()
	<-started1

	// Act 2: invalidation detaches F1, so the next read starts F2.
	_, err := c.Invalidate(key)
	require.NoError(t, err)
	second, err := c.Read(ctx, key, fast, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new roster", second)

	// Act 3: F1 lands last.
	close(release1)
	wg.Wait()

	// Assert
	assert.Equal(t, "old roster", firstResult, "F1's own caller still receives its result")
	snap, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "new roster", snap.Value)
	assert.False(t, snap.Stale)
	assert.False(t, snap.Fetching)
}

func TestRead_InvalidationDuringFetchKeepsResultStale(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"partidos", "P2"}

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "before mutation", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Read(ctx, key, fetch, time.Minute)
	}()
	<-started
	_, err := c.Invalidate(querycache.Key{"partidos"})
	require.NoError(t, err)
	close(release)
	<-done

	snap, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "before mutation", snap.Value)
	assert.True(t, snap.Stale, "a fetch that started before invalidation cannot make the entry fresh")
}

func TestRead_FetchFailureKeepsPreviousValue(t *testing.T) {
	// Arrange: three payments cached for P1.
	c, _ := newTestCache[[]string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"pagos", "partido", "P1"}
	payments := []string{"pago-1", "pago-2", "pago-3"}
	_, err := c.Read(ctx, key, func(ctx context.Context) ([]string, error) { return payments, nil }, time.Minute)
	require.NoError(t, err)
	_, err = c.Invalidate(key)
	require.NoError(t, err)

	networkErr := errors.New("network unreachable")
	failing := func(ctx context.Context) ([]string, error) { return nil, networkErr }

	// Act
	_, err = c.Read(ctx, key, failing, time.Minute)

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, querycache.ErrFetchFailed)
	assert.ErrorIs(t, err, networkErr)
	var ferr *querycache.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.True(t, ferr.HasStale)

	snap, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, payments, snap.Value)
	assert.ErrorIs(t, snap.Err, networkErr)

	t.Run("Errors are not terminal", func(t *testing.T) {
		var calls atomic.Int32
		v, err := c.Read(ctx, key, countingFetch([]string{"pago-1"}, &calls), time.Minute)
		require.NoError(t, err)
		assert.Len(t, v, 1)
		assert.Equal(t, int32(1), calls.Load())
		snap, _ := c.Peek(key)
		assert.NoError(t, snap.Err)
	})
}

func TestRead_HardFailureHasNoStaleValue(t *testing.T) {
	c, _ := newTestCache[int](t, nil)
	_, err := c.Read(context.Background(), querycache.Key{"pagos", "partido", "P7"}, func(ctx context.Context) (int, error) {
		return 0, errors.New("permission denied")
	}, time.Minute)

	var ferr *querycache.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.False(t, ferr.HasStale)
}

func TestRead_PanickingFetchBecomesError(t *testing.T) {
	c, _ := newTestCache[int](t, nil)
	_, err := c.Read(context.Background(), querycache.Key{"boom"}, func(ctx context.Context) (int, error) {
		panic("bad document")
	}, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, querycache.ErrFetchFailed)
	assert.Contains(t, err.Error(), "bad document")
}

func TestRead_StaleWhileRevalidate(t *testing.T) {
	c, _ := newTestCache[string](t, func(cfg *querycache.Config) { cfg.StaleWhileRevalidate = true })
	ctx := context.Background()
	key := querycache.Key{"horarios", "sede", "S1"}
	require.NoError(t, c.SetAfterMutation(key, "v1"))
	_, err := c.Invalidate(key)
	require.NoError(t, err)

	release := make(chan struct{})
	refresh := func(ctx context.Context) (string, error) {
		<-release
		return "v2", nil
	}

	v, err := c.Read(ctx, key, refresh, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "stale value is returned without waiting")

	snap, _ := c.Peek(key)
	assert.True(t, snap.Fetching)

	close(release)
	require.Eventually(t, func() bool {
		snap, _ := c.Peek(key)
		return snap.Value == "v2" && !snap.Stale
	}, time.Second, time.Millisecond)
}

func TestRefetch_LaterStartWins(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"servicios", "partido", "P3"}

	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "slow", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Read(ctx, key, slow, time.Minute)
	}()
	<-started

	v, err := c.Refetch(ctx, key, func(ctx context.Context) (string, error) { return "forced", nil })
	require.NoError(t, err)
	assert.Equal(t, "forced", v)

	close(release)
	<-done
	snap, _ := c.Peek(key)
	assert.Equal(t, "forced", snap.Value)
}

func TestSetAfterMutation_SupersedesOutstandingFetch(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	ctx := context.Background()
	key := querycache.Key{"partidos", "P4"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Read(ctx, key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "pre-write", nil
		}, time.Minute)
	}()
	<-started

	require.NoError(t, c.SetAfterMutation(key, "written"))
	close(release)
	<-done

	snap, _ := c.Peek(key)
	assert.Equal(t, "written", snap.Value)
}

func TestRead_ContextCancelledWhileWaiting(t *testing.T) {
	c, _ := newTestCache[string](t, nil)
	key := querycache.Key{"partidos", "P5"}
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		<-release
		return "late", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx, key, fetch, time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		snap, ok := c.Peek(key)
		return ok && snap.Fetching
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The shared fetch is not cancelled with its first waiter.
	close(release)
	require.Eventually(t, func() bool {
		snap, _ := c.Peek(key)
		return snap.HasValue && snap.Value == "late"
	}, time.Second, time.Millisecond)
}

func TestCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache[int](t, func(cfg *querycache.Config) { cfg.Capacity = 2 })
	ctx := context.Background()
	var calls atomic.Int32
	read := func(id string) {
		_, err := c.Read(ctx, querycache.Key{"canchas", id}, countingFetch(1, &calls), time.Hour)
		require.NoError(t, err)
	}

	read("k1")
	read("k2")
	read("k1") // k1 becomes most recently used
	read("k3") // evicts k2
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(3), calls.Load())

	_, ok := c.Peek(querycache.Key{"canchas", "k2"})
	assert.False(t, ok, "k2 should have been evicted")
	_, ok = c.Peek(querycache.Key{"canchas", "k1"})
	assert.True(t, ok)
}

func TestCapacity_ExceededWhenAllEntriesPinned(t *testing.T) {
	c, _ := newTestCache[int](t, func(cfg *querycache.Config) { cfg.Capacity = 1 })
	unsubscribe, err := c.Subscribe(querycache.Key{"pagos", "partido", "P1"}, func(querycache.Event[int]) {})
	require.NoError(t, err)

	_, err = c.Read(context.Background(), querycache.Key{"pagos", "partido", "P2"}, func(ctx context.Context) (int, error) {
		return 1, nil
	}, time.Minute)
	require.ErrorIs(t, err, querycache.ErrCapacityExceeded)

	unsubscribe()
	_, err = c.Read(context.Background(), querycache.Key{"pagos", "partido", "P2"}, func(ctx context.Context) (int, error) {
		return 1, nil
	}, time.Minute)
	require.NoError(t, err)
}

func TestInvalidKeysAreRejected(t *testing.T) {
	c, _ := newTestCache[int](t, nil)
	fetch := func(ctx context.Context) (int, error) { return 1, nil }

	testCases := []struct {
		name string
		key  querycache.Key
	}{
		{name: "empty", key: querycache.Key{}},
		{name: "nil segment", key: querycache.Key{"partidos", nil}},
		{name: "struct segment", key: querycache.Key{"partidos", struct{}{}}},
		{name: "slice segment", key: querycache.Key{[]string{"a"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Read(context.Background(), tc.key, fetch, time.Minute)
			assert.ErrorIs(t, err, querycache.ErrInvalidKey)
			_, err = c.Invalidate(tc.key)
			assert.ErrorIs(t, err, querycache.ErrInvalidKey)
			assert.ErrorIs(t, c.SetAfterMutation(tc.key, 1), querycache.ErrInvalidKey)
		})
	}
	assert.Equal(t, 0, c.Len())
}

func TestClearAndClose(t *testing.T) {
	c, _ := newTestCache[int](t, nil)
	require.NoError(t, c.SetAfterMutation(querycache.Key{"a"}, 1))
	require.NoError(t, c.SetAfterMutation(querycache.Key{"b"}, 2))

	c.Clear()
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close is idempotent")

	_, err := c.Read(context.Background(), querycache.Key{"a"}, func(ctx context.Context) (int, error) { return 1, nil }, time.Minute)
	assert.ErrorIs(t, err, querycache.ErrClosed)
	_, err = c.Invalidate(querycache.Key{"a"})
	assert.ErrorIs(t, err, querycache.ErrClosed)
	assert.ErrorIs(t, c.SetAfterMutation(querycache.Key{"a"}, 1), querycache.ErrClosed)
	_, err = c.Subscribe(querycache.Key{"a"}, func(querycache.Event[int]) {})
	assert.ErrorIs(t, err, querycache.ErrClosed)
}
