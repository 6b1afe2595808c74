package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/booking"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/illmade-knight/go-querycache/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

// recordingPublisher captures published invalidations.
type recordingPublisher struct {
	mu       sync.Mutex
	reasons  []string
	prefixes [][]querycache.Key
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, reason string, prefixes ...querycache.Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reasons = append(p.reasons, reason)
	p.prefixes = append(p.prefixes, prefixes)
	return nil
}

func (p *recordingPublisher) Stop(context.Context) error { return nil }

func (p *recordingPublisher) last() (string, []querycache.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reasons) == 0 {
		return "", nil
	}
	return p.reasons[len(p.reasons)-1], p.prefixes[len(p.prefixes)-1]
}

// flakyCollection fails Where and Get on demand and counts calls.
type flakyCollection[V any] struct {
	store.Collection[V]
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyCollection[V]) Get(ctx context.Context, id string) (V, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		var zero V
		return zero, errors.New("network error")
	}
	return f.Collection.Get(ctx, id)
}

func (f *flakyCollection[V]) Where(ctx context.Context, field string, value any) ([]V, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("network error")
	}
	return f.Collection.Where(ctx, field, value)
}

type fixture struct {
	repo      *booking.Repository
	caches    *booking.Caches
	publisher *recordingPublisher
	stores    booking.Stores
	players   *flakyCollection[booking.Player]
	payments  *flakyCollection[booking.Payment]
	services  *store.InMemoryCollection[booking.Service]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		publisher: &recordingPublisher{},
		players:   &flakyCollection[booking.Player]{Collection: store.NewInMemoryCollection[booking.Player]("jugadores")},
		payments:  &flakyCollection[booking.Payment]{Collection: store.NewInMemoryCollection[booking.Payment]("pagos")},
		services:  store.NewInMemoryCollection[booking.Service]("servicios"),
	}
	f.stores = booking.Stores{
		Services:      f.services,
		Schedules:     store.NewInMemoryCollection[booking.Schedule]("horarios"),
		Courts:        store.NewInMemoryCollection[booking.Court]("canchas"),
		Matches:       store.NewInMemoryCollection[booking.Match]("partidos"),
		Players:       f.players,
		Payments:      f.payments,
		MatchServices: store.NewInMemoryCollection[booking.MatchService]("servicios_partido"),
	}
	require.NoError(t, f.stores.Courts.Set(ctx, "C1", booking.Court{ID: "C1", VenueID: "V1", Name: "Cancha 1", Sport: "padel"}))
	require.NoError(t, f.services.Set(ctx, "S1", booking.Service{ID: "S1", Name: "Raquetas", Price: 5, Active: true}))
	require.NoError(t, f.services.Set(ctx, "S2", booking.Service{ID: "S2", Name: "Iluminación", Price: 8, Active: false}))

	caches, err := booking.NewCaches(&querycache.Config{DefaultStaleTime: booking.ShortStaleTime}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = caches.Close() })
	f.caches = caches

	var seq atomic.Int32
	repo, err := booking.NewRepository(f.stores, caches, nil, f.publisher, zerolog.Nop(),
		booking.WithClock(func() time.Time { return testNow }),
		booking.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	)
	require.NoError(t, err)
	f.repo = repo
	return f
}

func (f *fixture) createMatch(t *testing.T, maxPlayers int) booking.Match {
	t.Helper()
	m, err := f.repo.CreateMatch(context.Background(), booking.NewMatch{
		CourtID:         "C1",
		OrganizerID:     "u1",
		OrganizerName:   "Ana",
		StartsAt:        testNow.Add(24 * time.Hour),
		DurationMinutes: 90,
		MaxPlayers:      maxPlayers,
	})
	require.NoError(t, err)
	return m
}
