package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/invalidation"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/illmade-knight/go-querycache/pkg/sharedcache"
	"github.com/illmade-knight/go-querycache/pkg/store"
	"github.com/rs/zerolog"
)

// Stores are the collections behind the repository.
type Stores struct {
	Services      store.Collection[Service]
	Schedules     store.Collection[Schedule] // keyed by venue ID
	Courts        store.Collection[Court]
	Matches       store.Collection[Match]
	Players       store.Collection[Player]
	Payments      store.Collection[Payment]
	MatchServices store.Collection[MatchService]
}

func (s Stores) validate() error {
	if s.Services == nil || s.Schedules == nil || s.Courts == nil || s.Matches == nil ||
		s.Players == nil || s.Payments == nil || s.MatchServices == nil {
		return errors.New("all booking stores must be set")
	}
	return nil
}

// Close closes every store.
func (s Stores) Close() error {
	return errors.Join(
		s.Services.Close(),
		s.Schedules.Close(),
		s.Courts.Close(),
		s.Matches.Close(),
		s.Players.Close(),
		s.Payments.Close(),
		s.MatchServices.Close(),
	)
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides the generator of document IDs.
func WithIDGenerator(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// Repository is the booking data layer. Reads go through the caches, and the
// shared Redis layer when there is one. Mutations write to the store, seed
// the keys whose new value is known, mark dependent keys stale and tell peer
// instances to do the same.
type Repository struct {
	stores    Stores
	caches    *Caches
	shared    *SharedLayers
	publisher invalidation.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// NewRepository creates a Repository. shared and publisher are optional.
func NewRepository(
	stores Stores,
	caches *Caches,
	shared *SharedLayers,
	publisher invalidation.Publisher,
	logger zerolog.Logger,
	opts ...Option,
) (*Repository, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if caches == nil {
		return nil, errors.New("caches cannot be nil")
	}
	if shared == nil {
		shared = &SharedLayers{}
	}
	if publisher == nil {
		publisher = invalidation.NopPublisher{}
	}
	r := &Repository{
		stores:    stores,
		caches:    caches,
		shared:    shared,
		publisher: publisher,
		logger:    logger.With().Str("component", "BookingRepository").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Invalidate marks prefix stale locally. It lets the repository act as the
// target of an invalidation.Listener.
func (r *Repository) Invalidate(prefix querycache.Key) (int, error) {
	return r.caches.Invalidate(prefix)
}

// Services returns the active catalogue services.
func (r *Repository) Services(ctx context.Context) ([]Service, error) {
	key := ServicesKey()
	return read(ctx, r.caches.Services, key, wrap(r.shared.Services, key, LongStaleTime, func(ctx context.Context) ([]Service, error) {
		all, err := r.stores.Services.List(ctx)
		if err != nil {
			return nil, err
		}
		active := make([]Service, 0, len(all))
		for _, s := range all {
			if s.Active {
				active = append(active, s)
			}
		}
		return active, nil
	}), LongStaleTime)
}

// Schedule returns the opening hours of a venue.
func (r *Repository) Schedule(ctx context.Context, venueID string) (Schedule, error) {
	if venueID == "" {
		return Schedule{}, fmt.Errorf("%w: venue ID is required", ErrInvalidInput)
	}
	key := ScheduleKey(venueID)
	return read(ctx, r.caches.Schedules, key, wrap(r.shared.Schedules, key, LongStaleTime, func(ctx context.Context) (Schedule, error) {
		return r.stores.Schedules.Get(ctx, venueID)
	}), LongStaleTime)
}

// Match returns a single match.
func (r *Repository) Match(ctx context.Context, matchID string) (Match, error) {
	if matchID == "" {
		return Match{}, fmt.Errorf("%w: match ID is required", ErrInvalidInput)
	}
	key := MatchKey(matchID)
	return read(ctx, r.caches.Matches, key, wrap(r.shared.Matches, key, ShortStaleTime, func(ctx context.Context) (Match, error) {
		return r.stores.Matches.Get(ctx, matchID)
	}), ShortStaleTime)
}

// UserMatches returns every match the user plays in, ordered by start time.
func (r *Repository) UserMatches(ctx context.Context, userID string) ([]Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	key := UserMatchesKey(userID)
	return read(ctx, r.caches.UserMatches, key, wrap(r.shared.UserMatches, key, ShortStaleTime, func(ctx context.Context) ([]Match, error) {
		entries, err := r.stores.Players.Where(ctx, "usuarioId", userID)
		if err != nil {
			return nil, err
		}
		matches := make([]Match, 0, len(entries))
		for _, p := range entries {
			m, err := r.stores.Matches.Get(ctx, p.MatchID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			matches = append(matches, m)
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].StartsAt.Before(matches[j].StartsAt) })
		return matches, nil
	}), ShortStaleTime)
}

// MatchPlayers returns the roster of a match.
func (r *Repository) MatchPlayers(ctx context.Context, matchID string) ([]Player, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: match ID is required", ErrInvalidInput)
	}
	key := MatchPlayersKey(matchID)
	return read(ctx, r.caches.Players, key, wrap(r.shared.Players, key, ShortStaleTime, func(ctx context.Context) ([]Player, error) {
		return r.stores.Players.Where(ctx, "partidoId", matchID)
	}), ShortStaleTime)
}

// MatchPayments returns the payments recorded for a match.
func (r *Repository) MatchPayments(ctx context.Context, matchID string) ([]Payment, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: match ID is required", ErrInvalidInput)
	}
	key := MatchPaymentsKey(matchID)
	return read(ctx, r.caches.Payments, key, wrap(r.shared.Payments, key, ShortStaleTime, func(ctx context.Context) ([]Payment, error) {
		return r.stores.Payments.Where(ctx, "partidoId", matchID)
	}), ShortStaleTime)
}

// MatchServices returns the services booked for a match.
func (r *Repository) MatchServices(ctx context.Context, matchID string) ([]MatchService, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: match ID is required", ErrInvalidInput)
	}
	key := MatchServicesKey(matchID)
	return read(ctx, r.caches.MatchServices, key, wrap(r.shared.MatchServices, key, ShortStaleTime, func(ctx context.Context) ([]MatchService, error) {
		return r.stores.MatchServices.Where(ctx, "partidoId", matchID)
	}), ShortStaleTime)
}

// CreateMatch books a court and adds the organizer as the first player.
func (r *Repository) CreateMatch(ctx context.Context, in NewMatch) (Match, error) {
	if err := validateNewMatch(in); err != nil {
		return Match{}, err
	}
	if _, err := r.stores.Courts.Get(ctx, in.CourtID); err != nil {
		return Match{}, fmt.Errorf("failed to look up court %s: %w", in.CourtID, err)
	}

	now := r.now()
	m := Match{
		ID:              r.newID(),
		CourtID:         in.CourtID,
		OrganizerID:     in.OrganizerID,
		StartsAt:        in.StartsAt,
		DurationMinutes: in.DurationMinutes,
		MaxPlayers:      in.MaxPlayers,
		Status:          MatchOpen,
		CreatedAt:       now,
	}
	organizer := Player{
		ID:        r.newID(),
		MatchID:   m.ID,
		UserID:    in.OrganizerID,
		Name:      in.OrganizerName,
		Status:    PlayerAccepted,
		InvitedAt: now,
	}
	if err := r.stores.Matches.Set(ctx, m.ID, m); err != nil {
		return Match{}, fmt.Errorf("failed to save match: %w", err)
	}
	if err := r.stores.Players.Set(ctx, organizer.ID, organizer); err != nil {
		return Match{}, fmt.Errorf("failed to save organizer of match %s: %w", m.ID, err)
	}

	seeded := []querycache.Key{
		r.seedMatch(ctx, m),
		seed(ctx, r, r.caches.Players, r.shared.Players, MatchPlayersKey(m.ID), []Player{organizer}, ShortStaleTime),
		seed(ctx, r, r.caches.Payments, r.shared.Payments, MatchPaymentsKey(m.ID), []Payment{}, ShortStaleTime),
		seed(ctx, r, r.caches.MatchServices, r.shared.MatchServices, MatchServicesKey(m.ID), []MatchService{}, ShortStaleTime),
	}
	r.afterMutation(ctx, "match created", seeded, UserMatchesKey(in.OrganizerID))
	r.logger.Info().Str("match_id", m.ID).Str("court_id", m.CourtID).Msg("Match created.")
	return m, nil
}

// InvitePlayer adds a user to an open match.
func (r *Repository) InvitePlayer(ctx context.Context, matchID, userID, name string) (Player, error) {
	if matchID == "" || userID == "" {
		return Player{}, fmt.Errorf("%w: match ID and user ID are required", ErrInvalidInput)
	}
	m, err := r.openMatch(ctx, matchID)
	if err != nil {
		return Player{}, err
	}
	roster, err := r.stores.Players.Where(ctx, "partidoId", matchID)
	if err != nil {
		return Player{}, fmt.Errorf("failed to load roster of match %s: %w", matchID, err)
	}
	for _, p := range roster {
		if p.UserID == userID {
			return Player{}, fmt.Errorf("%w: user %s in match %s", ErrAlreadyInvited, userID, matchID)
		}
	}
	if m.MaxPlayers > 0 && len(roster) >= m.MaxPlayers {
		return Player{}, fmt.Errorf("%w: %d of %d places taken", ErrMatchFull, len(roster), m.MaxPlayers)
	}

	p := Player{
		ID:        r.newID(),
		MatchID:   matchID,
		UserID:    userID,
		Name:      name,
		Status:    PlayerInvited,
		InvitedAt: r.now(),
	}
	if err := r.stores.Players.Set(ctx, p.ID, p); err != nil {
		return Player{}, fmt.Errorf("failed to save player: %w", err)
	}

	roster = append(roster, p)
	seeded := []querycache.Key{seed(ctx, r, r.caches.Players, r.shared.Players, MatchPlayersKey(matchID), roster, ShortStaleTime)}
	r.afterMutation(ctx, "player invited", seeded, UserMatchesKey(userID))
	return p, nil
}

// RemovePlayer takes a user off a match. The organizer cannot be removed.
func (r *Repository) RemovePlayer(ctx context.Context, matchID, userID string) error {
	if matchID == "" || userID == "" {
		return fmt.Errorf("%w: match ID and user ID are required", ErrInvalidInput)
	}
	m, err := r.stores.Matches.Get(ctx, matchID)
	if err != nil {
		return fmt.Errorf("failed to load match %s: %w", matchID, err)
	}
	if m.OrganizerID == userID {
		return fmt.Errorf("%w: the organizer cannot leave match %s", ErrInvalidInput, matchID)
	}
	roster, err := r.stores.Players.Where(ctx, "partidoId", matchID)
	if err != nil {
		return fmt.Errorf("failed to load roster of match %s: %w", matchID, err)
	}

	remaining := make([]Player, 0, len(roster))
	var removed *Player
	for i := range roster {
		if roster[i].UserID == userID && removed == nil {
			removed = &roster[i]
			continue
		}
		remaining = append(remaining, roster[i])
	}
	if removed == nil {
		return fmt.Errorf("%w: user %s in match %s", ErrNotInMatch, userID, matchID)
	}
	if err := r.stores.Players.Delete(ctx, removed.ID); err != nil {
		return fmt.Errorf("failed to delete player %s: %w", removed.ID, err)
	}

	seeded := []querycache.Key{seed(ctx, r, r.caches.Players, r.shared.Players, MatchPlayersKey(matchID), remaining, ShortStaleTime)}
	r.afterMutation(ctx, "player removed", seeded, UserMatchesKey(userID))
	return nil
}

// RecordPayment registers a payment from a player of the match.
func (r *Repository) RecordPayment(ctx context.Context, matchID, userID string, amount float64, method string) (Payment, error) {
	if matchID == "" || userID == "" {
		return Payment{}, fmt.Errorf("%w: match ID and user ID are required", ErrInvalidInput)
	}
	if amount <= 0 {
		return Payment{}, fmt.Errorf("%w: amount must be positive, got %v", ErrInvalidInput, amount)
	}
	if _, err := r.openMatch(ctx, matchID); err != nil {
		return Payment{}, err
	}
	roster, err := r.stores.Players.Where(ctx, "partidoId", matchID)
	if err != nil {
		return Payment{}, fmt.Errorf("failed to load roster of match %s: %w", matchID, err)
	}
	if !containsUser(roster, userID) {
		return Payment{}, fmt.Errorf("%w: user %s in match %s", ErrNotInMatch, userID, matchID)
	}
	payments, err := r.stores.Payments.Where(ctx, "partidoId", matchID)
	if err != nil {
		return Payment{}, fmt.Errorf("failed to load payments of match %s: %w", matchID, err)
	}

	p := Payment{
		ID:      r.newID(),
		MatchID: matchID,
		UserID:  userID,
		Amount:  amount,
		Method:  strings.TrimSpace(method),
		PaidAt:  r.now(),
	}
	if err := r.stores.Payments.Set(ctx, p.ID, p); err != nil {
		return Payment{}, fmt.Errorf("failed to save payment: %w", err)
	}

	payments = append(payments, p)
	seeded := []querycache.Key{seed(ctx, r, r.caches.Payments, r.shared.Payments, MatchPaymentsKey(matchID), payments, ShortStaleTime)}
	r.afterMutation(ctx, "payment recorded", seeded)
	return p, nil
}

// AddMatchService books an active catalogue service for a match.
func (r *Repository) AddMatchService(ctx context.Context, matchID, serviceID string, quantity int) (MatchService, error) {
	if matchID == "" || serviceID == "" {
		return MatchService{}, fmt.Errorf("%w: match ID and service ID are required", ErrInvalidInput)
	}
	if quantity <= 0 {
		return MatchService{}, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidInput, quantity)
	}
	if _, err := r.openMatch(ctx, matchID); err != nil {
		return MatchService{}, err
	}
	svc, err := r.stores.Services.Get(ctx, serviceID)
	if err != nil {
		return MatchService{}, fmt.Errorf("failed to load service %s: %w", serviceID, err)
	}
	if !svc.Active {
		return MatchService{}, fmt.Errorf("%w: service %s is not active", ErrInvalidInput, serviceID)
	}
	booked, err := r.stores.MatchServices.Where(ctx, "partidoId", matchID)
	if err != nil {
		return MatchService{}, fmt.Errorf("failed to load services of match %s: %w", matchID, err)
	}

	ms := MatchService{
		ID:        r.newID(),
		MatchID:   matchID,
		ServiceID: serviceID,
		Quantity:  quantity,
		UnitPrice: svc.Price,
		AddedAt:   r.now(),
	}
	if err := r.stores.MatchServices.Set(ctx, ms.ID, ms); err != nil {
		return MatchService{}, fmt.Errorf("failed to save match service: %w", err)
	}

	booked = append(booked, ms)
	seeded := []querycache.Key{seed(ctx, r, r.caches.MatchServices, r.shared.MatchServices, MatchServicesKey(matchID), booked, ShortStaleTime)}
	r.afterMutation(ctx, "service added", seeded)
	return ms, nil
}

// CancelMatch marks a match cancelled. Every user's match list may show it,
// so all of them are invalidated.
func (r *Repository) CancelMatch(ctx context.Context, matchID string) (Match, error) {
	m, err := r.openMatch(ctx, matchID)
	if err != nil {
		return Match{}, err
	}
	m.Status = MatchCancelled
	if err := r.stores.Matches.Set(ctx, m.ID, m); err != nil {
		return Match{}, fmt.Errorf("failed to save match: %w", err)
	}
	r.afterMutation(ctx, "match cancelled", []querycache.Key{r.seedMatch(ctx, m)}, querycache.Key{"partidos", "usuario"})
	return m, nil
}

// openMatch loads a match from the store and rejects cancelled ones.
func (r *Repository) openMatch(ctx context.Context, matchID string) (Match, error) {
	if matchID == "" {
		return Match{}, fmt.Errorf("%w: match ID is required", ErrInvalidInput)
	}
	m, err := r.stores.Matches.Get(ctx, matchID)
	if err != nil {
		return Match{}, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}
	if m.Status == MatchCancelled {
		return Match{}, fmt.Errorf("%w: %s", ErrMatchClosed, matchID)
	}
	return m, nil
}

func (r *Repository) seedMatch(ctx context.Context, m Match) querycache.Key {
	return seed(ctx, r, r.caches.Matches, r.shared.Matches, MatchKey(m.ID), m, ShortStaleTime)
}

// afterMutation marks the invalidated prefixes stale locally and in Redis,
// then tells peers to drop both the seeded keys and the invalidated prefixes.
// Failures here are logged: the store write already succeeded.
func (r *Repository) afterMutation(ctx context.Context, reason string, seeded []querycache.Key, invalidated ...querycache.Key) {
	for _, prefix := range invalidated {
		n, err := r.caches.Invalidate(prefix)
		if err != nil {
			r.logger.Error().Err(err).Stringer("prefix", prefix).Msg("Failed to invalidate local cache.")
		} else {
			r.logger.Debug().Stringer("prefix", prefix).Int("entries", n).Msg("Invalidated local cache.")
		}
		if _, err := r.shared.Invalidate(ctx, prefix); err != nil {
			r.logger.Warn().Err(err).Stringer("prefix", prefix).Msg("Failed to invalidate shared cache.")
		}
	}

	keys := make([]querycache.Key, 0, len(seeded)+len(invalidated))
	for _, k := range seeded {
		if k != nil {
			keys = append(keys, k)
		}
	}
	keys = append(keys, invalidated...)
	if len(keys) == 0 {
		return
	}
	if err := r.publisher.Publish(ctx, reason, keys...); err != nil {
		r.logger.Error().Err(err).Str("reason", reason).Msg("Failed to publish invalidation.")
	}
}

// seed stores the post-mutation value locally and in Redis. It returns the
// key so peers can be told about it, or nil if the local cache refused it.
func seed[V any](
	ctx context.Context,
	r *Repository,
	cache *querycache.Cache[V],
	layer *sharedcache.RedisLayer[V],
	key querycache.Key,
	value V,
	staleTime time.Duration,
) querycache.Key {
	if err := cache.SetAfterMutation(key, value); err != nil {
		r.logger.Warn().Err(err).Stringer("key", key).Msg("Failed to seed cache after mutation.")
		return nil
	}
	if err := write(ctx, layer, key, value, staleTime); err != nil {
		r.logger.Warn().Err(err).Stringer("key", key).Msg("Failed to seed shared cache after mutation.")
	}
	return key
}

// read wraps Cache.Read and turns a failed refresh with a cached value into
// that value plus a *StaleValueError.
func read[V any](ctx context.Context, cache *querycache.Cache[V], key querycache.Key, fetch querycache.FetchFunc[V], staleTime time.Duration) (V, error) {
	v, err := cache.Read(ctx, key, fetch, staleTime)
	if err == nil {
		return v, nil
	}
	var fetchErr *querycache.FetchError
	if errors.As(err, &fetchErr) && fetchErr.HasStale {
		if snap, ok := cache.Peek(key); ok && snap.HasValue {
			return snap.Value, &StaleValueError{Key: key, Err: fetchErr.Err}
		}
	}
	return v, err
}

func validateNewMatch(in NewMatch) error {
	switch {
	case in.CourtID == "":
		return fmt.Errorf("%w: court ID is required", ErrInvalidInput)
	case in.OrganizerID == "":
		return fmt.Errorf("%w: organizer ID is required", ErrInvalidInput)
	case in.StartsAt.IsZero():
		return fmt.Errorf("%w: start time is required", ErrInvalidInput)
	case in.DurationMinutes <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	case in.MaxPlayers < 1:
		return fmt.Errorf("%w: a match needs at least one place", ErrInvalidInput)
	}
	return nil
}

func containsUser(roster []Player, userID string) bool {
	for _, p := range roster {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
