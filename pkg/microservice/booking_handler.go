package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-querycache/pkg/booking"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/illmade-knight/go-querycache/pkg/store"
	"github.com/rs/zerolog"
)

// StaleHeader is set on responses that carry a cached value whose refresh
// failed.
const StaleHeader = "X-Cache-Stale"

// BookingRepository is the data layer used by BookingHandler.
type BookingRepository interface {
	Services(ctx context.Context) ([]booking.Service, error)
	Schedule(ctx context.Context, venueID string) (booking.Schedule, error)
	Match(ctx context.Context, matchID string) (booking.Match, error)
	UserMatches(ctx context.Context, userID string) ([]booking.Match, error)
	MatchPlayers(ctx context.Context, matchID string) ([]booking.Player, error)
	MatchPayments(ctx context.Context, matchID string) ([]booking.Payment, error)
	MatchServices(ctx context.Context, matchID string) ([]booking.MatchService, error)

	CreateMatch(ctx context.Context, in booking.NewMatch) (booking.Match, error)
	InvitePlayer(ctx context.Context, matchID, userID, name string) (booking.Player, error)
	RemovePlayer(ctx context.Context, matchID, userID string) error
	RecordPayment(ctx context.Context, matchID, userID string, amount float64, method string) (booking.Payment, error)
	AddMatchService(ctx context.Context, matchID, serviceID string, quantity int) (booking.MatchService, error)
	CancelMatch(ctx context.Context, matchID string) (booking.Match, error)
}

// BookingHandler serves the booking JSON API.
type BookingHandler struct {
	repo   BookingRepository
	logger zerolog.Logger
}

// NewBookingHandler creates a BookingHandler.
func NewBookingHandler(repo BookingRepository, logger zerolog.Logger) *BookingHandler {
	return &BookingHandler{
		repo:   repo,
		logger: logger.With().Str("component", "BookingHandler").Logger(),
	}
}

// Register adds the API routes to mux.
func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /services", h.getServices)
	mux.HandleFunc("GET /venues/{id}/schedule", h.getSchedule)
	mux.HandleFunc("GET /users/{id}/matches", h.getUserMatches)
	mux.HandleFunc("GET /matches/{id}", h.getMatch)
	mux.HandleFunc("GET /matches/{id}/players", h.getPlayers)
	mux.HandleFunc("GET /matches/{id}/payments", h.getPayments)
	mux.HandleFunc("GET /matches/{id}/services", h.getMatchServices)

	mux.HandleFunc("POST /matches", h.postMatch)
	mux.HandleFunc("POST /matches/{id}/players", h.postPlayer)
	mux.HandleFunc("DELETE /matches/{id}/players/{userID}", h.deletePlayer)
	mux.HandleFunc("POST /matches/{id}/payments", h.postPayment)
	mux.HandleFunc("POST /matches/{id}/services", h.postMatchService)
	mux.HandleFunc("POST /matches/{id}/cancel", h.postCancel)
}

// MatchesPage is the response of GET /users/{id}/matches.
type MatchesPage struct {
	Matches []booking.Match  `json:"matches"`
	Page    booking.PageInfo `json:"page"`
}

func (h *BookingHandler) getServices(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.Services(r.Context())
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) getSchedule(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.Schedule(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) getMatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.Match(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

// getUserMatches filters and paginates client-side:
// ?status=abierto&page=2&size=10.
func (h *BookingHandler) getUserMatches(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := intParam(query.Get("page"), 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "page must be a number")
		return
	}
	size, err := intParam(query.Get("size"), booking.DefaultPageSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "size must be a number")
		return
	}

	matches, err := h.repo.UserMatches(r.Context(), r.PathValue("id"))
	if err != nil && !booking.IsStale(err) {
		h.respond(w, http.StatusOK, nil, err)
		return
	}
	filtered := booking.FilterMatches(matches, booking.MatchFilter{Status: booking.MatchStatus(query.Get("status"))})
	items, info := booking.PageOf(filtered, page, size)
	h.respond(w, http.StatusOK, MatchesPage{Matches: items, Page: info}, err)
}

func (h *BookingHandler) getPlayers(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.MatchPlayers(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) getPayments(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.MatchPayments(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) getMatchServices(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.MatchServices(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) postMatch(w http.ResponseWriter, r *http.Request) {
	var in booking.NewMatch
	if !h.decode(w, r, &in) {
		return
	}
	v, err := h.repo.CreateMatch(r.Context(), in)
	h.respond(w, http.StatusCreated, v, err)
}

type invitePlayerRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

func (h *BookingHandler) postPlayer(w http.ResponseWriter, r *http.Request) {
	var in invitePlayerRequest
	if !h.decode(w, r, &in) {
		return
	}
	v, err := h.repo.InvitePlayer(r.Context(), r.PathValue("id"), in.UserID, in.Name)
	h.respond(w, http.StatusCreated, v, err)
}

func (h *BookingHandler) deletePlayer(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.RemovePlayer(r.Context(), r.PathValue("id"), r.PathValue("userID")); err != nil {
		h.respond(w, http.StatusNoContent, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentRequest struct {
	UserID string  `json:"userId"`
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
}

func (h *BookingHandler) postPayment(w http.ResponseWriter, r *http.Request) {
	var in paymentRequest
	if !h.decode(w, r, &in) {
		return
	}
	v, err := h.repo.RecordPayment(r.Context(), r.PathValue("id"), in.UserID, in.Amount, in.Method)
	h.respond(w, http.StatusCreated, v, err)
}

type matchServiceRequest struct {
	ServiceID string `json:"serviceId"`
	Quantity  int    `json:"quantity"`
}

func (h *BookingHandler) postMatchService(w http.ResponseWriter, r *http.Request) {
	var in matchServiceRequest
	if !h.decode(w, r, &in) {
		return
	}
	v, err := h.repo.AddMatchService(r.Context(), r.PathValue("id"), in.ServiceID, in.Quantity)
	h.respond(w, http.StatusCreated, v, err)
}

func (h *BookingHandler) postCancel(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.CancelMatch(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, v, err)
}

func (h *BookingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// respond writes v with status, or maps err to an error response. A stale
// value is still written, flagged by StaleHeader.
func (h *BookingHandler) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		if !booking.IsStale(err) {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				h.logger.Error().Err(err).Msg("Request failed.")
			}
			h.writeError(w, code, err.Error())
			return
		}
		h.logger.Warn().Err(err).Msg("Serving stale value.")
		w.Header().Set(StaleHeader, "true")
	}
	h.writeJSON(w, status, v)
}

func (h *BookingHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response.")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *BookingHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrInvalidInput), errors.Is(err, querycache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, booking.ErrNotInMatch):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrMatchFull), errors.Is(err, booking.ErrMatchClosed), errors.Is(err, booking.ErrAlreadyInvited):
		return http.StatusConflict
	case errors.Is(err, querycache.ErrCapacityExceeded), errors.Is(err, querycache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, querycache.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
