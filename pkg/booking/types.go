// Package booking is the data layer of the sports-facility booking service.
// Reads go through per-type query caches in front of the document store;
// writes go to the store and then refresh or invalidate the affected keys.
package booking

import (
	"time"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchOpen      MatchStatus = "abierto"
	MatchConfirmed MatchStatus = "confirmado"
	MatchCancelled MatchStatus = "cancelado"
)

// PlayerStatus tracks an invitation.
type PlayerStatus string

const (
	PlayerInvited  PlayerStatus = "invitado"
	PlayerAccepted PlayerStatus = "aceptado"
)

// Venue is a sports facility.
type Venue struct {
	ID      string `firestore:"id" json:"id"`
	Name    string `firestore:"nombre" json:"name"`
	Address string `firestore:"direccion" json:"address"`
}

// Court is a bookable court inside a venue.
type Court struct {
	ID      string `firestore:"id" json:"id"`
	VenueID string `firestore:"sedeId" json:"venueId"`
	Name    string `firestore:"nombre" json:"name"`
	Sport   string `firestore:"deporte" json:"sport"`
}

// Slot is one opening window of a venue, e.g. Monday 08:00-23:00.
type Slot struct {
	Weekday time.Weekday `firestore:"dia" json:"weekday"`
	Opens   string       `firestore:"abre" json:"opens"`
	Closes  string       `firestore:"cierra" json:"closes"`
}

// Schedule holds the opening hours of a venue.
type Schedule struct {
	VenueID string `firestore:"sedeId" json:"venueId"`
	Slots   []Slot `firestore:"franjas" json:"slots"`
}

// Match is a booked court slot that players join.
type Match struct {
	ID              string      `firestore:"id" json:"id"`
	CourtID         string      `firestore:"canchaId" json:"courtId"`
	OrganizerID     string      `firestore:"organizadorId" json:"organizerId"`
	StartsAt        time.Time   `firestore:"inicio" json:"startsAt"`
	DurationMinutes int         `firestore:"duracionMinutos" json:"durationMinutes"`
	MaxPlayers      int         `firestore:"maxJugadores" json:"maxPlayers"`
	Status          MatchStatus `firestore:"estado" json:"status"`
	CreatedAt       time.Time   `firestore:"creado" json:"createdAt"`
}

// Player is a user invited to a match.
type Player struct {
	ID        string       `firestore:"id" json:"id"`
	MatchID   string       `firestore:"partidoId" json:"matchId"`
	UserID    string       `firestore:"usuarioId" json:"userId"`
	Name      string       `firestore:"nombre" json:"name"`
	Status    PlayerStatus `firestore:"estado" json:"status"`
	InvitedAt time.Time    `firestore:"invitado" json:"invitedAt"`
}

// Payment is money collected from a player for a match.
type Payment struct {
	ID      string    `firestore:"id" json:"id"`
	MatchID string    `firestore:"partidoId" json:"matchId"`
	UserID  string    `firestore:"usuarioId" json:"userId"`
	Amount  float64   `firestore:"monto" json:"amount"`
	Method  string    `firestore:"metodo" json:"method"`
	PaidAt  time.Time `firestore:"pagado" json:"paidAt"`
}

// Service is an add-on from the facility catalogue, e.g. racket rental.
type Service struct {
	ID     string  `firestore:"id" json:"id"`
	Name   string  `firestore:"nombre" json:"name"`
	Price  float64 `firestore:"precio" json:"price"`
	Active bool    `firestore:"activo" json:"active"`
}

// MatchService is a catalogue service booked for a match.
type MatchService struct {
	ID        string    `firestore:"id" json:"id"`
	MatchID   string    `firestore:"partidoId" json:"matchId"`
	ServiceID string    `firestore:"servicioId" json:"serviceId"`
	Quantity  int       `firestore:"cantidad" json:"quantity"`
	UnitPrice float64   `firestore:"precioUnitario" json:"unitPrice"`
	AddedAt   time.Time `firestore:"agregado" json:"addedAt"`
}

// NewMatch is the input for CreateMatch.
type NewMatch struct {
	CourtID         string    `json:"courtId"`
	OrganizerID     string    `json:"organizerId"`
	OrganizerName   string    `json:"organizerName"`
	StartsAt        time.Time `json:"startsAt"`
	DurationMinutes int       `json:"durationMinutes"`
	MaxPlayers      int       `json:"maxPlayers"`
}
