package booking

import (
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
)

// Staleness windows per key class.
const (
	// ShortStaleTime suits collections that change during a match's life.
	ShortStaleTime = 30 * time.Second
	// LongStaleTime suits near-static reference data.
	LongStaleTime = 5 * time.Minute
)

func ServicesKey() querycache.Key { return querycache.Key{"servicios"} }

func ScheduleKey(venueID string) querycache.Key { return querycache.Key{"horarios", venueID} }

func MatchKey(matchID string) querycache.Key { return querycache.Key{"partidos", matchID} }

func UserMatchesKey(userID string) querycache.Key {
	return querycache.Key{"partidos", "usuario", userID}
}

func MatchPlayersKey(matchID string) querycache.Key {
	return querycache.Key{"jugadores", "partido", matchID}
}

func MatchPaymentsKey(matchID string) querycache.Key {
	return querycache.Key{"pagos", "partido", matchID}
}

func MatchServicesKey(matchID string) querycache.Key {
	return querycache.Key{"servicios", "partido", matchID}
}
