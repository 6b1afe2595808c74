package booking

import (
	"sort"
	"time"
)

// MatchFilter selects matches client-side. Zero fields match everything.
type MatchFilter struct {
	Status MatchStatus
	From   time.Time
	To     time.Time
}

// FilterMatches returns the matches selected by f ordered by start time. The
// input slice is not modified.
func FilterMatches(matches []Match, f MatchFilter) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && m.StartsAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !m.StartsAt.Before(f.To) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}
