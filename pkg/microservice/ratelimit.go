package microservice

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig gates API requests with a token bucket. A zero RPS
// disables the limit.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RateLimit wraps next with a global token-bucket limiter. Health and metrics
// probes are never limited. Rejected requests get 429.
func RateLimit(next http.Handler, cfg RateLimitConfig) http.Handler {
	if cfg.RPS <= 0 {
		return next
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" && !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetRateLimit applies RateLimit to every request. Call it before Start.
func (s *BaseServer) SetRateLimit(cfg RateLimitConfig) {
	s.httpServer.Handler = RateLimit(s.mux, cfg)
	if cfg.RPS > 0 {
		s.Logger.Info().Float64("rps", cfg.RPS).Int("burst", cfg.Burst).Msg("API rate limit enabled.")
	}
}
