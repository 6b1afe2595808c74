package microservice_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/microservice"
	"github.com/stretchr/testify/assert"
)

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	call := func(h http.Handler, path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	t.Run("Burst then reject", func(t *testing.T) {
		h := microservice.RateLimit(ok, microservice.RateLimitConfig{RPS: 0.001, Burst: 2})
		assert.Equal(t, http.StatusOK, call(h, "/services"))
		assert.Equal(t, http.StatusOK, call(h, "/services"))
		assert.Equal(t, http.StatusTooManyRequests, call(h, "/services"))
		assert.Equal(t, http.StatusOK, call(h, "/healthz"), "probes bypass the limit")
	})

	t.Run("Zero RPS disables the limit", func(t *testing.T) {
		h := microservice.RateLimit(ok, microservice.RateLimitConfig{})
		for i := 0; i < 10; i++ {
			assert.Equal(t, http.StatusOK, call(h, "/services"))
		}
	})
}
