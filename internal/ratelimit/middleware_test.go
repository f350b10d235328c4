package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/internal/model"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("broken") }
func (errLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareDeniesOverBurst(t *testing.T) {
	m := NewMemoryLimiter(0.5, 2)
	defer closeLimiter(t, m)

	h := Middleware(Config{
		Limiter:    m,
		KeyFunc:    IPKeyFunc,
		RequestID:  func(*http.Request) string { return "req-1" },
		RetryAfter: m.RetryAfter(),
	})(okHandler())

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/scenarios/run", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5001").Code)

	rec := do("10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	// A different client has its own bucket.
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:5000").Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(Config{Limiter: errLimiter{}, KeyFunc: IPKeyFunc})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := Middleware(Config{})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", IPKeyFunc(req))

	req.RemoteAddr = "192.168.1.4:1234"
	assert.Equal(t, "192.168.1.4", IPKeyFunc(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPKeyFunc(req))
}

func TestRetryAfterDefaultsToOneSecond(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)

	h := Middleware(Config{Limiter: m, KeyFunc: IPKeyFunc, RetryAfter: 10 * time.Millisecond})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
