package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/auth"
)

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	h := mw(okHandler)

	for i := 0; i < 3; i++ {
		c, _ := newContext(http.MethodGet, "/")
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	h := mw(okHandler)

	for i := 0; i < 2; i++ {
		c, _ := newContext(http.MethodGet, "/")
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	c, rec := newContext(http.MethodGet, "/")
	err := h(c)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysByUser(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	h := mw(okHandler)

	userRequest := func(user string) echo.Context {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		claims := &auth.Claims{}
		claims.Subject = user
		req = req.WithContext(auth.WithClaims(context.Background(), claims))
		return e.NewContext(req, httptest.NewRecorder())
	}

	if err := h(userRequest("terminal-1")); err != nil {
		t.Fatalf("terminal-1: unexpected error: %v", err)
	}
	if err := h(userRequest("terminal-2")); err != nil {
		t.Fatalf("terminal-2 should have its own budget: %v", err)
	}
	if err := h(userRequest("terminal-1")); err == nil {
		t.Error("terminal-1 should be limited on its second request")
	}
}

func TestLimiterStore_SweepsIdleKeys(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()
	s.get("a", start)
	s.get("b", start.Add(90*time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries["a"]; ok {
		t.Error("expected idle key a to be swept")
	}
	if _, ok := s.entries["b"]; !ok {
		t.Error("expected key b to remain")
	}
}
