package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func post(e *echo.Echo, h echo.HandlerFunc, ip, tenant string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", nil)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("tenant_id", tenant)
	}
	return rec, h(c)
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRateLimit_WithinBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := post(e, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := post(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := post(e, h, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("expected Retry-After 2, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
}

func TestRateLimit_ReadsAreFree(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
		if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Fatalf("GET %d: unexpected error %v", i+1, err)
		}
	}
}

func TestRateLimit_PerTenantAndIP(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := post(e, h, "10.0.0.1", "acme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := post(e, h, "10.0.0.1", "acme"); err == nil {
		t.Error("expected the second acme request to be limited")
	}
	if _, err := post(e, h, "10.0.0.1", "globex"); err != nil {
		t.Errorf("another tenant must have its own bucket: %v", err)
	}
	if _, err := post(e, h, "10.0.0.2", "acme"); err != nil {
		t.Errorf("another IP must have its own bucket: %v", err)
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	now := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	s.now = func() time.Time { return now }

	s.get("a")
	now = now.Add(2 * time.Minute)
	s.get("b")

	if _, ok := s.visitors["a"]; ok {
		t.Error("expected idle limiter to be evicted")
	}
	if _, ok := s.visitors["b"]; !ok {
		t.Error("expected active limiter to remain")
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
