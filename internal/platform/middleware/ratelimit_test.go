package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labportal/labportal/internal/platform/auth"
)

func staffContext(e *echo.Echo, orgID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mc/uploads", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{
		UserID:         "staff-1",
		UserType:       auth.UserTypeStaff,
		OrganizationID: orgID,
	}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimitWithRetryAfter(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	orgID := uuid.New()
	c, _ := staffContext(e, orgID)
	if err := handler(c); err != nil {
		t.Fatalf("first request: unexpected error %v", err)
	}

	c, rec := staffContext(e, orgID)
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_OrganizationsAreIsolated(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 1}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	orgA, orgB := uuid.New(), uuid.New()
	c, _ := staffContext(e, orgA)
	if err := handler(c); err != nil {
		t.Fatalf("org A first upload: %v", err)
	}
	c, _ = staffContext(e, orgA)
	if err := handler(c); err == nil {
		t.Fatal("expected org A to be limited")
	}
	c, _ = staffContext(e, orgB)
	if err := handler(c); err != nil {
		t.Errorf("org B should have its own bucket, got %v", err)
	}
}

func TestUploadRateLimitConfig(t *testing.T) {
	cfg := UploadRateLimitConfig(30, 5)
	if cfg.RequestsPerSecond != 0.5 {
		t.Errorf("expected 0.5 rps, got %v", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 5 {
		t.Errorf("expected burst 5, got %d", cfg.BurstSize)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := newTokenBucket(1000, 1)
	if !b.allow() {
		t.Fatal("expected first token")
	}
	b.lastRefill = b.lastRefill.Add(-time.Second)
	if !b.allow() {
		t.Error("expected bucket to refill")
	}
}
