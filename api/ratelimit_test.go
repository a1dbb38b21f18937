package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestNewRateLimiterDisabled(t *testing.T) {
	if rl := NewRateLimiter(0, 10); rl != nil {
		t.Fatalf("expected nil limiter for zero rate")
	}
	var rl *RateLimiter
	called := false
	h := rl.Middleware()(func(echo.Context) error { called = true; return nil })
	e := echo.New()
	if err := h(e.NewContext(httptest.NewRequest(http.MethodPost, "/tasks", nil), httptest.NewRecorder())); err != nil || !called {
		t.Fatalf("disabled limiter must pass through: %v", err)
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	for i := 0; i < 2; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatalf("expected burst to be exhausted")
	}
	if !rl.Allow("bob") {
		t.Fatalf("other callers have their own bucket")
	}
}

func TestRateLimiterKeysByUser(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	e := echo.New()
	h := rl.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	call := func(user string) error {
		c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/tasks/1", nil), httptest.NewRecorder())
		c.Set(userIDKey, user)
		return h(c)
	}
	if err := call("alice"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := call("alice"); err != errRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := call("bob"); err != nil {
		t.Fatalf("bob must not share alice's bucket: %v", err)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(5); got != 1 {
		t.Fatalf("expected 1s for fast rates, got %d", got)
	}
	if got := retryAfterSeconds(0.25); got != 5 {
		t.Fatalf("expected 5s for one token every 4s, got %d", got)
	}
}
