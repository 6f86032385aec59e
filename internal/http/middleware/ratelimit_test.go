package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c.Request = req

	if key := KeyByUserOrIP()(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-based key; got %q", key)
	}
	c.Set(UserIDKey, "u123")
	if key := KeyByUserOrIP()(c); key != "user:u123" {
		t.Fatalf("expected user-based key; got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercionAndReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	a := rl.getVisitor("k1")
	if b := rl.getVisitor("k1"); a != b {
		t.Fatal("expected the same limiter for the same key")
	}
	if c := rl.getVisitor("k2"); c == a {
		t.Fatal("expected distinct limiters per key")
	}
}

func TestGetVisitor_EvictsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.ttl = time.Millisecond
	rl.getVisitor("stale")
	rl.visitors["stale"].lastSeen = time.Now().Add(-time.Hour)

	rl.cleanupN = 4999
	rl.getVisitor("fresh")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["stale"]; ok {
		t.Fatal("idle visitor not evicted")
	}
	if rl.cleanupN != 0 {
		t.Fatalf("cleanup counter not reset: %d", rl.cleanupN)
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, KeyByUserOrIP())

	r := gin.New()
	r.Use(RequestID(), rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "198.51.100.1:1000"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusNoContent {
		t.Fatalf("first request status=%d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After=%q", w.Header().Get("Retry-After"))
	}
	if env := decodeEnvelope(t, w.Body.Bytes()); env["code"] != "too_many_requests" {
		t.Fatalf("code=%q", env["code"])
	}
}

func TestRateLimiter_BypassForReplays(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, KeyByUserOrIP())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ctxKeyRateBypass, true)
		c.Next()
	}, rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i, w.Code)
		}
	}
}
