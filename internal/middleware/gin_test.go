package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/blackwall-project/blackwall/internal/detector"
	"github.com/blackwall-project/blackwall/internal/ipstate"
	"github.com/blackwall-project/blackwall/internal/ratelimit"
)

func newGuardedRouter(t *testing.T, cfg *core.Config, opts Options) (*gin.Engine, *core.Engine) {
	t.Helper()
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	cfg.Logging.Level = "error"

	det, err := detector.New(cfg.Detector)
	if err != nil {
		t.Fatalf("building detector: %v", err)
	}
	engine, err := core.NewEngine(cfg, core.Components{
		Detector: det,
		Limiter:  ratelimit.New(cfg.RateLimit),
		Store:    ipstate.New(cfg.Scoring, zerolog.Nop()),
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Guard(engine, opts))
	return r, engine
}

func TestGuard_AllowsCleanRequest(t *testing.T) {
	r, _ := newGuardedRouter(t, nil, Options{})
	r.GET("/users", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGuard_BlocksBlocklistedClient(t *testing.T) {
	r, engine := newGuardedRouter(t, nil, Options{})
	r.GET("/users", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.BlockClient("203.0.113.7", time.Hour, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "blocklisted") {
		t.Errorf("body = %s, want blocklisted reason", w.Body.String())
	}
}

func TestGuard_BlocksCriticalPayload(t *testing.T) {
	r, _ := newGuardedRouter(t, nil, Options{})
	handlerHit := false
	r.GET("/products", func(c *gin.Context) { handlerHit = true })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/products?id=1%3B+DROP+TABLE+users", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if handlerHit {
		t.Error("handler must not run for a blocked request")
	}
}

func TestGuard_RateLimitReturns429(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.RateLimit.Burst.Limit = 3
	r, _ := newGuardedRouter(t, cfg, Options{})
	r.GET("/users", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.RemoteAddr = "203.0.113.7:4455"
		r.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
}

func TestGuard_RestoresBodyForHandler(t *testing.T) {
	r, _ := newGuardedRouter(t, nil, Options{})
	var seen string
	r.POST("/login", func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			t.Errorf("handler reading body: %v", err)
		}
		seen = string(data)
		c.Status(http.StatusOK)
	})

	payload := `{"username": "alice", "password": "hunter2"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if seen != payload {
		t.Errorf("handler saw %q, want the full body", seen)
	}
}

func TestGuard_RestoresBodyBeyondInspectionCap(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Detector.MaxBodyBytes = 16
	r, _ := newGuardedRouter(t, cfg, Options{})
	var seenLen int
	r.POST("/upload", func(c *gin.Context) {
		data, _ := io.ReadAll(c.Request.Body)
		seenLen = len(data)
		c.Status(http.StatusOK)
	})

	payload := strings.Repeat("a", 500)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if seenLen != len(payload) {
		t.Errorf("handler saw %d bytes, want full %d despite the inspection cap", seenLen, len(payload))
	}
}

func TestGuard_UserScopedTracking(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.RateLimit.Burst.Limit = 2
	r, _ := newGuardedRouter(t, cfg, Options{
		UserID: func(c *gin.Context) string { return c.GetHeader("X-User") },
	})
	r.GET("/users", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	send := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.RemoteAddr = "203.0.113.7:4455"
		req.Header.Set("X-User", user)
		r.ServeHTTP(w, req)
		return w.Code
	}

	// alice exhausts her burst allowance; bob, behind the same address,
	// still gets through.
	send("alice")
	send("alice")
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice's third request = %d, want 429", code)
	}
	if code := send("bob"); code != http.StatusOK {
		t.Errorf("bob's request = %d, want 200", code)
	}
}

func TestDecisionFrom(t *testing.T) {
	r, _ := newGuardedRouter(t, nil, Options{})
	var got *core.Decision
	r.GET("/users", func(c *gin.Context) {
		d, ok := DecisionFrom(c)
		if !ok {
			t.Error("decision missing from context")
		}
		got = d
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	r.ServeHTTP(w, req)

	if got == nil || got.Action != core.ActionAllow {
		t.Errorf("decision = %+v, want allow", got)
	}
}

func TestDecisionFrom_AbsentWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := DecisionFrom(c); ok {
		t.Error("DecisionFrom must report absent without the middleware")
	}
}
