package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
)

func blockEntry(ip string) *core.AuditEntry {
	req := &core.RequestContext{ClientIP: ip, Method: "GET", Path: "/products", Timestamp: time.Now().UTC()}
	return core.NewAuditEntry(req, core.NewDecision(core.ActionBlockTemporary, core.ReasonCriticalFinding, nil, 40))
}

func allowEntry(ip string) *core.AuditEntry {
	req := &core.RequestContext{ClientIP: ip, Method: "GET", Path: "/users", Timestamp: time.Now().UTC()}
	return core.NewAuditEntry(req, core.NewDecision(core.ActionAllow, core.ReasonClean, nil, 0))
}

func newNotifier(t *testing.T, url string, mutate func(*core.NotifyConfig)) *Notifier {
	t.Helper()
	cfg := core.NotifyConfig{
		Enabled:        true,
		URL:            url,
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		QueueSize:      16,
		Workers:        1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n := New(cfg, zerolog.Nop())
	t.Cleanup(func() { n.Close() })
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNotifier_DeliversBlockEvent(t *testing.T) {
	var got atomic.Pointer[event]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decoding event: %v", err)
		}
		if r.Header.Get("X-Blackwall-Delivery") == "" {
			t.Error("delivery ID header missing")
		}
		got.Store(&ev)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, nil)
	if err := n.Write(blockEntry("203.0.113.9")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	ev := got.Load()
	if ev.Event != "client_blocked" || ev.ClientIP != "203.0.113.9" || ev.Action != "BLOCK_TEMPORARY" {
		t.Errorf("event = %+v", ev)
	}
}

func TestNotifier_SkipsNonBlockingDecisions(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, nil)
	if err := n.Write(allowEntry("203.0.113.9")); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 0 {
		t.Error("allow decisions must not be delivered")
	}
}

func TestNotifier_RateLimitOptIn(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, func(cfg *core.NotifyConfig) { cfg.IncludeRateLimit = true })
	req := &core.RequestContext{ClientIP: "203.0.113.9", Method: "GET", Path: "/users", Timestamp: time.Now().UTC()}
	entry := core.NewAuditEntry(req, core.NewDecision(core.ActionRateLimit, core.ReasonRateLimited, nil, 1))
	if err := n.Write(entry); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 1 })
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, nil)
	if err := n.Write(blockEntry("203.0.113.9")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 })
	if len(n.DeadLetters(0)) != 0 {
		t.Error("a delivery that eventually succeeded must not be dead-lettered")
	}
}

func TestNotifier_DeadLettersClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, nil)
	if err := n.Write(blockEntry("203.0.113.9")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(n.DeadLetters(0)) == 1 })
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, saw %d calls", calls.Load())
	}
}

func TestNotifier_QueueFullReturnsError(t *testing.T) {
	// Point at a server that never responds so the single worker stays busy.
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	n := newNotifier(t, srv.URL, func(cfg *core.NotifyConfig) { cfg.QueueSize = 1 })

	// First write occupies the worker, second fills the queue; one of the
	// following writes must be rejected.
	var sawErr bool
	for i := 0; i < 5; i++ {
		if err := n.Write(blockEntry("203.0.113.9")); err != nil {
			sawErr = true
			break
		}
	}
	if !sawErr {
		t.Error("expected a queue-full error")
	}
}
