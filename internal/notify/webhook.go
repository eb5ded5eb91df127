// Package notify pushes block events to an operator webhook. Delivery is
// asynchronous with exponential backoff and a dead letter buffer: a transient
// 503 from the receiving end must not lose the news that a client was
// blocked. The notifier plugs into the audit fan-out as a sink and filters
// for the decisions worth waking someone up over.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
)

// delivery is one queued webhook push.
type delivery struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// DeadLetter is a permanently failed delivery preserved for inspection.
type DeadLetter struct {
	ID        string    `json:"id"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
	LastError string    `json:"last_error"`
}

// event is the JSON body posted to the webhook.
type event struct {
	Event      string    `json:"event"`
	ClientID   string    `json:"client_id"`
	ClientIP   string    `json:"client_ip"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	Score      float64   `json:"score"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Escalated  bool      `json:"escalated"`
	DecisionID string    `json:"decision_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier delivers block events to the configured URL. Safe for concurrent
// use; Write never blocks on the network.
type Notifier struct {
	logger zerolog.Logger
	cfg    core.NotifyConfig
	queue  chan *delivery

	dlMu       sync.RWMutex
	deadLetter []*DeadLetter
	maxDL      int

	// Breaker state for the single target URL.
	cbMu       sync.Mutex
	cbFailures int
	cbOpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Notifier with background delivery workers.
func New(cfg core.NotifyConfig, logger zerolog.Logger) *Notifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerPause <= 0 {
		cfg.BreakerPause = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		logger: logger.With().Str("component", "notify").Logger(),
		cfg:    cfg,
		queue:  make(chan *delivery, cfg.QueueSize),
		maxDL:  500,
		ctx:    ctx,
		cancel: cancel,
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	n.logger.Info().Str("url", cfg.URL).Int("workers", workers).Msg("webhook notifier started")
	return n
}

// Name implements the audit sink interface.
func (n *Notifier) Name() string { return "webhook" }

// Write enqueues a notification for blocking decisions (and rate limits when
// configured). Non-notifiable decisions are dropped silently. The only error
// is a full queue.
func (n *Notifier) Write(entry *core.AuditEntry) error {
	if entry == nil || entry.Decision == nil {
		return nil
	}
	d := entry.Decision
	if !d.Action.Blocking() && !(n.cfg.IncludeRateLimit && d.Action == core.ActionRateLimit) {
		return nil
	}

	payload, err := json.Marshal(event{
		Event:      "client_" + actionEvent(d.Action),
		ClientID:   entry.Request.ClientID,
		ClientIP:   entry.Request.ClientIP,
		Action:     d.Action.String(),
		Reason:     string(d.Reason),
		Score:      d.Score,
		Method:     entry.Request.Method,
		Path:       entry.Request.Path,
		Escalated:  d.Escalated,
		DecisionID: d.ID,
		Timestamp:  entry.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	del := &delivery{
		ID:        entry.ID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case n.queue <- del:
		return nil
	default:
		n.addDeadLetter(del, "queue full")
		return fmt.Errorf("notification queue full")
	}
}

func actionEvent(a core.Action) string {
	if a == core.ActionRateLimit {
		return "rate_limited"
	}
	return "blocked"
}

// DeadLetters returns up to limit failed deliveries, oldest first.
func (n *Notifier) DeadLetters(limit int) []*DeadLetter {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()

	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	out := make([]*DeadLetter, limit)
	copy(out, n.deadLetter[len(n.deadLetter)-limit:])
	return out
}

// Stats reports queue and breaker state.
func (n *Notifier) Stats() map[string]interface{} {
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()

	n.cbMu.Lock()
	open := !n.cbOpenedAt.IsZero() && time.Since(n.cbOpenedAt) < n.cfg.BreakerPause
	n.cbMu.Unlock()

	return map[string]interface{}{
		"queue_depth":  len(n.queue),
		"dead_letters": dl,
		"breaker_open": open,
	}
}

// Close stops the workers. Queued deliveries still in flight are abandoned.
func (n *Notifier) Close() error {
	n.cancel()
	n.wg.Wait()
	return nil
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}

	for {
		select {
		case <-n.ctx.Done():
			return
		case del := <-n.queue:
			n.deliver(client, del)
		}
	}
}

func (n *Notifier) deliver(client *http.Client, del *delivery) {
	if n.breakerOpen() {
		n.addDeadLetter(del, "breaker open")
		return
	}

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		del.Attempts = attempt + 1

		req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(del.Payload))
		if err != nil {
			n.addDeadLetter(del, fmt.Sprintf("creating request: %v", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "blackwall-notify/1.0")
		req.Header.Set("X-Blackwall-Delivery", del.ID)
		req.Header.Set("X-Blackwall-Attempt", fmt.Sprintf("%d", del.Attempts))
		for k, v := range n.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			del.LastError = fmt.Sprintf("request failed: %v", err)
			n.recordFailure()
			if attempt < n.cfg.MaxRetries {
				n.backoff(attempt)
				continue
			}
			n.addDeadLetter(del, del.LastError)
			return
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			n.recordSuccess()
			n.logger.Debug().Str("id", del.ID).Int("attempts", del.Attempts).Msg("notification delivered")
			return
		}

		// 4xx (except 429) means the payload or endpoint is wrong; retrying
		// will not help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			n.addDeadLetter(del, fmt.Sprintf("receiver rejected: HTTP %d", resp.StatusCode))
			return
		}

		del.LastError = fmt.Sprintf("receiver error: HTTP %d", resp.StatusCode)
		n.recordFailure()
		if attempt < n.cfg.MaxRetries {
			n.backoff(attempt)
		}
	}

	n.addDeadLetter(del, del.LastError)
}

func (n *Notifier) backoff(attempt int) {
	delay := time.Duration(float64(n.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	select {
	case <-time.After(delay):
	case <-n.ctx.Done():
	}
}

func (n *Notifier) addDeadLetter(del *delivery, reason string) {
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, &DeadLetter{
		ID:        del.ID,
		Attempts:  del.Attempts,
		FailedAt:  time.Now().UTC(),
		LastError: reason,
	})
	n.dlMu.Unlock()
	n.logger.Warn().Str("id", del.ID).Int("attempts", del.Attempts).Str("error", reason).
		Msg("notification moved to dead letter")
}

func (n *Notifier) breakerOpen() bool {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	if n.cbOpenedAt.IsZero() {
		return false
	}
	if time.Since(n.cbOpenedAt) < n.cfg.BreakerPause {
		return true
	}
	// Half-open: allow the next delivery through.
	n.cbOpenedAt = time.Time{}
	n.cbFailures = 0
	return false
}

func (n *Notifier) recordFailure() {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures++
	if n.cbFailures >= n.cfg.BreakerThreshold {
		n.cbOpenedAt = time.Now()
		n.logger.Warn().Int("failures", n.cbFailures).Msg("notification breaker opened")
	}
}

func (n *Notifier) recordSuccess() {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.cbFailures = 0
	n.cbOpenedAt = time.Time{}
}
