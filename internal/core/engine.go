package core

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Components are the collaborators the engine orchestrates. Detector,
// RateLimiter and StateStore are required; Gateway and Audit may be nil
// (escalation disabled, audit discarded).
type Components struct {
	Detector Detector
	Limiter  RateLimiter
	Store    StateStore
	Gateway  EscalationGateway
	Audit    AuditLog
}

// Engine evaluates inbound requests and returns graduated decisions. It is
// the single entry point for the hosting framework: one Evaluate call per
// request, exactly one Decision back, always.
type Engine struct {
	Config  *Config
	Logger  zerolog.Logger
	Metrics *Metrics

	detector Detector
	limiter  RateLimiter
	store    StateStore
	gateway  EscalationGateway
	audit    AuditLog

	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	evaluated atomic.Int64
}

// RootLogger builds the process logger from config. Components derive their
// own loggers from it with a component field.
func RootLogger(cfg *Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// NewEngine wires an engine from config and components.
func NewEngine(cfg *Config, comps Components) (*Engine, error) {
	if comps.Detector == nil || comps.Limiter == nil || comps.Store == nil {
		return nil, errors.New("engine requires detector, limiter and store components")
	}

	logger := RootLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		Config:   cfg,
		Logger:   logger.With().Str("component", "engine").Logger(),
		Metrics:  NewMetrics(),
		detector: comps.Detector,
		limiter:  comps.Limiter,
		store:    comps.Store,
		gateway:  comps.Gateway,
		audit:    comps.Audit,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetGateway wires the escalation collaborator. Call before traffic starts.
func (e *Engine) SetGateway(g EscalationGateway) {
	e.gateway = g
}

// SetAudit wires the audit log. Call before traffic starts.
func (e *Engine) SetAudit(a AuditLog) {
	e.audit = a
}

// Start launches the housekeeping schedule. Evaluate works without Start;
// only the background sweeps need it.
func (e *Engine) Start() error {
	e.startedAt = time.Now().UTC()

	e.cron = cron.New()
	if _, err := e.cron.AddFunc("@every 1m", func() {
		evicted := e.store.DecaySweep(time.Now().UTC())
		if evicted > 0 {
			e.Logger.Debug().Int("evicted", evicted).Msg("state store sweep")
		}
	}); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc("@every 5m", func() {
		evicted := e.limiter.EvictIdle(time.Now().UTC())
		if evicted > 0 {
			e.Logger.Debug().Int("evicted", evicted).Msg("rate limiter sweep")
		}
	}); err != nil {
		return err
	}
	e.cron.Start()

	e.Logger.Info().Msg("blackwall engine started")
	return nil
}

// Shutdown stops housekeeping and releases the engine context.
func (e *Engine) Shutdown() {
	e.cancel()
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	e.Logger.Info().Msg("blackwall engine stopped")
}

// Evaluate runs the full decision pipeline for one request. It always
// returns a decision; escalation failures degrade to the configured
// fallback, never to an error.
func (e *Engine) Evaluate(ctx context.Context, req *RequestContext) *Decision {
	start := time.Now()
	d := e.evaluate(ctx, req)

	e.evaluated.Add(1)
	e.Metrics.ObserveDecision(d)
	e.Metrics.EvalDuration.Observe(time.Since(start).Seconds())

	if e.audit != nil {
		e.audit.Append(NewAuditEntry(req, d))
	}

	evt := e.Logger.Debug()
	if d.Action.Blocking() {
		evt = e.Logger.Warn()
	}
	evt.Str("client_id", req.ClientID()).
		Str("method", req.Method).
		Str("path", req.Path).
		Str("action", d.Action.String()).
		Str("reason", string(d.Reason)).
		Float64("score", d.Score).
		Int("findings", len(d.Findings)).
		Msg("request evaluated")

	return d
}

func (e *Engine) evaluate(ctx context.Context, req *RequestContext) *Decision {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	clientID := req.ClientID()

	// The detector always runs so even exempt traffic leaves findings in the
	// audit trail.
	findings := e.detector.Detect(req)
	rec := e.store.Lookup(clientID, now)

	// Whitelisted clients bypass scoring, rate limiting and blocking.
	if rec.Whitelisted {
		return NewDecision(ActionAllow, ReasonWhitelisted, findings, rec.SuspicionScore)
	}

	// Standing block. Temporary expiry was already applied by Lookup.
	if rec.BlockState == BlockPermanent {
		return NewDecision(ActionBlockPermanent, ReasonBlocklisted, findings, rec.SuspicionScore)
	}
	if rec.BlockState == BlockTemporary {
		return NewDecision(ActionBlockTemporary, ReasonBlocklisted, findings, rec.SuspicionScore)
	}

	score := rec.SuspicionScore
	if len(findings) > 0 {
		score = e.store.RecordFindings(clientID, findings, now)
	}

	rate := e.limiter.CheckAndIncrement(clientID, now)
	maxSev, hasFindings := MaxSeverity(findings)

	// Confident threat: block without asking anyone.
	if hasFindings && maxSev == SeverityCritical {
		return e.block(clientID, rec, findings, score, true, ReasonCriticalFinding, now)
	}
	if hasFindings && maxSev == SeverityHigh &&
		(score > e.Config.Scoring.BlockAt || e.Config.Policy.BlockOnHigh) {
		return e.block(clientID, rec, findings, score, false, ReasonHighFinding, now)
	}

	// Rate violation outranks ambiguous findings but never a confident block.
	if !rate.WithinLimits {
		score = e.store.Penalize(clientID, e.Config.Policy.RateViolationPenalty, now)
		d := NewDecision(ActionRateLimit, ReasonRateLimited, findings, score)
		e.Logger.Info().
			Str("client_id", clientID).
			Str("horizon", rate.ViolatedHorizon).
			Int("count", rate.Count).
			Int("limit", rate.Limit).
			Msg("rate limit exceeded")
		return d
	}

	// Ambiguous findings go to the escalation collaborator when one is wired.
	if hasFindings {
		if e.gateway != nil && e.Config.Escalation.Enabled {
			return e.escalate(ctx, clientID, req, rec, findings, score, now)
		}
		return e.threshold(findings, score)
	}

	return e.threshold(nil, score)
}

// block applies the escalating block ladder and returns the block decision.
// critical marks the block for the permanent-block ladder; a client whose
// critical block count reaches the configured limit is blocked permanently.
func (e *Engine) block(clientID string, rec IPRecord, findings []ThreatFinding, score float64, critical bool, reason ReasonCode, now time.Time) *Decision {
	permanent := critical &&
		e.Config.Policy.PermanentAfterCritical > 0 &&
		rec.CriticalBlocks+1 >= e.Config.Policy.PermanentAfterCritical

	duration := e.Config.Policy.BlockDuration(rec.BlockCount)
	after := e.store.Block(clientID, duration, permanent, critical, now)

	action := ActionBlockTemporary
	if after.BlockState == BlockPermanent {
		action = ActionBlockPermanent
	}

	e.Logger.Warn().
		Str("client_id", clientID).
		Str("reason", string(reason)).
		Str("block_state", after.BlockState.String()).
		Time("block_expiry", after.BlockExpiry).
		Int("block_count", after.BlockCount).
		Msg("client blocked")

	return NewDecision(action, reason, findings, score)
}

// escalate defers the decision to the external analyzer and maps its verdict
// (or its absence) back onto an action.
func (e *Engine) escalate(ctx context.Context, clientID string, req *RequestContext, rec IPRecord, findings []ThreatFinding, score float64, now time.Time) *Decision {
	verdict, err := e.gateway.Escalate(ctx, req.Summarize(), findings)
	if err != nil {
		reason := ReasonEscalationFailure
		outcome := "failure"
		if errors.Is(err, ErrEscalationTimeout) {
			reason = ReasonEscalationTimeout
			outcome = "timeout"
		}
		e.Metrics.Escalations.WithLabelValues(outcome).Inc()
		e.Logger.Warn().Err(err).Str("client_id", clientID).Msg("escalation produced no verdict")

		var d *Decision
		if e.Config.Policy.Fallback == FailClosed {
			d = NewDecision(ActionRateLimit, reason, findings, score)
		} else {
			d = NewDecision(ActionAllow, reason, findings, score)
		}
		d.Escalated = true
		return d
	}

	var d *Decision
	if verdict.Malicious {
		e.Metrics.Escalations.WithLabelValues("malicious").Inc()
		d = e.block(clientID, rec, findings, score, false, ReasonEscalationVerdict, now)
	} else {
		e.Metrics.Escalations.WithLabelValues("benign").Inc()
		if score >= e.Config.Scoring.MonitorAt {
			d = NewDecision(ActionMonitor, ReasonEscalationBenign, findings, score)
		} else {
			d = NewDecision(ActionAllow, ReasonEscalationBenign, findings, score)
		}
	}
	d.Escalated = true
	d.Verdict = verdict
	return d
}

// threshold maps an accumulated suspicion score to an action when nothing
// more specific applied.
func (e *Engine) threshold(findings []ThreatFinding, score float64) *Decision {
	s := e.Config.Scoring
	switch {
	case score > s.BlockAt:
		return NewDecision(ActionBlockTemporary, ReasonScoreThreshold, findings, score)
	case score > s.RateLimitAt:
		return NewDecision(ActionRateLimit, ReasonScoreThreshold, findings, score)
	case score >= s.MonitorAt:
		return NewDecision(ActionMonitor, ReasonScoreThreshold, findings, score)
	default:
		return NewDecision(ActionAllow, ReasonClean, findings, score)
	}
}

// BlockClient imposes an operator block. A zero duration with permanent
// false uses the first rung of the block ladder.
func (e *Engine) BlockClient(clientID string, duration time.Duration, permanent bool) IPRecord {
	now := time.Now().UTC()
	if duration <= 0 {
		duration = e.Config.Policy.BlockDuration(0)
	}
	rec := e.store.Block(clientID, duration, permanent, false, now)
	e.Logger.Info().Str("client_id", clientID).Str("block_state", rec.BlockState.String()).
		Msg("client blocked by operator")
	return rec
}

// UnblockClient lifts any block on the client.
func (e *Engine) UnblockClient(clientID string) {
	e.store.Unblock(clientID)
	e.Logger.Info().Str("client_id", clientID).Msg("client unblocked by operator")
}

// WhitelistClient marks the client as trusted.
func (e *Engine) WhitelistClient(clientID string) {
	e.store.Whitelist(clientID)
	e.Logger.Info().Str("client_id", clientID).Msg("client whitelisted by operator")
}

// UnwhitelistClient removes trusted status.
func (e *Engine) UnwhitelistClient(clientID string) {
	e.store.Unwhitelist(clientID)
	e.Logger.Info().Str("client_id", clientID).Msg("client unwhitelisted by operator")
}

// Blocklist returns the currently blocked clients.
func (e *Engine) Blocklist() []IPRecord {
	return e.store.Blocklist(time.Now().UTC())
}

// Whitelisted returns the whitelisted client identifiers.
func (e *Engine) Whitelisted() []string {
	return e.store.Whitelisted()
}

// LookupClient returns a snapshot of one client's state.
func (e *Engine) LookupClient(clientID string) IPRecord {
	return e.store.Lookup(clientID, time.Now().UTC())
}

// DetectorStats returns per-category detection counters when the wired
// detector exposes them.
func (e *Engine) DetectorStats() map[string]int64 {
	if r, ok := e.detector.(interface{ Stats() map[string]int64 }); ok {
		return r.Stats()
	}
	return nil
}

// Evaluated returns the number of requests evaluated since start.
func (e *Engine) Evaluated() int64 {
	return e.evaluated.Load()
}

// Uptime returns time since Start.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// Context returns the engine's lifetime context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
