package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// BlockState describes a client's current block status.
type BlockState int

const (
	BlockNone BlockState = iota
	BlockTemporary
	BlockPermanent
)

func (b BlockState) String() string {
	switch b {
	case BlockNone:
		return "NONE"
	case BlockTemporary:
		return "TEMPORARY"
	case BlockPermanent:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

func (b BlockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BlockState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "TEMPORARY":
		*b = BlockTemporary
	case "PERMANENT":
		*b = BlockPermanent
	default:
		*b = BlockNone
	}
	return nil
}

// IPRecord is a point-in-time snapshot of a client's reputation state.
// The state store owns the mutable record; callers only ever see copies.
type IPRecord struct {
	ClientID       string     `json:"client_id"`
	SuspicionScore float64    `json:"suspicion_score"`
	BlockState     BlockState `json:"block_state"`
	BlockExpiry    time.Time  `json:"block_expiry,omitempty"`
	BlockCount     int        `json:"block_count"`
	CriticalBlocks int        `json:"critical_blocks"`
	Whitelisted    bool       `json:"whitelisted"`
	LastSeen       time.Time  `json:"last_seen"`
}

// RateStatus is the result of one atomic check-and-increment.
type RateStatus struct {
	WithinLimits    bool          `json:"within_limits"`
	ViolatedHorizon string        `json:"violated_horizon,omitempty"`
	Window          time.Duration `json:"-"`
	Count           int           `json:"count,omitempty"`
	Limit           int           `json:"limit,omitempty"`
}

// Detector scans a request snapshot against the signature tables. It is pure:
// no shared state, safe to call from any number of goroutines.
type Detector interface {
	Detect(req *RequestContext) []ThreatFinding
}

// RateLimiter tracks per-client request rates over multiple horizons.
// CheckAndIncrement is atomic per client identifier.
type RateLimiter interface {
	CheckAndIncrement(clientID string, now time.Time) RateStatus
	EvictIdle(now time.Time) int
}

// StateStore owns per-client reputation state: suspicion scores, blocklist
// and whitelist entries. All mutation is idempotent in effect; a stronger
// block always wins over a weaker one.
type StateStore interface {
	Lookup(clientID string, now time.Time) IPRecord
	RecordFindings(clientID string, findings []ThreatFinding, now time.Time) float64
	Penalize(clientID string, delta float64, now time.Time) float64
	Block(clientID string, duration time.Duration, permanent, critical bool, now time.Time) IPRecord
	Unblock(clientID string)
	Whitelist(clientID string)
	Unwhitelist(clientID string)
	Blocklist(now time.Time) []IPRecord
	Whitelisted() []string
	DecaySweep(now time.Time) int
}

// EscalationGateway defers an ambiguous decision to the external analysis
// collaborator. One attempt per request; a missed deadline surfaces as
// ErrEscalationTimeout, never as a hang.
type EscalationGateway interface {
	Escalate(ctx context.Context, req RequestSummary, findings []ThreatFinding) (*Verdict, error)
}

// AuditLog records every decision. Append must never fail the decision path;
// sink errors are absorbed and reported out of band.
type AuditLog interface {
	Append(entry *AuditEntry)
}

// ErrEscalationTimeout marks an escalation attempt that missed its deadline.
// The decision policy maps it to the configured fallback action.
var ErrEscalationTimeout = errors.New("escalation deadline exceeded")

// ErrEscalationUnavailable marks an escalation attempt rejected before any
// network call was made (no backend configured, circuit breaker open).
var ErrEscalationUnavailable = errors.New("escalation backend unavailable")
