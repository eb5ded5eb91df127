package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is the graduated response the engine returns to the caller. The
// engine never renders HTTP responses itself; the hosting framework maps
// actions to status codes (Allow/Monitor pass through, RateLimit 429,
// Block* 403).
type Action int

const (
	ActionAllow Action = iota
	ActionMonitor
	ActionRateLimit
	ActionBlockTemporary
	ActionBlockPermanent
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionMonitor:
		return "MONITOR"
	case ActionRateLimit:
		return "RATE_LIMIT"
	case ActionBlockTemporary:
		return "BLOCK_TEMPORARY"
	case ActionBlockPermanent:
		return "BLOCK_PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Blocking reports whether the action rejects the request outright.
func (a Action) Blocking() bool {
	return a == ActionBlockTemporary || a == ActionBlockPermanent
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "MONITOR":
		*a = ActionMonitor
	case "RATE_LIMIT":
		*a = ActionRateLimit
	case "BLOCK_TEMPORARY":
		*a = ActionBlockTemporary
	case "BLOCK_PERMANENT":
		*a = ActionBlockPermanent
	default:
		*a = ActionAllow
	}
	return nil
}

// ReasonCode explains which policy branch produced a decision. Fallback
// reasons are distinct so operators can tell "the collaborator said benign"
// from "the collaborator never answered".
type ReasonCode string

const (
	ReasonWhitelisted        ReasonCode = "whitelisted"
	ReasonBlocklisted        ReasonCode = "blocklisted"
	ReasonClean              ReasonCode = "clean"
	ReasonCriticalFinding    ReasonCode = "critical_finding"
	ReasonHighFinding        ReasonCode = "high_finding"
	ReasonScoreThreshold     ReasonCode = "score_threshold"
	ReasonRateLimited        ReasonCode = "rate_limited"
	ReasonEscalationVerdict  ReasonCode = "escalation_malicious"
	ReasonEscalationBenign   ReasonCode = "escalation_benign"
	ReasonEscalationTimeout  ReasonCode = "escalation_timeout"
	ReasonEscalationFailure  ReasonCode = "escalation_failure"
	ReasonAdministrative     ReasonCode = "administrative"
)

// Decision is the engine's verdict for one request. Produced exactly once per
// evaluation, written to the audit log, never mutated after creation.
type Decision struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Reason    ReasonCode      `json:"reason"`
	Findings  []ThreatFinding `json:"findings,omitempty"`
	Score     float64         `json:"score"`
	Escalated bool            `json:"escalated"`
	Verdict   *Verdict        `json:"verdict,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewDecision creates a Decision with a generated ID and current timestamp.
func NewDecision(action Action, reason ReasonCode, findings []ThreatFinding, score float64) *Decision {
	return &Decision{
		ID:        uuid.New().String(),
		Action:    action,
		Reason:    reason,
		Findings:  findings,
		Score:     score,
		CreatedAt: time.Now().UTC(),
	}
}

// Verdict is the escalation collaborator's answer for an ambiguous request.
type Verdict struct {
	Malicious         bool   `json:"malicious"`
	RecommendedAction string `json:"recommended_action,omitempty"`
	Rationale         string `json:"rationale,omitempty"`
}

// AuditEntry pairs a decision with the sanitized request that produced it.
// Entries are append-only; retention and rotation are sink concerns.
type AuditEntry struct {
	ID         string         `json:"id"`
	Request    RequestSummary `json:"request"`
	Decision   *Decision      `json:"decision"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// NewAuditEntry builds an entry for a finalized decision.
func NewAuditEntry(req *RequestContext, d *Decision) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New().String(),
		Request:    req.Summarize(),
		Decision:   d,
		RecordedAt: time.Now().UTC(),
	}
}

// Marshal serializes the entry to JSON.
func (e *AuditEntry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAuditEntry deserializes an AuditEntry from JSON.
func UnmarshalAuditEntry(data []byte) (*AuditEntry, error) {
	var entry AuditEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
