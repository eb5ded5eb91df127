package core

import (
	"encoding/json"
)

// Severity represents the severity level of a threat finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity maps a severity label to its value. Unknown labels map to LOW.
func ParseSeverity(s string) Severity {
	switch s {
	case "LOW", "low":
		return SeverityLow
	case "MEDIUM", "medium":
		return SeverityMedium
	case "HIGH", "high":
		return SeverityHigh
	case "CRITICAL", "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// ThreatCategory identifies the attack class a signature belongs to.
type ThreatCategory string

const (
	CategorySQLi             ThreatCategory = "sqli"
	CategoryXSS              ThreatCategory = "xss"
	CategoryCommandInjection ThreatCategory = "cmdi"
	CategoryPathTraversal    ThreatCategory = "path_traversal"
	CategorySSRF             ThreatCategory = "ssrf"
	CategoryXXE              ThreatCategory = "xxe"
	CategoryOversizedPayload ThreatCategory = "oversized_payload"
)

// Label returns a human-readable name for the category.
func (c ThreatCategory) Label() string {
	switch c {
	case CategorySQLi:
		return "SQL Injection"
	case CategoryXSS:
		return "Cross-Site Scripting"
	case CategoryCommandInjection:
		return "Command Injection"
	case CategoryPathTraversal:
		return "Path Traversal"
	case CategorySSRF:
		return "Server-Side Request Forgery"
	case CategoryXXE:
		return "XML External Entity"
	case CategoryOversizedPayload:
		return "Oversized Payload"
	default:
		return string(c)
	}
}

// ThreatFinding is a single detected indicator in one request field.
// Findings are immutable once created.
type ThreatFinding struct {
	Category        ThreatCategory `json:"category"`
	Severity        Severity       `json:"severity"`
	SignatureName   string         `json:"signature_name"`
	MatchedField    string         `json:"matched_field"`
	EvidenceSnippet string         `json:"evidence_snippet"`
}

// MaxSeverity returns the highest severity among findings, and whether any
// finding exists at all.
func MaxSeverity(findings []ThreatFinding) (Severity, bool) {
	if len(findings) == 0 {
		return SeverityLow, false
	}
	max := findings[0].Severity
	for _, f := range findings[1:] {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max, true
}
