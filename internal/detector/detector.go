// Package detector implements the stateless pattern-detection pipeline. A
// Detector scans every field of a request snapshot against per-category
// signature tables and emits findings with per-signature severities. It holds
// no mutable request state and is safe to share across goroutines.
package detector

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/blackwall-project/blackwall/internal/core"
)

// Detector scans request snapshots. Construct once, share freely.
type Detector struct {
	signatures   []Signature
	maxBodyBytes int
	stats        Stats
}

// Stats tracks per-category detection counters.
type Stats struct {
	Scanned   int64
	SQLi      int64
	XSS       int64
	CmdI      int64
	PathTrav  int64
	SSRF      int64
	XXE       int64
	Oversized int64
}

// New builds a Detector from the built-in signature tables plus any extras
// from config. Signature sets are immutable after construction.
func New(cfg core.DetectorConfig) (*Detector, error) {
	sigs, err := compileSignatures(cfg.ExtraSignatures)
	if err != nil {
		return nil, err
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 100 * 1024
	}
	return &Detector{
		signatures:   sigs,
		maxBodyBytes: maxBody,
	}, nil
}

// Detect scans every field of the request against every category's
// signatures. A field may trigger multiple findings across categories.
// Undecodable bytes are treated as literal content; nothing here panics on
// malformed input.
func (d *Detector) Detect(req *core.RequestContext) []core.ThreatFinding {
	atomic.AddInt64(&d.stats.Scanned, 1)

	var findings []core.ThreatFinding

	if req.BodySize > d.maxBodyBytes {
		atomic.AddInt64(&d.stats.Oversized, 1)
		findings = append(findings, core.ThreatFinding{
			Category:        core.CategoryOversizedPayload,
			Severity:        core.SeverityMedium,
			MatchedField:    "body",
			SignatureName:   "payload_size_cap",
			EvidenceSnippet: fmt.Sprintf("payload size %d exceeds cap %d", req.BodySize, d.maxBodyBytes),
		})
	}

	findings = append(findings, d.scanField("path", req.Path)...)

	for key, vals := range req.Query {
		for _, v := range vals {
			findings = append(findings, d.scanField("query."+key, v)...)
		}
	}

	for key, vals := range req.Headers {
		for _, v := range vals {
			findings = append(findings, d.scanField("header."+key, v)...)
		}
	}

	if len(req.Body) > 0 {
		body := req.Body
		if len(body) > d.maxBodyBytes {
			body = body[:d.maxBodyBytes]
		}
		findings = append(findings, d.scanField("body", string(body))...)
	}

	return findings
}

// scanField checks one value against all signatures plus the SSRF address
// heuristics.
func (d *Detector) scanField(field, value string) []core.ThreatFinding {
	if value == "" {
		return nil
	}

	var findings []core.ThreatFinding
	normalized := normalizeInput(value)

	for i := range d.signatures {
		sig := &d.signatures[i]
		if sig.Regex.MatchString(normalized) {
			findings = append(findings, core.ThreatFinding{
				Category:        sig.Category,
				Severity:        sig.Severity,
				SignatureName:   sig.Name,
				MatchedField:    field,
				EvidenceSnippet: truncate(sig.Regex.FindString(normalized), 200),
			})
			d.countCategory(sig.Category)
		}
	}

	if f := d.checkSSRFTarget(field, normalized); f != nil {
		findings = append(findings, *f)
		d.countCategory(core.CategorySSRF)
	}

	return findings
}

// checkSSRFTarget parses URL-shaped values and flags targets in loopback,
// private, or link-local ranges that the regex table can miss (decimal or
// bracketed IPv6 forms).
func (d *Detector) checkSSRFTarget(field, value string) *core.ThreatFinding {
	idx := strings.Index(value, "://")
	if idx < 0 {
		return nil
	}

	u, err := url.Parse(strings.TrimSpace(value[strings.LastIndexByte(value[:idx], ' ')+1:]))
	if err != nil || u.Host == "" {
		// Malformed target — keep going, the regex table already covers
		// the common literal forms.
		return nil
	}

	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return &core.ThreatFinding{
			Category:        core.CategorySSRF,
			Severity:        core.SeverityHigh,
			SignatureName:   "ssrf_address_range",
			MatchedField:    field,
			EvidenceSnippet: truncate(u.String(), 200),
		}
	}

	return nil
}

// Snapshot returns a copy of the per-category counters.
func (d *Detector) Snapshot() Stats {
	return Stats{
		Scanned:   atomic.LoadInt64(&d.stats.Scanned),
		SQLi:      atomic.LoadInt64(&d.stats.SQLi),
		XSS:       atomic.LoadInt64(&d.stats.XSS),
		CmdI:      atomic.LoadInt64(&d.stats.CmdI),
		PathTrav:  atomic.LoadInt64(&d.stats.PathTrav),
		SSRF:      atomic.LoadInt64(&d.stats.SSRF),
		XXE:       atomic.LoadInt64(&d.stats.XXE),
		Oversized: atomic.LoadInt64(&d.stats.Oversized),
	}
}

// Stats reports the counters in the map form the admin API serves.
func (d *Detector) Stats() map[string]int64 {
	s := d.Snapshot()
	return map[string]int64{
		"scanned":        s.Scanned,
		"sqli":           s.SQLi,
		"xss":            s.XSS,
		"cmdi":           s.CmdI,
		"path_traversal": s.PathTrav,
		"ssrf":           s.SSRF,
		"xxe":            s.XXE,
		"oversized":      s.Oversized,
	}
}

func (d *Detector) countCategory(cat core.ThreatCategory) {
	switch cat {
	case core.CategorySQLi:
		atomic.AddInt64(&d.stats.SQLi, 1)
	case core.CategoryXSS:
		atomic.AddInt64(&d.stats.XSS, 1)
	case core.CategoryCommandInjection:
		atomic.AddInt64(&d.stats.CmdI, 1)
	case core.CategoryPathTraversal:
		atomic.AddInt64(&d.stats.PathTrav, 1)
	case core.CategorySSRF:
		atomic.AddInt64(&d.stats.SSRF, 1)
	case core.CategoryXXE:
		atomic.AddInt64(&d.stats.XXE, 1)
	}
}

// normalizeInput decodes common encodings to catch evasion attempts.
func normalizeInput(input string) string {
	result := input

	replacer := strings.NewReplacer(
		"%20", " ",
		"%27", "'",
		"%22", "\"",
		"%3C", "<",
		"%3E", ">",
		"%28", "(",
		"%29", ")",
		"%3B", ";",
		"%7C", "|",
		"%26", "&",
		"%2F", "/",
		"%5C", "\\",
		"%2E", ".",
		"%3D", "=",
		"%23", "#",
		"%2D", "-",
		"%2A", "*",
		"%09", "\t",
		"%0A", "\n",
		"%0D", "\r",
	)
	result = replacer.Replace(result)

	// Handle double URL encoding
	result = replacer.Replace(result)

	// Normalize unicode homoglyphs commonly used for evasion
	unicodeReplacer := strings.NewReplacer(
		"‘", "'", // left single quote
		"’", "'", // right single quote
		"“", "\"", // left double quote
		"”", "\"", // right double quote
		"＜", "<", // fullwidth less-than
		"＞", ">", // fullwidth greater-than
		"（", "(", // fullwidth left paren
		"）", ")", // fullwidth right paren
		"․", ".", // one dot leader
		"／", "/", // fullwidth solidus
		"＼", "\\", // fullwidth reverse solidus
	)
	result = unicodeReplacer.Replace(result)

	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
