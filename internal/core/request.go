package core

import (
	"net/http"
	"strings"
	"time"
)

// RequestContext is an immutable snapshot of one inbound HTTP request.
// It is created once per request by the hosting framework adapter and is
// read-only for the lifetime of the evaluation.
type RequestContext struct {
	ClientIP  string              `json:"client_ip"`
	UserID    string              `json:"user_id,omitempty"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     map[string][]string `json:"query,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"-"`
	BodySize  int                 `json:"body_size"`
	Timestamp time.Time           `json:"timestamp"`
}

// NewRequestContext builds a snapshot from raw request parts. The body slice
// is retained as-is; callers must not mutate it afterwards. BodySize records
// the full payload size even when the body itself was capped by the caller.
func NewRequestContext(clientIP, method, path string, query, headers map[string][]string, body []byte, bodySize int) *RequestContext {
	if bodySize < len(body) {
		bodySize = len(body)
	}
	return &RequestContext{
		ClientIP:  clientIP,
		Method:    strings.ToUpper(method),
		Path:      path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		BodySize:  bodySize,
		Timestamp: time.Now().UTC(),
	}
}

// ClientID returns the identifier used for rate and reputation tracking.
// The network address is the base key; an authenticated identity, when
// present, narrows it so NAT'd users don't share fate.
func (r *RequestContext) ClientID() string {
	if r.UserID != "" {
		return r.ClientIP + "|" + r.UserID
	}
	return r.ClientIP
}

// Header returns the first value of the named header, case-insensitively.
func (r *RequestContext) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	if vals, ok := r.Headers[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	canonical := http.CanonicalHeaderKey(name)
	if vals, ok := r.Headers[canonical]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// sensitiveHeaders are never forwarded in escalation summaries or audit
// entries. Matching is case-insensitive on the canonical form.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
	"X-Auth-Token":        true,
}

// RequestSummary is the sanitized projection of a RequestContext that may
// leave the process (escalation payloads, audit entries). Credential-bearing
// headers are redacted and the body is truncated.
type RequestSummary struct {
	ClientIP    string            `json:"client_ip"`
	ClientID    string            `json:"client_id"`
	UserID      string            `json:"user_id,omitempty"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       string            `json:"query,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodySnippet string            `json:"body_snippet,omitempty"`
	BodySize    int               `json:"body_size"`
	Timestamp   time.Time         `json:"timestamp"`
}

// maxSummaryBody bounds how much request body an escalation payload carries.
const maxSummaryBody = 2048

// Summarize produces the sanitized summary of the request.
func (r *RequestContext) Summarize() RequestSummary {
	sum := RequestSummary{
		ClientIP:  r.ClientIP,
		ClientID:  r.ClientID(),
		UserID:    r.UserID,
		Method:    r.Method,
		Path:      r.Path,
		BodySize:  r.BodySize,
		Timestamp: r.Timestamp,
	}

	if len(r.Query) > 0 {
		pairs := make([]string, 0, len(r.Query))
		for k, vals := range r.Query {
			for _, v := range vals {
				pairs = append(pairs, k+"="+v)
			}
		}
		sum.Query = strings.Join(pairs, "&")
	}

	if len(r.Headers) > 0 {
		sum.Headers = make(map[string]string, len(r.Headers))
		for k, vals := range r.Headers {
			if len(vals) == 0 {
				continue
			}
			if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
				sum.Headers[k] = "[redacted]"
				continue
			}
			sum.Headers[k] = vals[0]
		}
	}

	if len(r.Body) > 0 {
		snippet := r.Body
		if len(snippet) > maxSummaryBody {
			snippet = snippet[:maxSummaryBody]
		}
		// Undecodable bytes are carried as-is; the consumer treats the
		// snippet as opaque text.
		sum.BodySnippet = string(snippet)
	}

	return sum
}
