package core

import (
	"strings"
	"testing"
)

func TestClientID_IPOnly(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "GET", "/", nil, nil, nil, 0)
	if got := req.ClientID(); got != "198.51.100.4" {
		t.Errorf("ClientID = %q, want bare IP", got)
	}
}

func TestClientID_WithUser(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "GET", "/", nil, nil, nil, 0)
	req.UserID = "alice"
	if got := req.ClientID(); got != "198.51.100.4|alice" {
		t.Errorf("ClientID = %q, want ip|user", got)
	}
}

func TestNewRequestContext_UppercasesMethod(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "post", "/login", nil, nil, nil, 0)
	if req.Method != "POST" {
		t.Errorf("method = %q, want POST", req.Method)
	}
}

func TestNewRequestContext_BodySizeFloor(t *testing.T) {
	body := []byte("0123456789")
	req := NewRequestContext("198.51.100.4", "POST", "/", nil, nil, body, 4)
	if req.BodySize != len(body) {
		t.Errorf("body size = %d, must not undercount the captured body", req.BodySize)
	}

	// A declared size larger than the captured prefix is kept as-is.
	req = NewRequestContext("198.51.100.4", "POST", "/", nil, nil, body, 5000)
	if req.BodySize != 5000 {
		t.Errorf("body size = %d, want declared 5000", req.BodySize)
	}
}

func TestHeader_CaseInsensitive(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "GET", "/", nil,
		map[string][]string{"Content-Type": {"application/json"}}, nil, 0)
	if got := req.Header("content-type"); got != "application/json" {
		t.Errorf("Header lookup = %q", got)
	}
	if got := req.Header("X-Missing"); got != "" {
		t.Errorf("missing header returned %q", got)
	}
}

func TestSummarize_RedactsCredentials(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "GET", "/api",
		nil,
		map[string][]string{
			"Authorization": {"Bearer secret-token"},
			"Cookie":        {"session=abc123"},
			"User-Agent":    {"curl/8.0"},
		}, nil, 0)

	sum := req.Summarize()
	if sum.Headers["Authorization"] != "[redacted]" {
		t.Errorf("Authorization = %q, must be redacted", sum.Headers["Authorization"])
	}
	if sum.Headers["Cookie"] != "[redacted]" {
		t.Errorf("Cookie = %q, must be redacted", sum.Headers["Cookie"])
	}
	if sum.Headers["User-Agent"] != "curl/8.0" {
		t.Errorf("benign header altered: %q", sum.Headers["User-Agent"])
	}
}

func TestSummarize_TruncatesBody(t *testing.T) {
	body := []byte(strings.Repeat("a", maxSummaryBody+500))
	req := NewRequestContext("198.51.100.4", "POST", "/upload", nil, nil, body, 0)

	sum := req.Summarize()
	if len(sum.BodySnippet) != maxSummaryBody {
		t.Errorf("snippet length = %d, want %d", len(sum.BodySnippet), maxSummaryBody)
	}
	if sum.BodySize != len(body) {
		t.Errorf("body size = %d, want full %d", sum.BodySize, len(body))
	}
}

func TestSummarize_FlattensQuery(t *testing.T) {
	req := NewRequestContext("198.51.100.4", "GET", "/search",
		map[string][]string{"q": {"widgets"}}, nil, nil, 0)

	sum := req.Summarize()
	if sum.Query != "q=widgets" {
		t.Errorf("query = %q", sum.Query)
	}
	if sum.ClientID != "198.51.100.4" {
		t.Errorf("client_id = %q", sum.ClientID)
	}
}
