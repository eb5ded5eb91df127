// Package escalate defers ambiguous decisions to an external analysis model.
// The gateway makes exactly one attempt per request under the caller's
// deadline; a circuit breaker stops hammering a backend that is already
// failing. The decision policy, not this package, owns what happens when no
// verdict comes back.
package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Gateway calls the Gemini API for a malicious/benign verdict on requests the
// local policy could not settle.
type Gateway struct {
	logger     zerolog.Logger
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	url        string
	apiKey     string
	timeout    time.Duration

	calls     atomic.Int64
	timeouts  atomic.Int64
	failures  atomic.Int64
	malicious atomic.Int64
}

// New builds a Gateway from config. An empty API key yields a gateway that
// reports core.ErrEscalationUnavailable on every call; the engine treats that
// as a normal fallback, so a keyless deployment still works.
func New(cfg core.EscalationConfig, logger zerolog.Logger) *Gateway {
	return &Gateway{
		logger:     logger.With().Str("component", "escalation").Logger(),
		httpClient: &http.Client{Timeout: cfg.Timeout + time.Second},
		url:        fmt.Sprintf("%s/%s:generateContent", cfg.APIBaseURL, cfg.Model),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "EscalationAPI",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

// Gemini API types
type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig map[string]interface{} `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

type verdictResult struct {
	Malicious         bool   `json:"malicious"`
	RecommendedAction string `json:"recommended_action"`
	Rationale         string `json:"rationale"`
}

// Escalate sends a sanitized request summary plus the local findings and
// returns the backend's verdict. One attempt, no retry: the client is still
// waiting on the decision.
func (g *Gateway) Escalate(ctx context.Context, req core.RequestSummary, findings []core.ThreatFinding) (*core.Verdict, error) {
	if g.apiKey == "" {
		return nil, core.ErrEscalationUnavailable
	}

	g.calls.Add(1)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt, err := buildPrompt(req, findings)
	if err != nil {
		g.failures.Add(1)
		return nil, fmt.Errorf("building escalation prompt: %w", err)
	}

	result, cbErr := g.cb.Execute(func() (interface{}, error) {
		return g.callModel(ctx, prompt)
	})
	if cbErr != nil {
		switch {
		case errors.Is(cbErr, gobreaker.ErrOpenState), errors.Is(cbErr, gobreaker.ErrTooManyRequests):
			g.failures.Add(1)
			return nil, core.ErrEscalationUnavailable
		case errors.Is(cbErr, context.DeadlineExceeded), errors.Is(cbErr, context.Canceled):
			g.timeouts.Add(1)
			return nil, core.ErrEscalationTimeout
		default:
			g.failures.Add(1)
			return nil, cbErr
		}
	}

	var parsed verdictResult
	if err := json.Unmarshal([]byte(cleanJSON(result.(string))), &parsed); err != nil {
		g.failures.Add(1)
		return nil, fmt.Errorf("parsing verdict response: %w", err)
	}

	if parsed.Malicious {
		g.malicious.Add(1)
	}

	g.logger.Debug().
		Bool("malicious", parsed.Malicious).
		Str("recommended_action", parsed.RecommendedAction).
		Msg("escalation verdict received")

	return &core.Verdict{
		Malicious:         parsed.Malicious,
		RecommendedAction: parsed.RecommendedAction,
		Rationale:         parsed.Rationale,
	}, nil
}

func buildPrompt(req core.RequestSummary, findings []core.ThreatFinding) (string, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`You are a web application security analyst. An inline request filter flagged the HTTP request below but could not reach a confident decision. Analyze it and respond with ONLY a JSON object (no markdown, no explanation).

Request:
%s

Local findings:
%s

Respond with:
{"malicious": bool, "recommended_action": "allow"|"monitor"|"block", "rationale": "1-2 sentence explanation"}

Where malicious means the request is a genuine attack attempt rather than unusual-but-legitimate traffic.`, string(reqJSON), string(findingsJSON)), nil
}

func (g *Gateway) callModel(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: map[string]interface{}{
			"maxOutputTokens": 256,
			"temperature":     0.1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	fullURL := fmt.Sprintf("%s?key=%s", g.url, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("calling analysis API: %w", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("analysis API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var gemResp geminiResponse
	if err := json.Unmarshal(respBody, &gemResp); err != nil {
		return "", fmt.Errorf("parsing API response: %w", err)
	}

	if gemResp.Error != nil {
		return "", fmt.Errorf("analysis API error: %s", gemResp.Error.Message)
	}

	if len(gemResp.Candidates) == 0 || len(gemResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from analysis API")
	}

	return gemResp.Candidates[0].Content.Parts[0].Text, nil
}

// cleanJSON extracts JSON from a response that might have markdown fencing.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// Stats is a snapshot of gateway call counters.
type Stats struct {
	Calls     int64 `json:"calls"`
	Timeouts  int64 `json:"timeouts"`
	Failures  int64 `json:"failures"`
	Malicious int64 `json:"malicious"`
}

// GatewayStats returns current call counters.
func (g *Gateway) GatewayStats() Stats {
	return Stats{
		Calls:     g.calls.Load(),
		Timeouts:  g.timeouts.Load(),
		Failures:  g.failures.Load(),
		Malicious: g.malicious.Load(),
	}
}
