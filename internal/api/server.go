// Package api exposes the Blackwall admin surface: engine status, blocklist
// and whitelist management, audit queries and Prometheus metrics. It is a
// separate listener from the protected application; the engine itself never
// serves HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackwall-project/blackwall/internal/audit"
	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the Blackwall admin API server.
type Server struct {
	engine     *core.Engine
	auditLog   *audit.Log
	auditStore *audit.Store
	server     *http.Server
	logger     zerolog.Logger
}

// NewServer creates the admin server. auditStore may be nil when the SQLite
// sink is disabled; audit queries then fall back to the in-memory ring.
func NewServer(engine *core.Engine, auditLog *audit.Log, auditStore *audit.Store) *Server {
	s := &Server{
		engine:     engine,
		auditLog:   auditLog,
		auditStore: auditStore,
		logger:     engine.Logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/config", s.handleConfig)
	mux.HandleFunc("/api/v1/blocklist", s.handleBlocklist)
	mux.HandleFunc("/api/v1/blocklist/", s.handleBlocklistEntry)
	mux.HandleFunc("/api/v1/whitelist", s.handleWhitelist)
	mux.HandleFunc("/api/v1/whitelist/", s.handleWhitelistEntry)
	mux.HandleFunc("/api/v1/clients/", s.handleClient)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Metrics.Registry, promhttp.HandlerOpts{}))

	// Middleware chain: CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			rateLimitMiddleware(
				authMiddleware(mux, engine.Config, s.logger),
				100, // 100 requests per second per IP
			),
			s.logger,
		),
		engine.Config.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", engine.Config.Server.Host, engine.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API starting")
	if s.engine.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config.Server.APIKeys)).Msg("admin API authentication enabled")
	} else {
		s.logger.Warn().Msg("admin API authentication disabled — set server.api_keys in config or BLACKWALL_ADMIN_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]interface{}{
		"version":            "1.0.0",
		"status":             "running",
		"uptime_seconds":     int64(s.engine.Uptime().Seconds()),
		"evaluated":          s.engine.Evaluated(),
		"blocked_clients":    len(s.engine.Blocklist()),
		"whitelisted":        len(s.engine.Whitelisted()),
		"escalation_enabled": s.engine.Config.Escalation.Enabled,
		"timestamp":          time.Now().UTC(),
	}
	if s.auditLog != nil {
		status["audit"] = s.auditLog.Stats()
	}
	if ds := s.engine.DetectorStats(); ds != nil {
		status["detector"] = ds
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Redact credentials from the response
	safeCfg := *s.engine.Config
	safeCfg.Server.APIKeys = nil
	safeCfg.Escalation.APIKey = ""
	writeJSON(w, http.StatusOK, safeCfg)
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		blocked := s.engine.Blocklist()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"blocked": blocked,
			"total":   len(blocked),
		})

	case http.MethodPost:
		var body struct {
			ClientID  string `json:"client_id"`
			Duration  string `json:"duration,omitempty"`
			Permanent bool   `json:"permanent,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
		if body.ClientID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
			return
		}
		var duration time.Duration
		if body.Duration != "" {
			var err error
			duration, err = time.ParseDuration(body.Duration)
			if err != nil || duration <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid duration — use Go duration syntax, e.g. 15m or 6h"})
				return
			}
		}
		rec := s.engine.BlockClient(body.ClientID, duration, body.Permanent)
		writeJSON(w, http.StatusOK, rec)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBlocklistEntry handles DELETE /api/v1/blocklist/{client_id}.
func (s *Server) handleBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	clientID := pathSuffix(r.URL.Path, "/api/v1/blocklist/")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.UnblockClient(clientID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "client_id": clientID})
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := s.engine.Whitelisted()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"whitelisted": ids,
			"total":       len(ids),
		})

	case http.MethodPost:
		var body struct {
			ClientID string `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
		if body.ClientID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
			return
		}
		s.engine.WhitelistClient(body.ClientID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "whitelisted", "client_id": body.ClientID})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWhitelistEntry handles DELETE /api/v1/whitelist/{client_id}.
func (s *Server) handleWhitelistEntry(w http.ResponseWriter, r *http.Request) {
	clientID := pathSuffix(r.URL.Path, "/api/v1/whitelist/")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.UnwhitelistClient(clientID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unwhitelisted", "client_id": clientID})
}

// handleClient handles GET /api/v1/clients/{client_id}.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := pathSuffix(r.URL.Path, "/api/v1/clients/")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.LookupClient(clientID))
}

// handleAudit serves recent decisions. With the SQLite sink enabled it
// supports client_ip, action and since filters; otherwise it reads the
// in-memory ring and honors only limit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if s.auditStore != nil {
		filter := audit.QueryFilter{
			ClientIP: q.Get("client_ip"),
			Action:   q.Get("action"),
			Limit:    limit,
		}
		if sinceStr := q.Get("since"); sinceStr != "" {
			since, err := time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since — use RFC3339"})
				return
			}
			filter.Since = since
		}
		records, err := s.auditStore.Query(filter)
		if err != nil {
			s.logger.Error().Err(err).Msg("audit query failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": records,
			"total":   len(records),
			"source":  "database",
		})
		return
	}

	if s.auditLog == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": []struct{}{},
			"total":   0,
			"source":  "none",
		})
		return
	}

	entries := s.auditLog.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
		"source":  "memory",
	})
}

// pathSuffix extracts and unescapes the trailing path element after prefix.
func pathSuffix(path, prefix string) string {
	raw := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	if raw == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// authMiddleware enforces API key authentication on all endpoints except
// /health and /metrics. Keys come from config (server.api_keys) or env
// (BLACKWALL_ADMIN_KEY). With no keys configured all requests are allowed
// (open mode, warned at startup).
func authMiddleware(next http.Handler, cfg *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		// Extract key from Authorization header: "Bearer <key>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Also check X-API-Key header as fallback
			authHeader = r.Header.Get("X-API-Key")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "missing authentication — provide Authorization: Bearer <key> or X-API-Key header",
				})
				return
			}
			if !cfg.ValidateAPIKey(authHeader) {
				logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		key := authHeader
		if strings.HasPrefix(authHeader, "Bearer ") {
			key = authHeader[7:]
		}

		if !cfg.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware implements a simple per-IP token bucket limiter. This
// protects only the admin listener; application traffic goes through the
// engine's own rate limiter.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    int
}

type tokenBucket struct {
	tokens    float64
	maxTokens float64
	lastTime  time.Time
}

func (b *tokenBucket) allow(rate float64) bool {
	now := time.Now()
	elapsed := now.Sub(b.lastTime).Seconds()
	b.lastTime = now
	b.tokens += elapsed * rate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func rateLimitMiddleware(next http.Handler, requestsPerSecond int) http.Handler {
	limiter := &ipLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    requestsPerSecond,
	}

	// Cleanup stale buckets every 5 minutes
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			limiter.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, bucket := range limiter.buckets {
				if bucket.lastTime.Before(cutoff) {
					delete(limiter.buckets, ip)
				}
			}
			limiter.mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		limiter.mu.Lock()
		bucket, exists := limiter.buckets[ip]
		if !exists {
			bucket = &tokenBucket{
				tokens:    float64(requestsPerSecond),
				maxTokens: float64(requestsPerSecond * 2), // burst = 2x rate
				lastTime:  time.Now(),
			}
			limiter.buckets[ip] = bucket
		}
		allowed := bucket.allow(float64(requestsPerSecond))
		limiter.mu.Unlock()

		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded — try again shortly",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				// Origin not in allow list — skip CORS headers
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
