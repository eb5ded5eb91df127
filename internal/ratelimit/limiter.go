// Package ratelimit implements per-client sliding-window rate tracking over
// multiple horizons (burst, minute, hour). Shards are keyed by client
// identifier so concurrent requests from different clients never contend on
// one lock, while check-and-increment stays atomic per client.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
)

const shardCount = 64

// Horizon is one sliding window with its limit.
type Horizon struct {
	Name   string
	Window time.Duration
	Limit  int
}

// Limiter tracks request rates per client identifier.
type Limiter struct {
	horizons []Horizon // ordered cheapest-first: burst, minute, hour
	largest  time.Duration
	shards   [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	clients map[string]*clientWindows
}

type clientWindows struct {
	stamps   [][]time.Time // parallel to Limiter.horizons
	lastSeen time.Time
}

// New builds a Limiter from config. The burst horizon is evaluated first
// since it is most likely to short-circuit abusive bursts.
func New(cfg core.RateLimitConfig) *Limiter {
	l := &Limiter{
		horizons: []Horizon{
			{Name: "burst", Window: cfg.Burst.Window, Limit: cfg.Burst.Limit},
			{Name: "minute", Window: cfg.Minute.Window, Limit: cfg.Minute.Limit},
			{Name: "hour", Window: cfg.Hour.Window, Limit: cfg.Hour.Limit},
		},
	}
	for _, h := range l.horizons {
		if h.Window > l.largest {
			l.largest = h.Window
		}
	}
	for i := range l.shards {
		l.shards[i] = &shard{clients: make(map[string]*clientWindows)}
	}
	return l
}

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return l.shards[h.Sum32()%shardCount]
}

// CheckAndIncrement records the request against every horizon and reports
// whether it was within limits. The check and the increment happen under one
// shard lock, so concurrent requests for the same client cannot race past a
// limit. The request is counted even when rejected — the request happened.
func (l *Limiter) CheckAndIncrement(clientID string, now time.Time) core.RateStatus {
	s := l.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cw, ok := s.clients[clientID]
	if !ok {
		cw = &clientWindows{stamps: make([][]time.Time, len(l.horizons))}
		s.clients[clientID] = cw
	}
	cw.lastSeen = now

	status := core.RateStatus{WithinLimits: true}

	for i, h := range l.horizons {
		cutoff := now.Add(-h.Window)
		stamps := cw.stamps[i]

		// Drop timestamps that slid out of the window.
		keep := 0
		for keep < len(stamps) && !stamps[keep].After(cutoff) {
			keep++
		}
		if keep > 0 {
			stamps = append(stamps[:0], stamps[keep:]...)
		}

		if status.WithinLimits && len(stamps) >= h.Limit {
			status = core.RateStatus{
				WithinLimits:    false,
				ViolatedHorizon: h.Name,
				Window:          h.Window,
				Count:           len(stamps) + 1,
				Limit:           h.Limit,
			}
		}

		cw.stamps[i] = append(stamps, now)
	}

	return status
}

// EvictIdle removes clients with no activity for longer than the largest
// horizon and returns how many were dropped. Correctness never depends on
// this; it only bounds memory.
func (l *Limiter) EvictIdle(now time.Time) int {
	cutoff := now.Add(-l.largest)
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, cw := range s.clients {
			if cw.lastSeen.Before(cutoff) {
				delete(s.clients, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Tracked returns the number of clients currently held.
func (l *Limiter) Tracked() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.clients)
		s.mu.Unlock()
	}
	return n
}
