// Package audit records every decision the engine makes. The in-memory ring
// is always on and backs the admin API; file, database and bus sinks are
// opt-in. Append never fails the decision path: sink errors are logged and
// counted, the entry always lands in the ring.
package audit

import (
	"sync"
	"sync/atomic"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
)

// Sink receives finalized audit entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Write(entry *core.AuditEntry) error
}

// Log fans each entry out to the ring buffer and all configured sinks.
type Log struct {
	logger zerolog.Logger
	sinks  []Sink

	mu      sync.RWMutex
	ring    []*core.AuditEntry
	next    int
	wrapped bool

	appended     atomic.Int64
	sinkFailures atomic.Int64
	onFailure    func(sink string)
}

// NewLog creates a Log with a ring of the given capacity. onFailure, if
// non-nil, is invoked once per sink write error (metrics hook).
func NewLog(capacity int, logger zerolog.Logger, onFailure func(sink string)) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		logger:    logger.With().Str("component", "audit").Logger(),
		ring:      make([]*core.AuditEntry, capacity),
		onFailure: onFailure,
	}
}

// AddSink registers a sink. Not safe to call after Append traffic starts;
// wire sinks during startup.
func (l *Log) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Append records the entry. It never returns an error and never blocks on a
// failing sink longer than the sink itself does.
func (l *Log) Append(entry *core.AuditEntry) {
	if entry == nil {
		return
	}

	l.mu.Lock()
	l.ring[l.next] = entry
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.wrapped = true
	}
	l.mu.Unlock()

	l.appended.Add(1)

	for _, s := range l.sinks {
		if err := s.Write(entry); err != nil {
			l.sinkFailures.Add(1)
			if l.onFailure != nil {
				l.onFailure(s.Name())
			}
			l.logger.Error().Err(err).Str("sink", s.Name()).Str("entry_id", entry.ID).
				Msg("audit sink write failed")
		}
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []*core.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.wrapped {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*core.AuditEntry, 0, n)
	idx := l.next - 1
	for len(out) < n {
		if idx < 0 {
			idx = len(l.ring) - 1
		}
		out = append(out, l.ring[idx])
		idx--
	}
	return out
}

// Stats reports append and sink failure counters.
func (l *Log) Stats() map[string]int64 {
	return map[string]int64{
		"appended":      l.appended.Load(),
		"sink_failures": l.sinkFailures.Load(),
	}
}

// Close closes any sinks that hold resources.
func (l *Log) Close() error {
	var firstErr error
	for _, s := range l.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
