// Package ipstate owns per-client reputation state: suspicion scores with
// time decay, temporary and permanent blocks, and the whitelist. Records are
// mutated only through the Store API and only snapshots ever leave it.
// Sharded locks keep same-client operations serialized without serializing
// unrelated traffic.
package ipstate

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
)

const shardCount = 64

// Store is the in-process authority for client reputation.
type Store struct {
	cfg    core.ScoringConfig
	logger zerolog.Logger
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// record is the mutable per-client state. Never handed out by reference.
type record struct {
	score          float64
	scoreUpdated   time.Time
	blockState     core.BlockState
	blockExpiry    time.Time
	blockCount     int
	criticalBlocks int
	whitelisted    bool
	lastSeen       time.Time
}

// New creates an empty Store. Each Store is independent; tests construct
// fresh instances and nothing is shared implicitly.
func New(cfg core.ScoringConfig, logger zerolog.Logger) *Store {
	s := &Store{
		cfg:    cfg,
		logger: logger.With().Str("component", "ip_state").Logger(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *Store) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return s.shards[h.Sum32()%shardCount]
}

func (sh *shard) get(clientID string) *record {
	r, ok := sh.records[clientID]
	if !ok {
		r = &record{}
		sh.records[clientID] = r
	}
	return r
}

// decay applies linear time decay to the record's score, clamped at zero.
// Negative scores are an internal defect: clamp and log, never propagate.
func (s *Store) decay(clientID string, r *record, now time.Time) {
	if r.score < 0 {
		s.logger.Error().Str("client_id", clientID).Float64("score", r.score).
			Msg("negative suspicion score clamped")
		r.score = 0
	}
	if r.score == 0 || r.scoreUpdated.IsZero() {
		r.scoreUpdated = now
		return
	}
	elapsed := now.Sub(r.scoreUpdated)
	if elapsed <= 0 {
		return
	}
	r.score -= s.cfg.DecayPerHour * elapsed.Hours()
	if r.score < 0 {
		r.score = 0
	}
	r.scoreUpdated = now
}

// expire clears a temporary block whose expiry has passed. Evaluated lazily
// on every access; a lookup at or past expiry observes state None.
func expire(r *record, now time.Time) {
	if r.blockState == core.BlockTemporary && !now.Before(r.blockExpiry) {
		r.blockState = core.BlockNone
		r.blockExpiry = time.Time{}
	}
}

func (r *record) snapshot(clientID string) core.IPRecord {
	return core.IPRecord{
		ClientID:       clientID,
		SuspicionScore: r.score,
		BlockState:     r.blockState,
		BlockExpiry:    r.blockExpiry,
		BlockCount:     r.blockCount,
		CriticalBlocks: r.criticalBlocks,
		Whitelisted:    r.whitelisted,
		LastSeen:       r.lastSeen,
	}
}

// Lookup returns a point-in-time snapshot of the client's state with decay
// and block expiry applied.
func (s *Store) Lookup(clientID string, now time.Time) core.IPRecord {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.records[clientID]
	if !ok {
		return core.IPRecord{ClientID: clientID}
	}
	s.decay(clientID, r, now)
	expire(r, now)
	r.lastSeen = now
	return r.snapshot(clientID)
}

// RecordFindings accumulates severity-mapped deltas into the client's score
// and returns the updated value.
func (s *Store) RecordFindings(clientID string, findings []core.ThreatFinding, now time.Time) float64 {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.get(clientID)
	s.decay(clientID, r, now)
	for _, f := range findings {
		r.score += s.cfg.Delta(f.Severity)
	}
	r.scoreUpdated = now
	r.lastSeen = now
	return r.score
}

// Penalize applies a raw score delta (e.g. the small bump for a rate-limit
// violation). Negative deltas are floored at zero.
func (s *Store) Penalize(clientID string, delta float64, now time.Time) float64 {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.get(clientID)
	s.decay(clientID, r, now)
	r.score += delta
	if r.score < 0 {
		r.score = 0
	}
	r.scoreUpdated = now
	r.lastSeen = now
	return r.score
}

// Block records a block for the client. Idempotent in effect: blocking an
// already-blocked client keeps the stronger of the two states — permanent
// beats temporary, a later expiry beats an earlier one. critical marks the
// block as CRITICAL-driven for the repeat-offender ladder.
func (s *Store) Block(clientID string, duration time.Duration, permanent, critical bool, now time.Time) core.IPRecord {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.get(clientID)
	expire(r, now)
	r.lastSeen = now

	if critical {
		r.criticalBlocks++
	}

	switch {
	case permanent:
		if r.blockState != core.BlockPermanent {
			r.blockState = core.BlockPermanent
			r.blockExpiry = time.Time{}
			r.blockCount++
		}
	case r.blockState == core.BlockPermanent:
		// Permanent always wins; a weaker request changes nothing.
	default:
		expiry := now.Add(duration)
		if r.blockState == core.BlockTemporary {
			if expiry.After(r.blockExpiry) {
				r.blockExpiry = expiry
			}
		} else {
			r.blockState = core.BlockTemporary
			r.blockExpiry = expiry
			r.blockCount++
		}
	}

	return r.snapshot(clientID)
}

// Unblock clears any block. Idempotent.
func (s *Store) Unblock(clientID string) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok := sh.records[clientID]; ok {
		r.blockState = core.BlockNone
		r.blockExpiry = time.Time{}
	}
}

// Whitelist marks the client as trusted. Idempotent. A whitelisted client is
// never auto-blocked; any existing block is cleared.
func (s *Store) Whitelist(clientID string) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r := sh.get(clientID)
	r.whitelisted = true
	r.blockState = core.BlockNone
	r.blockExpiry = time.Time{}
}

// Unwhitelist removes trusted status. Idempotent.
func (s *Store) Unwhitelist(clientID string) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok := sh.records[clientID]; ok {
		r.whitelisted = false
	}
}

// Blocklist returns snapshots of all currently blocked clients.
func (s *Store) Blocklist(now time.Time) []core.IPRecord {
	var out []core.IPRecord
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, r := range sh.records {
			expire(r, now)
			if r.blockState != core.BlockNone {
				out = append(out, r.snapshot(id))
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Whitelisted returns all whitelisted client identifiers.
func (s *Store) Whitelisted() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, r := range sh.records {
			if r.whitelisted {
				out = append(out, id)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// DecaySweep applies decay across all records and drops idle, fully-decayed
// ones. Lazy decay on lookup is the correctness mechanism; the sweep bounds
// memory. Returns the number evicted.
func (s *Store) DecaySweep(now time.Time) int {
	idleCutoff := now.Add(-s.cfg.IdleTTL)
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, r := range sh.records {
			s.decay(id, r, now)
			expire(r, now)
			if r.score == 0 && !r.whitelisted && r.blockState == core.BlockNone &&
				r.criticalBlocks == 0 && r.lastSeen.Before(idleCutoff) {
				delete(sh.records, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Tracked returns the number of client records currently held.
func (s *Store) Tracked() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
