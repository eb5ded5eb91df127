package ipstate

import (
	"testing"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/rs/zerolog"
)

func testScoring() core.ScoringConfig {
	return core.ScoringConfig{
		DeltaLow:      1,
		DeltaMedium:   5,
		DeltaHigh:     15,
		DeltaCritical: 40,
		DecayPerHour:  5,
		MonitorAt:     10,
		RateLimitAt:   25,
		BlockAt:       50,
		IdleTTL:       24 * time.Hour,
	}
}

func newStore() *Store {
	return New(testScoring(), zerolog.Nop())
}

func TestStore_UnknownClient_ZeroState(t *testing.T) {
	s := newStore()
	rec := s.Lookup("1.2.3.4", time.Now())
	if rec.SuspicionScore != 0 || rec.BlockState != core.BlockNone || rec.Whitelisted {
		t.Errorf("unknown client should have zero state, got %+v", rec)
	}
}

func TestStore_RecordFindings_Accumulates(t *testing.T) {
	s := newStore()
	now := time.Now()
	findings := []core.ThreatFinding{
		{Category: core.CategorySQLi, Severity: core.SeverityHigh},
		{Category: core.CategoryXSS, Severity: core.SeverityMedium},
	}
	score := s.RecordFindings("1.2.3.4", findings, now)
	if score != 20 {
		t.Errorf("expected score 20 (15+5), got %v", score)
	}
	score = s.RecordFindings("1.2.3.4", findings[:1], now)
	if score != 35 {
		t.Errorf("expected score 35 after second report, got %v", score)
	}
}

func TestStore_ScoreDecaysLinearly(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.RecordFindings("1.2.3.4", []core.ThreatFinding{{Severity: core.SeverityCritical}}, now)

	rec := s.Lookup("1.2.3.4", now.Add(2*time.Hour))
	if rec.SuspicionScore != 30 {
		t.Errorf("expected score 30 after 2h decay (40 - 2*5), got %v", rec.SuspicionScore)
	}
}

func TestStore_ScoreNeverNegative(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.RecordFindings("1.2.3.4", []core.ThreatFinding{{Severity: core.SeverityLow}}, now)

	rec := s.Lookup("1.2.3.4", now.Add(100*time.Hour))
	if rec.SuspicionScore != 0 {
		t.Errorf("decay must clamp at zero, got %v", rec.SuspicionScore)
	}
}

func TestStore_PenalizeFloorsAtZero(t *testing.T) {
	s := newStore()
	now := time.Now()
	if score := s.Penalize("1.2.3.4", -10, now); score != 0 {
		t.Errorf("negative penalty must floor at zero, got %v", score)
	}
}

func TestStore_TemporaryBlockExpires(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Block("1.2.3.4", 15*time.Minute, false, false, now)

	rec := s.Lookup("1.2.3.4", now.Add(14*time.Minute))
	if rec.BlockState != core.BlockTemporary {
		t.Fatalf("block should still hold before expiry, got %s", rec.BlockState)
	}

	// At the exact expiry instant the block is gone.
	rec = s.Lookup("1.2.3.4", now.Add(15*time.Minute))
	if rec.BlockState != core.BlockNone {
		t.Errorf("block should be expired at the boundary, got %s", rec.BlockState)
	}
}

func TestStore_PermanentBlockNeverExpires(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Block("1.2.3.4", 0, true, false, now)

	rec := s.Lookup("1.2.3.4", now.Add(1000*time.Hour))
	if rec.BlockState != core.BlockPermanent {
		t.Errorf("permanent block must not expire, got %s", rec.BlockState)
	}
}

func TestStore_StrongerBlockWins(t *testing.T) {
	s := newStore()
	now := time.Now()

	s.Block("1.2.3.4", time.Hour, false, false, now)
	rec := s.Block("1.2.3.4", time.Minute, false, false, now)
	if !rec.BlockExpiry.Equal(now.Add(time.Hour)) {
		t.Errorf("shorter re-block must not shrink expiry: %v", rec.BlockExpiry)
	}

	rec = s.Block("1.2.3.4", 0, true, false, now)
	if rec.BlockState != core.BlockPermanent {
		t.Fatalf("permanent block should override temporary, got %s", rec.BlockState)
	}

	rec = s.Block("1.2.3.4", time.Minute, false, false, now)
	if rec.BlockState != core.BlockPermanent {
		t.Errorf("temporary block must not weaken a permanent one, got %s", rec.BlockState)
	}
}

func TestStore_BlockCountTracksDistinctBlocks(t *testing.T) {
	s := newStore()
	now := time.Now()

	s.Block("1.2.3.4", time.Minute, false, false, now)
	s.Block("1.2.3.4", time.Minute, false, false, now) // extend, not a new block
	rec := s.Lookup("1.2.3.4", now)
	if rec.BlockCount != 1 {
		t.Fatalf("extending a block should not bump the count, got %d", rec.BlockCount)
	}

	// After expiry a new block is a distinct offense.
	later := now.Add(2 * time.Minute)
	rec = s.Block("1.2.3.4", time.Minute, false, false, later)
	if rec.BlockCount != 2 {
		t.Errorf("expected block count 2, got %d", rec.BlockCount)
	}
}

func TestStore_CriticalBlocksCounted(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Block("1.2.3.4", time.Minute, false, true, now)
	s.Unblock("1.2.3.4")
	s.Block("1.2.3.4", time.Minute, false, true, now.Add(time.Hour))

	rec := s.Lookup("1.2.3.4", now.Add(time.Hour))
	if rec.CriticalBlocks != 2 {
		t.Errorf("expected 2 critical blocks, got %d", rec.CriticalBlocks)
	}
}

func TestStore_WhitelistClearsBlock(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Block("1.2.3.4", 0, true, false, now)
	s.Whitelist("1.2.3.4")

	rec := s.Lookup("1.2.3.4", now)
	if !rec.Whitelisted {
		t.Fatal("expected client to be whitelisted")
	}
	if rec.BlockState != core.BlockNone {
		t.Errorf("whitelisting should clear any block, got %s", rec.BlockState)
	}
}

func TestStore_UnwhitelistIdempotent(t *testing.T) {
	s := newStore()
	s.Unwhitelist("1.2.3.4") // never seen — no-op
	s.Whitelist("1.2.3.4")
	s.Unwhitelist("1.2.3.4")
	s.Unwhitelist("1.2.3.4")
	if rec := s.Lookup("1.2.3.4", time.Now()); rec.Whitelisted {
		t.Error("expected whitelist flag cleared")
	}
}

func TestStore_BlocklistListsOnlyBlocked(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Block("1.1.1.1", time.Hour, false, false, now)
	s.Block("2.2.2.2", 0, true, false, now)
	s.Penalize("3.3.3.3", 5, now)

	blocked := s.Blocklist(now)
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked clients, got %d", len(blocked))
	}

	// Expired temporary blocks drop out of the listing.
	blocked = s.Blocklist(now.Add(2 * time.Hour))
	if len(blocked) != 1 || blocked[0].ClientID != "2.2.2.2" {
		t.Errorf("expected only the permanent block to remain, got %+v", blocked)
	}
}

func TestStore_Whitelisted(t *testing.T) {
	s := newStore()
	s.Whitelist("1.1.1.1")
	s.Whitelist("2.2.2.2")
	ids := s.Whitelisted()
	if len(ids) != 2 {
		t.Errorf("expected 2 whitelisted clients, got %d", len(ids))
	}
}

func TestStore_DecaySweepEvictsIdleRecords(t *testing.T) {
	s := newStore()
	now := time.Now()
	s.Penalize("fleeting", 3, now)
	s.Whitelist("trusted")
	s.Block("banned", 0, true, false, now)

	// Way past IdleTTL with full decay: only the bare record goes.
	evicted := s.DecaySweep(now.Add(48 * time.Hour))
	if evicted != 1 {
		t.Errorf("expected 1 evicted record, got %d", evicted)
	}
	if s.Tracked() != 2 {
		t.Errorf("whitelisted and blocked records must survive, got %d tracked", s.Tracked())
	}
}
