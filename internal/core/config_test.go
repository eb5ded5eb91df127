package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestDefaultConfig_RateLimits(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RateLimit.Minute.Limit != 60 {
		t.Errorf("minute limit = %d, want 60", cfg.RateLimit.Minute.Limit)
	}
	if cfg.RateLimit.Hour.Limit != 1000 {
		t.Errorf("hour limit = %d, want 1000", cfg.RateLimit.Hour.Limit)
	}
	if cfg.RateLimit.Burst.Limit != 10 {
		t.Errorf("burst limit = %d, want 10", cfg.RateLimit.Burst.Limit)
	}
}

func TestValidate_RejectsBadFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Fallback = "fail_sideways"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown fallback policy")
	}
}

func TestValidate_RejectsUnorderedThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.MonitorAt = 60
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for monitor_at above rate_limit_at")
	}
}

func TestValidate_RejectsZeroHorizon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Minute.Limit = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero horizon limit")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.RateLimit.Minute.Limit != 60 {
		t.Errorf("expected default minute limit, got %d", cfg.RateLimit.Minute.Limit)
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("empty path should fall back to defaults: %v", err)
	}
	if cfg.Scoring.BlockAt != 50 {
		t.Errorf("expected default block threshold, got %v", cfg.Scoring.BlockAt)
	}
}

func TestSaveAndLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Scoring.BlockAt = 75
	cfg.Policy.BlockOnHigh = true
	cfg.Escalation.Timeout = 3 * time.Second
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("saving config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if loaded.Scoring.BlockAt != 75 {
		t.Errorf("block_at = %v, want 75", loaded.Scoring.BlockAt)
	}
	if !loaded.Policy.BlockOnHigh {
		t.Error("block_on_high should survive the round trip")
	}
	if loaded.Escalation.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", loaded.Escalation.Timeout)
	}
}

func TestLoadConfig_EnvOverlay(t *testing.T) {
	os.Setenv("BLACKWALL_API_KEY", "gemini-test-key")
	os.Setenv("BLACKWALL_ADMIN_KEY", "admin-test-key")
	t.Cleanup(func() {
		os.Unsetenv("BLACKWALL_API_KEY")
		os.Unsetenv("BLACKWALL_ADMIN_KEY")
	})

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Escalation.APIKey != "gemini-test-key" {
		t.Errorf("escalation key = %q, want env value", cfg.Escalation.APIKey)
	}
	if len(cfg.Server.APIKeys) != 1 || cfg.Server.APIKeys[0] != "admin-test-key" {
		t.Errorf("admin keys = %v, want env value", cfg.Server.APIKeys)
	}
}

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIKeys = []string{"key-one", "key-two"}

	if !cfg.ValidateAPIKey("key-two") {
		t.Error("configured key should validate")
	}
	if cfg.ValidateAPIKey("wrong") {
		t.Error("unknown key must not validate")
	}
	if cfg.ValidateAPIKey("") {
		t.Error("empty key must not validate")
	}
}

func TestBlockDuration_Ladder(t *testing.T) {
	p := PolicyConfig{BlockDurations: []time.Duration{
		15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour,
	}}

	cases := []struct {
		priorBlocks int
		want        time.Duration
	}{
		{0, 15 * time.Minute},
		{1, time.Hour},
		{3, 24 * time.Hour},
		{10, 24 * time.Hour}, // capped at the last rung
		{-1, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := p.BlockDuration(tc.priorBlocks); got != tc.want {
			t.Errorf("BlockDuration(%d) = %v, want %v", tc.priorBlocks, got, tc.want)
		}
	}
}

func TestBlockDuration_EmptyLadderDefault(t *testing.T) {
	p := PolicyConfig{}
	if got := p.BlockDuration(2); got != 15*time.Minute {
		t.Errorf("empty ladder should default to 15m, got %v", got)
	}
}
