package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %s", cfg.Port)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.HealthyThreshold != 0.8 {
		t.Errorf("HealthyThreshold = %v", cfg.HealthyThreshold)
	}
	if cfg.AgentTimeout != 2*time.Minute {
		t.Errorf("AgentTimeout = %v", cfg.AgentTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_HEAL_ATTEMPTS", "5")
	t.Setenv("MIN_CONFIDENCE", "0.7")
	t.Setenv("RETRY_BASE_DELAY", "50ms")

	cfg := Load()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.MinConfidence != 0.7 {
		t.Errorf("MinConfidence = %v, want 0.7", cfg.MinConfidence)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 50ms", cfg.RetryBaseDelay)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_HEAL_ATTEMPTS", "many")
	t.Setenv("HEALTHY_THRESHOLD", "very")

	cfg := Load()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.MaxAttempts)
	}
	if cfg.HealthyThreshold != 0.8 {
		t.Errorf("HealthyThreshold = %v, want default 0.8", cfg.HealthyThreshold)
	}
}
