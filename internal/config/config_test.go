package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Expected port %s, got %s", DefaultPort, cfg.Port)
	}
	if cfg.QueueConcurrency != DefaultQueueConcurrency {
		t.Errorf("Expected concurrency %d, got %d", DefaultQueueConcurrency, cfg.QueueConcurrency)
	}
	if cfg.JobAttempts != DefaultJobAttempts {
		t.Errorf("Expected attempts %d, got %d", DefaultJobAttempts, cfg.JobAttempts)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("Expected job timeout 5m, got %s", cfg.JobTimeout)
	}
	if cfg.ReservationTTL != 30*time.Minute {
		t.Errorf("Expected reservation TTL 30m, got %s", cfg.ReservationTTL)
	}
}

func TestLoad_CostMap(t *testing.T) {
	t.Setenv("COST_RESIZE", "3")
	t.Setenv("COST_CONVERT_IMAGE", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.Cost("resize"); got != 3 {
		t.Errorf("Expected resize cost 3, got %d", got)
	}
	if got := cfg.Cost("convert-image"); got != 2 {
		t.Errorf("Expected convert-image cost 2, got %d", got)
	}
	// Unset types default to 1
	if got := cfg.Cost("crop"); got != 1 {
		t.Errorf("Expected crop cost 1, got %d", got)
	}
	if got := cfg.Cost("unknown-type"); got != 1 {
		t.Errorf("Expected unknown type cost 1, got %d", got)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for zero concurrency")
	}

	t.Setenv("QUEUE_CONCURRENCY", "5")
	t.Setenv("COST_CROP", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for negative cost")
	}
}

func TestMaxUpload_PerTier(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.MaxUpload("free"); got != 50<<20 {
		t.Errorf("Expected 50MB free limit, got %d", got)
	}
	if got := cfg.MaxUpload("pro"); got != 500<<20 {
		t.Errorf("Expected 500MB pro limit, got %d", got)
	}
}
