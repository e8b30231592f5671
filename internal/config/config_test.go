package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ALLOCATION_CANARY_PERCENT", "")
	t.Setenv("BACKFILL_BATCH_SLEEP", "")

	cfg := Load()
	if cfg.Allocation.CanaryPercent != 10 {
		t.Fatalf("expected canary percent 10, got %d", cfg.Allocation.CanaryPercent)
	}
	if cfg.Backfill.BatchSleep != 250*time.Millisecond {
		t.Fatalf("expected batch sleep 250ms, got %s", cfg.Backfill.BatchSleep)
	}
	if cfg.Allocation.PaidRatioThreshold != "0.999" {
		t.Fatalf("expected paid threshold 0.999, got %s", cfg.Allocation.PaidRatioThreshold)
	}
}

func TestLoadClampsCanaryPercent(t *testing.T) {
	t.Setenv("ALLOCATION_CANARY_PERCENT", "150")

	cfg := Load()
	if cfg.Allocation.CanaryPercent != 100 {
		t.Fatalf("expected clamped percent 100, got %d", cfg.Allocation.CanaryPercent)
	}
}

func TestGetenvDurationAcceptsMilliseconds(t *testing.T) {
	t.Setenv("BACKFILL_BATCH_SLEEP", "1500")
	if got := getenvDuration("BACKFILL_BATCH_SLEEP", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}

	t.Setenv("BACKFILL_BATCH_SLEEP", "2s")
	if got := getenvDuration("BACKFILL_BATCH_SLEEP", time.Second); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}

	t.Setenv("BACKFILL_BATCH_SLEEP", "soon")
	if got := getenvDuration("BACKFILL_BATCH_SLEEP", time.Second); got != time.Second {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestLoadMaintenanceJobList(t *testing.T) {
	t.Setenv("MAINTENANCE_JOBS", " invariant_sweep, ,cache_repair ")

	cfg := Load()
	if len(cfg.Maintenance.Jobs) != 2 || cfg.Maintenance.Jobs[0] != "invariant_sweep" || cfg.Maintenance.Jobs[1] != "cache_repair" {
		t.Fatalf("unexpected job list %v", cfg.Maintenance.Jobs)
	}

	t.Setenv("MAINTENANCE_JOBS", "")
	if jobs := Load().Maintenance.Jobs; jobs != nil {
		t.Fatalf("expected nil job list, got %v", jobs)
	}
}

func TestLoadNodeID(t *testing.T) {
	t.Setenv("SNOWFLAKE_NODE_ID", "12")
	if got := Load().NodeID; got != 12 {
		t.Fatalf("expected node id 12, got %d", got)
	}
}

func TestValidateAllocationRules(t *testing.T) {
	if err := validateAllocationRules(DefaultAllocationRules()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := DefaultAllocationRules()
	bad.EligibleStatuses = []string{"void"}
	if err := validateAllocationRules(bad); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}

	bad = DefaultAllocationRules()
	bad.DefaultMethod = " "
	if err := validateAllocationRules(bad); err == nil {
		t.Fatalf("expected empty method to be rejected")
	}
}

func TestNilRulesHolderReturnsDefaults(t *testing.T) {
	var holder *AllocationRulesHolder
	if got := holder.Get(); got.DefaultMethod != "fifo" {
		t.Fatalf("expected fifo default, got %q", got.DefaultMethod)
	}
}
