package domain

import (
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestOriginColumnsRoundTrip(t *testing.T) {
	for _, origin := range []Origin{Manual{}, Auto{}, Backfill{}, Backfill{FromOrphan: true}} {
		method, synthetic, fromOrphan, err := Columns(origin)
		if err != nil {
			t.Fatalf("columns for %s: %v", origin, err)
		}
		parsed, err := ParseOrigin(string(method), synthetic, fromOrphan)
		if err != nil {
			t.Fatalf("parse %s: %v", origin, err)
		}
		if parsed != origin {
			t.Fatalf("expected %s, got %s", origin, parsed)
		}
	}
}

func TestParseOriginRejectsInconsistentColumns(t *testing.T) {
	cases := []struct {
		method     string
		synthetic  bool
		fromOrphan bool
	}{
		{"manual", true, false},
		{"auto", false, true},
		{"backfill", false, false},
		{"transfer", false, false},
	}
	for _, tc := range cases {
		if _, err := ParseOrigin(tc.method, tc.synthetic, tc.fromOrphan); !errors.Is(err, ErrInvalidOrigin) {
			t.Fatalf("expected invalid origin for %+v, got %v", tc, err)
		}
	}
	if _, _, _, err := Columns(nil); !errors.Is(err, ErrInvalidOrigin) {
		t.Fatalf("expected nil origin to be rejected")
	}
}

func TestIdempotencyKeys(t *testing.T) {
	p, i := snowflake.ID(11), snowflake.ID(22)
	cases := map[string]string{
		AllocationKey(p, i, 0): "p:11-i:22",
		AllocationKey(p, i, 2): "p:11-i:22-g:2",
		ReversalKey(p, i, 0):   "rev:p:11-i:22-g:0",
		BackfillKey(p, i):      "bf:p:11-i:22",
		OrphanKey(p, i):        "bf:orph:p:11:i:22",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected key %q, got %q", want, got)
		}
	}
}

func TestCanaryBucketIsDeterministic(t *testing.T) {
	in := 0
	for id := snowflake.ID(1); id <= 1000; id++ {
		first := CanaryBucket(id, 25)
		for i := 0; i < 3; i++ {
			if CanaryBucket(id, 25) != first {
				t.Fatalf("bucket for %d changed between calls", id)
			}
		}
		if first {
			in++
		}
		if CanaryBucket(id, 0) {
			t.Fatalf("0%% canary must exclude %d", id)
		}
		if !CanaryBucket(id, 100) {
			t.Fatalf("100%% canary must include %d", id)
		}
		if first && !CanaryBucket(id, 50) {
			t.Fatalf("raising the percentage must keep %d in the cohort", id)
		}
	}
	if in < 100 || in > 400 {
		t.Fatalf("expected roughly a quarter of ids in a 25%% canary, got %d", in)
	}
}

func TestLineSigned(t *testing.T) {
	line := Line{AllocatedAmount: 40, Kind: KindAllocation}
	if line.Signed() != 40 {
		t.Fatalf("expected +40")
	}
	line.Kind = KindReversal
	if line.Signed() != -40 {
		t.Fatalf("expected -40")
	}
}
