package cache

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/config"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
)

func TestTTLCacheExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to expire")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b to be kept without ttl")
	}
	if c.Len() != 1 {
		t.Fatalf("expected expired entry to be dropped, len=%d", c.Len())
	}
}

func TestDebtCacheInvalidate(t *testing.T) {
	c := NewDebtCache(config.Config{})
	rep := snowflake.ID(42)

	c.Set(rep, ledgerdomain.Debt{RepresentativeID: rep, Outstanding: 100})
	if got, ok := c.Get(rep); !ok || got.Outstanding != 100 {
		t.Fatalf("expected cached debt, got %+v %v", got, ok)
	}

	c.Invalidate(rep)
	if _, ok := c.Get(rep); ok {
		t.Fatalf("expected debt to be invalidated")
	}

	c.Set(0, ledgerdomain.Debt{Outstanding: 1})
	if _, ok := c.Get(0); ok {
		t.Fatalf("zero representative must not be cached")
	}
}
