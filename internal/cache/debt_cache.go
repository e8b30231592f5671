package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/config"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
)

const defaultDebtTTL = 30 * time.Second

// DebtCache memoises representative debt reads between allocation events.
type DebtCache interface {
	Get(representativeID snowflake.ID) (ledgerdomain.Debt, bool)
	Set(representativeID snowflake.ID, debt ledgerdomain.Debt)
	Invalidate(representativeIDs ...snowflake.ID)
	Purge()
}

type debtCache struct {
	items Cache[snowflake.ID, ledgerdomain.Debt]
	ttl   time.Duration
}

func NewDebtCache(cfg config.Config) DebtCache {
	ttl := cfg.Allocation.DebtCacheTTL
	if ttl <= 0 {
		ttl = defaultDebtTTL
	}
	return &debtCache{
		items: NewTTLCache[snowflake.ID, ledgerdomain.Debt](),
		ttl:   ttl,
	}
}

func (c *debtCache) Get(representativeID snowflake.ID) (ledgerdomain.Debt, bool) {
	return c.items.Get(representativeID)
}

func (c *debtCache) Set(representativeID snowflake.ID, debt ledgerdomain.Debt) {
	if representativeID == 0 {
		return
	}
	c.items.Set(representativeID, debt, c.ttl)
}

func (c *debtCache) Invalidate(representativeIDs ...snowflake.ID) {
	for _, id := range representativeIDs {
		c.items.Delete(id)
	}
}

func (c *debtCache) Purge() {
	c.items.Purge()
}
