package migration

import (
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/events"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
)

// Models lists every table the allocation ledger owns, in creation order.
func Models() []any {
	return []any{
		&billingdomain.Payment{},
		&billingdomain.Invoice{},
		&ledgerdomain.Line{},
		&balancedomain.Entry{},
		&flagsdomain.FlagRecord{},
		&flagsdomain.FlagAudit{},
		&events.Event{},
		&auditdomain.AuditLog{},
	}
}
