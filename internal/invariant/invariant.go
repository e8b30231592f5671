// Package invariant audits the ledger, the balance cache and the legacy rows
// against each other with read-only queries.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PaymentOverAllocated = "payment_over_allocated"
	InvoiceOverAllocated = "invoice_over_allocated"
	NegativeRemaining    = "negative_remaining"
	CacheStatusMismatch  = "cache_status_mismatch"
	InvalidLine          = "invalid_line"
	DuplicateKey         = "duplicate_idempotency_key"
	DanglingReference    = "dangling_reference"
	CacheDrift           = "cache_drift"
	LegacyLedgerMismatch = "legacy_ledger_mismatch"
)

const netAmount = `SUM(CASE WHEN kind = 'reversal' THEN -allocated_amount ELSE allocated_amount END)`

var ErrInvoiceNotFound = errors.New("invoice_not_found")

var Module = fx.Module("allocation.invariant",
	fx.Provide(NewChecker),
)

type Violation struct {
	Invariant string `json:"invariant"`
	Subject   string `json:"subject"`
	Detail    string `json:"detail"`
}

type Report struct {
	CheckedAt  time.Time   `json:"checked_at"`
	Violations []Violation `json:"violations"`
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

// Count returns the number of violations of one invariant.
func (r Report) Count(invariant string) int {
	n := 0
	for _, v := range r.Violations {
		if v.Invariant == invariant {
			n++
		}
	}
	return n
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`
}

type Checker struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewChecker(p Params) *Checker {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Checker{db: p.DB, log: p.Log.Named("invariant.checker"), clock: clk}
}

// finding is the common scan target of the check queries.
type finding struct {
	ID     int64
	RefKey string
	Lhs    int64
	Rhs    int64
	Status string
}

type check struct {
	name   string
	run    func(ctx context.Context, db *gorm.DB, invoiceID *snowflake.ID) ([]finding, error)
	format func(f finding) Violation
}

// Check evaluates every invariant over the whole store.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "invariant", "check")
	defer span.End()

	report, err := c.evaluate(ctx, checks(), nil)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return report, err
	}
	if !report.OK() {
		c.log.Warn("invariant violations found", zap.Int("violations", len(report.Violations)))
	}
	return report, nil
}

// CheckInvoice evaluates the invoice-scoped invariants for one invoice.
func (c *Checker) CheckInvoice(ctx context.Context, invoiceID snowflake.ID) (Report, error) {
	var exists int64
	if err := c.db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM invoices WHERE id = ?`, invoiceID).Scan(&exists).Error; err != nil {
		return Report{}, err
	}
	if exists == 0 {
		return Report{}, ErrInvoiceNotFound
	}

	scoped := make([]check, 0)
	for _, ch := range checks() {
		switch ch.name {
		case InvoiceOverAllocated, NegativeRemaining, CacheStatusMismatch, CacheDrift:
			scoped = append(scoped, ch)
		}
	}
	return c.evaluate(ctx, scoped, &invoiceID)
}

func (c *Checker) evaluate(ctx context.Context, list []check, invoiceID *snowflake.ID) (Report, error) {
	report := Report{CheckedAt: c.clock.Now(), Violations: []Violation{}}
	db := c.db.WithContext(ctx)
	for _, ch := range list {
		rows, err := ch.run(ctx, db, invoiceID)
		if err != nil {
			return report, fmt.Errorf("%s: %w", ch.name, err)
		}
		for _, row := range rows {
			v := ch.format(row)
			v.Invariant = ch.name
			report.Violations = append(report.Violations, v)
		}
	}
	return report, nil
}

func scan(db *gorm.DB, query string, args ...any) ([]finding, error) {
	var rows []finding
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func invoiceScope(column string, invoiceID *snowflake.ID) (string, []any) {
	if invoiceID == nil {
		return "", nil
	}
	return " AND " + column + " = ?", []any{*invoiceID}
}

func id(v int64) string { return snowflake.ID(v).String() }

func checks() []check {
	return []check{
		{
			name: PaymentOverAllocated,
			run: func(ctx context.Context, db *gorm.DB, _ *snowflake.ID) ([]finding, error) {
				return scan(db, `SELECT p.id AS id, l.net AS lhs, p.amount AS rhs
					FROM payments p
					JOIN (SELECT payment_id, `+netAmount+` AS net FROM payment_allocations GROUP BY payment_id) l
						ON l.payment_id = p.id
					WHERE l.net > p.amount
					ORDER BY p.id`)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "payment:" + id(f.ID), Detail: fmt.Sprintf("ledger %d exceeds amount %d", f.Lhs, f.Rhs)}
			},
		},
		{
			name: InvoiceOverAllocated,
			run: func(ctx context.Context, db *gorm.DB, invoiceID *snowflake.ID) ([]finding, error) {
				where, args := invoiceScope("i.id", invoiceID)
				return scan(db, `SELECT i.id AS id, l.net AS lhs, i.amount AS rhs
					FROM invoices i
					JOIN (SELECT invoice_id, `+netAmount+` AS net FROM payment_allocations GROUP BY invoice_id) l
						ON l.invoice_id = i.id
					WHERE l.net > i.amount`+where+`
					ORDER BY i.id`, args...)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "invoice:" + id(f.ID), Detail: fmt.Sprintf("ledger %d exceeds amount %d", f.Lhs, f.Rhs)}
			},
		},
		{
			name: NegativeRemaining,
			run: func(ctx context.Context, db *gorm.DB, invoiceID *snowflake.ID) ([]finding, error) {
				where, args := invoiceScope("c.invoice_id", invoiceID)
				return scan(db, `SELECT c.invoice_id AS id, c.remaining_amount AS lhs
					FROM invoice_balance_cache c
					WHERE c.remaining_amount < 0`+where+`
					ORDER BY c.invoice_id`, args...)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "invoice:" + id(f.ID), Detail: fmt.Sprintf("remaining %d", f.Lhs)}
			},
		},
		{
			name: CacheStatusMismatch,
			run: func(ctx context.Context, db *gorm.DB, invoiceID *snowflake.ID) ([]finding, error) {
				where, args := invoiceScope("c.invoice_id", invoiceID)
				rows, err := scan(db, `SELECT c.invoice_id AS id, i.amount AS lhs, c.remaining_amount AS rhs, c.status_cached AS status
					FROM invoice_balance_cache c
					JOIN invoices i ON i.id = c.invoice_id
					WHERE 1 = 1`+where+`
					ORDER BY c.invoice_id`, args...)
				if err != nil {
					return nil, err
				}
				out := rows[:0]
				for _, row := range rows {
					if !balancedomain.Consistent(row.Lhs, row.Rhs, balancedomain.Status(row.Status)) {
						out = append(out, row)
					}
				}
				return out, nil
			},
			format: func(f finding) Violation {
				return Violation{Subject: "invoice:" + id(f.ID), Detail: fmt.Sprintf("status %s with remaining %d of %d", f.Status, f.Rhs, f.Lhs)}
			},
		},
		{
			name: InvalidLine,
			run: func(ctx context.Context, db *gorm.DB, _ *snowflake.ID) ([]finding, error) {
				return scan(db, `SELECT id, allocated_amount AS lhs, method AS status
					FROM payment_allocations
					WHERE allocated_amount <= 0
						OR (synthetic = ? AND method <> 'backfill')
						OR (synthetic = ? AND method = 'backfill')
						OR (from_orphan = ? AND synthetic = ?)
						OR method NOT IN ('manual', 'auto', 'backfill')
						OR kind NOT IN ('allocation', 'reversal')
					ORDER BY id`, true, false, true, false)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "line:" + id(f.ID), Detail: fmt.Sprintf("method %s amount %d", f.Status, f.Lhs)}
			},
		},
		{
			name: DuplicateKey,
			run: func(ctx context.Context, db *gorm.DB, _ *snowflake.ID) ([]finding, error) {
				return scan(db, `SELECT idempotency_key AS ref_key, COUNT(*) AS lhs
					FROM payment_allocations
					GROUP BY idempotency_key
					HAVING COUNT(*) > 1
					ORDER BY idempotency_key`)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "key:" + f.RefKey, Detail: fmt.Sprintf("%d lines share the key", f.Lhs)}
			},
		},
		{
			name: DanglingReference,
			run: func(ctx context.Context, db *gorm.DB, _ *snowflake.ID) ([]finding, error) {
				return scan(db, `SELECT pa.id AS id,
						CASE WHEN p.id IS NULL THEN 1 ELSE 0 END AS lhs,
						CASE WHEN i.id IS NULL THEN 1 ELSE 0 END AS rhs
					FROM payment_allocations pa
					LEFT JOIN payments p ON p.id = pa.payment_id
					LEFT JOIN invoices i ON i.id = pa.invoice_id
					WHERE p.id IS NULL OR i.id IS NULL
					ORDER BY pa.id`)
			},
			format: func(f finding) Violation {
				missing := "invoice"
				switch {
				case f.Lhs == 1 && f.Rhs == 1:
					missing = "payment and invoice"
				case f.Lhs == 1:
					missing = "payment"
				}
				return Violation{Subject: "line:" + id(f.ID), Detail: "missing " + missing}
			},
		},
		{
			name: CacheDrift,
			run: func(ctx context.Context, db *gorm.DB, invoiceID *snowflake.ID) ([]finding, error) {
				where, args := invoiceScope("c.invoice_id", invoiceID)
				return scan(db, `SELECT c.invoice_id AS id, c.allocated_total AS lhs, COALESCE(l.net, 0) AS rhs
					FROM invoice_balance_cache c
					LEFT JOIN (SELECT invoice_id, `+netAmount+` AS net FROM payment_allocations GROUP BY invoice_id) l
						ON l.invoice_id = c.invoice_id
					WHERE c.allocated_total <> COALESCE(l.net, 0)`+where+`
					ORDER BY c.invoice_id`, args...)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "invoice:" + id(f.ID), Detail: fmt.Sprintf("cache %d ledger %d", f.Lhs, f.Rhs)}
			},
		},
		{
			name: LegacyLedgerMismatch,
			run: func(ctx context.Context, db *gorm.DB, _ *snowflake.ID) ([]finding, error) {
				return scan(db, `SELECT p.id AS id, l.net AS lhs, CASE WHEN p.is_allocated = ? THEN 1 ELSE 0 END AS rhs
					FROM payments p
					JOIN (SELECT payment_id, `+netAmount+` AS net FROM payment_allocations GROUP BY payment_id) l
						ON l.payment_id = p.id
					WHERE (l.net > 0 AND p.is_allocated = ?) OR (l.net = 0 AND p.is_allocated = ?)
					ORDER BY p.id`, true, false, true)
			},
			format: func(f finding) Violation {
				return Violation{Subject: "payment:" + id(f.ID), Detail: fmt.Sprintf("ledger %d with is_allocated=%t", f.Lhs, f.Rhs == 1)}
			},
		},
	}
}
