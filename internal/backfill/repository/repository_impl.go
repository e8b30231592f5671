package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/backfill/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"gorm.io/gorm"
)

const unmigrated = `p.is_allocated = ? AND NOT EXISTS (
	SELECT 1 FROM payment_allocations pa WHERE pa.payment_id = p.id
)`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CountCandidates(ctx context.Context, db *gorm.DB, withInvoice bool) (int64, error) {
	stmt := db.WithContext(ctx).Table("payments AS p").Where(unmigrated, true)
	if withInvoice {
		stmt = stmt.Where("p.invoice_id IS NOT NULL")
	}
	var count int64
	if err := stmt.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) Candidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int, withInvoice bool) ([]billingdomain.Payment, error) {
	stmt := db.WithContext(ctx).
		Table("payments AS p").
		Select("p.*").
		Where(unmigrated, true).
		Where("p.id > ?", afterID)
	if withInvoice {
		stmt = stmt.Where("p.invoice_id IS NOT NULL")
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var items []billingdomain.Payment
	if err := stmt.Order("p.id ASC").Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Orphans returns allocated payments without an invoice whose ledger total is
// below their amount, grouped by representative.
func (r *repo) Orphans(ctx context.Context, db *gorm.DB, limit int) ([]domain.Orphan, error) {
	type row struct {
		billingdomain.Payment
		Placed int64
	}

	stmt := db.WithContext(ctx).
		Table("payments AS p").
		Select(`p.*, COALESCE((
			SELECT SUM(CASE WHEN pa.kind = 'reversal' THEN -pa.allocated_amount ELSE pa.allocated_amount END)
			FROM payment_allocations pa WHERE pa.payment_id = p.id
		), 0) AS placed`).
		Where("p.is_allocated = ? AND p.invoice_id IS NULL", true).
		Where(`COALESCE((
			SELECT SUM(CASE WHEN pa.kind = 'reversal' THEN -pa.allocated_amount ELSE pa.allocated_amount END)
			FROM payment_allocations pa WHERE pa.payment_id = p.id
		), 0) < p.amount`)
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var rows []row
	if err := stmt.Order("p.representative_id ASC, p.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Orphan, 0, len(rows))
	for _, item := range rows {
		out = append(out, domain.Orphan{Payment: item.Payment, Placed: item.Placed})
	}
	return out, nil
}
