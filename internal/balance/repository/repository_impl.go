package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/balance/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InvoiceTotal(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.InvoiceTotal, error) {
	var row domain.InvoiceTotal
	err := db.WithContext(ctx).Raw(
		`SELECT i.id AS invoice_id, i.amount AS amount,
			COALESCE(SUM(CASE WHEN pa.kind = 'reversal' THEN -pa.allocated_amount ELSE pa.allocated_amount END), 0) AS allocated
		 FROM invoices i
		 LEFT JOIN payment_allocations pa ON pa.invoice_id = i.id
		 WHERE i.id = ?
		 GROUP BY i.id, i.amount`,
		invoiceID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.InvoiceID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, entry domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_balance_cache (
			invoice_id, allocated_total, remaining_amount, status_cached, version, updated_at
		) VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (invoice_id) DO UPDATE SET
			allocated_total = excluded.allocated_total,
			remaining_amount = excluded.remaining_amount,
			status_cached = excluded.status_cached,
			version = invoice_balance_cache.version + 1,
			updated_at = excluded.updated_at`,
		entry.InvoiceID,
		entry.AllocatedTotal,
		entry.RemainingAmount,
		string(entry.StatusCached),
		entry.UpdatedAt,
	).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.Entry, error) {
	var entry domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT invoice_id, allocated_total, remaining_amount, status_cached, version, updated_at
		 FROM invoice_balance_cache
		 WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.InvoiceID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) InvoiceIDsAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, representativeID *snowflake.ID, limit int) ([]snowflake.ID, error) {
	stmt := db.WithContext(ctx).Table("invoices").Select("id").Where("id > ?", afterID)
	if representativeID != nil {
		stmt = stmt.Where("representative_id = ?", *representativeID)
	}
	var ids []snowflake.ID
	if err := stmt.Order("id ASC").Limit(limit).Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, representativeID *snowflake.ID) (int64, error) {
	var res *gorm.DB
	if representativeID == nil {
		res = db.WithContext(ctx).Exec(`DELETE FROM invoice_balance_cache`)
	} else {
		res = db.WithContext(ctx).Exec(
			`DELETE FROM invoice_balance_cache
			 WHERE invoice_id IN (SELECT id FROM invoices WHERE representative_id = ?)`,
			*representativeID,
		)
	}
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Aggregate treats invoices without a cache row as fully outstanding.
func (r *repo) Aggregate(ctx context.Context, db *gorm.DB, representativeID snowflake.ID) (domain.Aggregate, error) {
	var agg domain.Aggregate
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(i.id) AS invoices,
			COALESCE(SUM(i.amount), 0) AS total_invoiced,
			COALESCE(SUM(COALESCE(c.allocated_total, 0)), 0) AS total_allocated,
			COALESCE(SUM(COALESCE(c.remaining_amount, i.amount)), 0) AS outstanding
		 FROM invoices i
		 LEFT JOIN invoice_balance_cache c ON c.invoice_id = i.id
		 WHERE i.representative_id = ?`,
		representativeID,
	).Scan(&agg).Error
	return agg, err
}
