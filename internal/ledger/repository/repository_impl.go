package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/ledger/domain"
	"gorm.io/gorm"
)

const netAmount = `COALESCE(SUM(CASE WHEN kind = 'reversal' THEN -allocated_amount ELSE allocated_amount END), 0)`

const lineColumns = `id, payment_id, invoice_id, allocated_amount, method, synthetic, from_orphan,
	kind, idempotency_key, performed_by, reason, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, line *domain.Line) (bool, error) {
	if line == nil {
		return false, nil
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO payment_allocations (`+lineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		line.ID,
		line.PaymentID,
		line.InvoiceID,
		line.AllocatedAmount,
		string(line.Method),
		line.Synthetic,
		line.FromOrphan,
		string(line.Kind),
		line.IdempotencyKey,
		line.PerformedBy,
		line.Reason,
		line.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) NetByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT `+netAmount+` FROM payment_allocations WHERE payment_id = ?`,
		paymentID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) NetByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT `+netAmount+` FROM payment_allocations WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) NetByPair(ctx context.Context, db *gorm.DB, paymentID, invoiceID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT `+netAmount+` FROM payment_allocations WHERE payment_id = ? AND invoice_id = ?`,
		paymentID,
		invoiceID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountReversals(ctx context.Context, db *gorm.DB, paymentID, invoiceID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(id) FROM payment_allocations
		 WHERE payment_id = ? AND invoice_id = ? AND kind = ?`,
		paymentID,
		invoiceID,
		string(domain.KindReversal),
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.Line, error) {
	var lines []domain.Line
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&lines).Error
	return lines, err
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Line, error) {
	var lines []domain.Line
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC, id ASC").
		Find(&lines).Error
	return lines, err
}

// List returns newest lines first, keyset-paginated on (created_at, id).
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.LineFilter) ([]domain.Line, error) {
	stmt := db.WithContext(ctx).
		Table("payment_allocations AS pa").
		Select("pa.*")

	if filter.RepresentativeID != nil {
		stmt = stmt.
			Joins("JOIN invoices inv ON inv.id = pa.invoice_id").
			Where("inv.representative_id = ?", *filter.RepresentativeID)
	}
	if filter.Method != nil {
		stmt = stmt.Where("pa.method = ?", string(*filter.Method))
	}
	if filter.Synthetic != nil {
		stmt = stmt.Where("pa.synthetic = ?", *filter.Synthetic)
	}
	if filter.AfterCreatedAt != nil && filter.AfterID != nil {
		stmt = stmt.Where(
			"(pa.created_at < ? OR (pa.created_at = ? AND pa.id < ?))",
			*filter.AfterCreatedAt,
			*filter.AfterCreatedAt,
			*filter.AfterID,
		)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var lines []domain.Line
	if err := stmt.Order("pa.created_at DESC, pa.id DESC").Scan(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// Totals counts allocation lines net of reversals.
func (r *repo) Totals(ctx context.Context, db *gorm.DB) (domain.Totals, error) {
	var totals domain.Totals
	err := db.WithContext(ctx).Raw(
		`SELECT `+netAmount+` AS sum,
			COALESCE(SUM(CASE WHEN kind = 'reversal' THEN -1 ELSE 1 END), 0) AS count
		 FROM payment_allocations`,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) Recent(ctx context.Context, db *gorm.DB, limit int) ([]domain.Line, error) {
	if limit <= 0 {
		limit = 20
	}
	var lines []domain.Line
	err := db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&lines).Error
	return lines, err
}
