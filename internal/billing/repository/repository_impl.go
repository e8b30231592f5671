package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findPayment(db.WithContext(ctx), id)
}

// LockPayment takes a row lock on dialects that support one; SQLite drops the clause.
func (r *repo) LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findPayment(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repo) findPayment(db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	if err := db.Where("id = ?", id).Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.findInvoice(db.WithContext(ctx), id)
}

func (r *repo) LockInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.findInvoice(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repo) findInvoice(db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var item domain.Invoice
	if err := db.Where("id = ?", id).Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// LockOpenInvoices locks candidate invoices in id order so concurrent
// allocators acquire locks in the same sequence. Callers apply their own
// business ordering afterwards.
func (r *repo) LockOpenInvoices(ctx context.Context, db *gorm.DB, representativeID snowflake.ID, statuses []domain.InvoiceStatus, limit int) ([]domain.Invoice, error) {
	if len(statuses) == 0 {
		statuses = domain.OpenStatuses
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	stmt := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("representative_id = ? AND status IN ?", representativeID, values).
		Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var items []domain.Invoice
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	if payment == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, representative_id, invoice_id, amount, is_allocated,
			payment_date, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.RepresentativeID,
		payment.InvoiceID,
		payment.Amount,
		payment.IsAllocated,
		payment.PaymentDate,
		payment.Description,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) UpdatePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.PaymentUpdate) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET amount = ?, invoice_id = ?, is_allocated = ?, updated_at = ?
		 WHERE id = ?`,
		update.Amount,
		update.InvoiceID,
		update.IsAllocated,
		update.UpdatedAt,
		id,
	).Error
}

func (r *repo) UpdateInvoiceStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.InvoiceStatus, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		string(status),
		updatedAt,
		id,
	).Error
}

func (r *repo) LegacyAllocatedToInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM payments
		 WHERE invoice_id = ? AND is_allocated = ?`,
		invoiceID,
		true,
	).Scan(&total).Error
	return total, err
}

func (r *repo) LegacyTotals(ctx context.Context, db *gorm.DB, representativeID snowflake.ID) (domain.LegacyTotals, error) {
	var totals domain.LegacyTotals
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(id) AS invoices, COALESCE(SUM(amount), 0) AS total_invoiced
		 FROM invoices
		 WHERE representative_id = ?`,
		representativeID,
	).Scan(&totals).Error
	if err != nil {
		return domain.LegacyTotals{}, err
	}

	err = db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM payments
		 WHERE representative_id = ? AND is_allocated = ?`,
		representativeID,
		true,
	).Scan(&totals.TotalAllocated).Error
	if err != nil {
		return domain.LegacyTotals{}, err
	}
	return totals, nil
}

func (r *repo) AllocatedSummary(ctx context.Context, db *gorm.DB) (domain.AllocatedSummary, error) {
	var summary domain.AllocatedSummary
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS sum, COUNT(id) AS count
		 FROM payments
		 WHERE is_allocated = ?`,
		true,
	).Scan(&summary).Error
	return summary, err
}
