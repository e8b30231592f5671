package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status is the cached invoice status derived from the ledger.
type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
	// StatusAnomaly marks a ledger total above the invoice amount.
	StatusAnomaly Status = "anomaly"
)

// Entry is one row of invoice_balance_cache. It is always re-derivable.
type Entry struct {
	InvoiceID       snowflake.ID `json:"invoice_id" gorm:"primaryKey"`
	AllocatedTotal  int64        `json:"allocated_total" gorm:"not null"`
	RemainingAmount int64        `json:"remaining_amount" gorm:"not null"`
	StatusCached    Status       `json:"status_cached" gorm:"type:text;not null"`
	Version         int64        `json:"version" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Entry) TableName() string { return "invoice_balance_cache" }

// Derive computes remaining and status for an invoice amount and net ledger total.
func Derive(amount, allocated int64) (int64, Status) {
	remaining := amount - allocated
	switch {
	case remaining < 0:
		return remaining, StatusAnomaly
	case remaining == 0:
		return remaining, StatusPaid
	case remaining == amount:
		return remaining, StatusUnpaid
	default:
		return remaining, StatusPartial
	}
}

// Consistent reports whether a cached status matches its remaining amount.
func Consistent(amount, remaining int64, status Status) bool {
	if remaining < 0 {
		return false
	}
	_, expected := Derive(amount, amount-remaining)
	return expected == status
}

// InvoiceTotal is the ledger view of one invoice.
type InvoiceTotal struct {
	InvoiceID snowflake.ID
	Amount    int64
	Allocated int64
}

// Aggregate is the cache-derived view of one representative.
type Aggregate struct {
	Invoices       int64
	TotalInvoiced  int64
	TotalAllocated int64
	Outstanding    int64
}

type RebuildRequest struct {
	BatchSize        int
	Sleep            time.Duration
	RepresentativeID *snowflake.ID
	Limit            int
}

type RebuildResult struct {
	Processed int   `json:"processed"`
	Anomalies int   `json:"anomalies"`
	Batches   int   `json:"batches"`
	Dropped   int64 `json:"dropped,omitempty"`
}

type Repository interface {
	InvoiceTotal(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*InvoiceTotal, error)
	Upsert(ctx context.Context, db *gorm.DB, entry Entry) error
	Get(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Entry, error)
	InvoiceIDsAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, representativeID *snowflake.ID, limit int) ([]snowflake.ID, error)
	Delete(ctx context.Context, db *gorm.DB, representativeID *snowflake.ID) (int64, error)
	Aggregate(ctx context.Context, db *gorm.DB, representativeID snowflake.ID) (Aggregate, error)
}

type Service interface {
	Recompute(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (Entry, error)
	RecomputeMany(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]Entry, error)
	RecomputeAll(ctx context.Context, req RebuildRequest) (RebuildResult, error)
	Get(ctx context.Context, invoiceID snowflake.ID) (Entry, error)
	Drop(ctx context.Context, representativeID *snowflake.ID) (int64, error)
	Aggregate(ctx context.Context, representativeID snowflake.ID) (Aggregate, error)
}

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrEntryNotFound   = errors.New("balance_entry_not_found")
)
