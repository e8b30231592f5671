package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// InvoiceStatus is the legacy invoice status maintained by allocation.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid  InvoiceStatus = "unpaid"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// OpenStatuses are the statuses that can still receive allocations.
var OpenStatuses = []InvoiceStatus{InvoiceStatusOverdue, InvoiceStatusUnpaid, InvoiceStatusPartial}

func ParseInvoiceStatus(value string) (InvoiceStatus, error) {
	switch InvoiceStatus(value) {
	case InvoiceStatusUnpaid, InvoiceStatusPartial, InvoiceStatusPaid, InvoiceStatusOverdue:
		return InvoiceStatus(value), nil
	default:
		return "", ErrInvalidInvoiceStatus
	}
}

// Payment is a legacy payment row. Splits create new rows; rows are never deleted.
type Payment struct {
	ID               snowflake.ID  `json:"id" gorm:"primaryKey"`
	RepresentativeID snowflake.ID  `json:"representative_id" gorm:"not null;index"`
	InvoiceID        *snowflake.ID `json:"invoice_id,omitempty" gorm:"index"`
	Amount           int64         `json:"amount" gorm:"not null"`
	IsAllocated      bool          `json:"is_allocated" gorm:"not null"`
	PaymentDate      time.Time     `json:"payment_date" gorm:"not null"`
	Description      string        `json:"description" gorm:"type:text;not null"`
	CreatedAt        time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// AllocatedTo reports whether the row is allocated to invoiceID.
func (p Payment) AllocatedTo(invoiceID snowflake.ID) bool {
	return p.IsAllocated && p.InvoiceID != nil && *p.InvoiceID == invoiceID
}

type Invoice struct {
	ID               snowflake.ID  `json:"id" gorm:"primaryKey"`
	RepresentativeID snowflake.ID  `json:"representative_id" gorm:"not null;index"`
	InvoiceNumber    string        `json:"invoice_number" gorm:"type:text;not null"`
	Amount           int64         `json:"amount" gorm:"not null"`
	Status           InvoiceStatus `json:"status" gorm:"type:text;not null"`
	IssueDate        time.Time     `json:"issue_date" gorm:"not null"`
	CreatedAt        time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

// PaymentUpdate is the in-place legacy mutation applied by an allocation step.
type PaymentUpdate struct {
	Amount      int64
	InvoiceID   *snowflake.ID
	IsAllocated bool
	UpdatedAt   time.Time
}

// LegacyTotals aggregates the legacy model for one representative.
type LegacyTotals struct {
	Invoices       int64
	TotalInvoiced  int64
	TotalAllocated int64
}

// AllocatedSummary is the legacy side of the shadow comparison.
type AllocatedSummary struct {
	Sum   int64
	Count int64
}

type Repository interface {
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	LockInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	LockOpenInvoices(ctx context.Context, db *gorm.DB, representativeID snowflake.ID, statuses []InvoiceStatus, limit int) ([]Invoice, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	UpdatePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, update PaymentUpdate) error
	UpdateInvoiceStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status InvoiceStatus, updatedAt time.Time) error
	LegacyAllocatedToInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)
	LegacyTotals(ctx context.Context, db *gorm.DB, representativeID snowflake.ID) (LegacyTotals, error)
	AllocatedSummary(ctx context.Context, db *gorm.DB) (AllocatedSummary, error)
}

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidInvoiceStatus = errors.New("invalid_invoice_status")
)
