package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// Line is one append-only row of payment_allocations.
type Line struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID       snowflake.ID `json:"payment_id" gorm:"not null;index"`
	InvoiceID       snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	AllocatedAmount int64        `json:"allocated_amount" gorm:"not null"`
	Method          Method       `json:"method" gorm:"type:text;not null"`
	Synthetic       bool         `json:"synthetic" gorm:"not null"`
	FromOrphan      bool         `json:"from_orphan" gorm:"not null"`
	Kind            Kind         `json:"kind" gorm:"type:text;not null"`
	IdempotencyKey  string       `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_payment_allocations_idempotency_key"`
	PerformedBy     string       `json:"performed_by" gorm:"type:text;not null"`
	Reason          string       `json:"reason" gorm:"type:text;not null"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
}

func (Line) TableName() string { return "payment_allocations" }

func (l Line) Origin() (Origin, error) {
	return ParseOrigin(string(l.Method), l.Synthetic, l.FromOrphan)
}

// Signed is the line's contribution to net totals.
func (l Line) Signed() int64 {
	if l.Kind == KindReversal {
		return -l.AllocatedAmount
	}
	return l.AllocatedAmount
}

// Step is one allocation of Amount from a payment row to an invoice. Payment
// is the legacy row as it must look after the step; NewRow inserts it instead
// of updating it in place.
type Step struct {
	Payment     billingdomain.Payment
	NewRow      bool
	Invoice     billingdomain.Invoice
	Amount      int64
	Origin      Origin
	PerformedBy string
	Reason      string
	// SkipLegacy appends the ledger line without touching the payment row.
	SkipLegacy bool
	// IdempotencyKey overrides the key derived from Origin.
	IdempotencyKey string
}

type StepResult struct {
	LegacyUpdated  bool     `json:"legacy_updated"`
	LedgerInserted bool     `json:"ledger_inserted"`
	Replayed       bool     `json:"replayed"`
	Messages       []string `json:"messages,omitempty"`
}

// Reversal compensates the whole net amount of a payment/invoice pair.
type Reversal struct {
	PaymentID   snowflake.ID
	InvoiceID   snowflake.ID
	PerformedBy string
	Reason      string
}

// Result is returned by AllocateFull.
type Result struct {
	LegacyUpdated  bool              `json:"legacy_updated"`
	LedgerInserted bool              `json:"ledger_inserted"`
	Mode           flagsdomain.State `json:"mode"`
	Guard          flagsdomain.State `json:"guard"`
	Messages       []string          `json:"messages,omitempty"`
}

type DebtSource string

const (
	DebtSourceLegacy DebtSource = "legacy"
	DebtSourceCache  DebtSource = "cache"
)

type Debt struct {
	RepresentativeID snowflake.ID `json:"representative_id"`
	Invoices         int64        `json:"invoices"`
	TotalInvoiced    int64        `json:"total_invoiced"`
	TotalAllocated   int64        `json:"total_allocated"`
	Outstanding      int64        `json:"outstanding"`
	Source           DebtSource   `json:"source"`
}

// Totals is the ledger side of the shadow comparison.
type Totals struct {
	Sum   int64
	Count int64
}

type ShadowReport struct {
	LegacyAllocatedSum   int64   `json:"legacy_allocated_sum"`
	LegacyAllocatedCount int64   `json:"legacy_allocated_count"`
	LedgerAllocatedSum   int64   `json:"ledger_allocated_sum"`
	LedgerAllocatedCount int64   `json:"ledger_allocated_count"`
	DiffAbs              int64   `json:"diff_abs"`
	DiffRatio            float64 `json:"diff_ratio"`
	Recent               []Line  `json:"recent"`
}

type LineFilter struct {
	RepresentativeID *snowflake.ID
	Method           *Method
	Synthetic        *bool
	AfterCreatedAt   *time.Time
	AfterID          *snowflake.ID
	Limit            int
}

type ListLinesRequest struct {
	pagination.Pagination
	RepresentativeID *snowflake.ID
	Method           *Method
	Synthetic        *bool
}

type ListLinesResponse struct {
	Lines    []Line              `json:"lines"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Repository interface {
	// Insert returns false when a line with the same idempotency key exists.
	Insert(ctx context.Context, db *gorm.DB, line *Line) (bool, error)
	NetByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)
	NetByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)
	NetByPair(ctx context.Context, db *gorm.DB, paymentID, invoiceID snowflake.ID) (int64, error)
	CountReversals(ctx context.Context, db *gorm.DB, paymentID, invoiceID snowflake.ID) (int64, error)
	ListByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]Line, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Line, error)
	List(ctx context.Context, db *gorm.DB, filter LineFilter) ([]Line, error)
	Totals(ctx context.Context, db *gorm.DB) (Totals, error)
	Recent(ctx context.Context, db *gorm.DB, limit int) ([]Line, error)
}

type Service interface {
	AllocateFull(ctx context.Context, paymentID, invoiceID snowflake.ID, performedBy string) (Result, error)
	ApplyStep(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, step Step) (StepResult, error)
	ApplyReversal(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, rev Reversal) (StepResult, error)
	InvoiceAllocated(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, invoiceID snowflake.ID) (int64, error)
	CalculateDebt(ctx context.Context, representativeID snowflake.ID) (Debt, error)
	Shadow(ctx context.Context) (ShadowReport, error)
	ListLines(ctx context.Context, req ListLinesRequest) (ListLinesResponse, error)
	LinesForPayment(ctx context.Context, paymentID snowflake.ID) ([]Line, error)
	LinesForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]Line, error)
	RefreshAfterCommit(ctx context.Context, representativeID snowflake.ID, invoiceIDs []snowflake.ID)
}

var (
	ErrOverAllocation         = errors.New("over_allocation")
	ErrFeatureDisabled        = errors.New("feature_disabled")
	ErrShadowDisabled         = errors.New("shadow_disabled")
	ErrInvalidOrigin          = errors.New("invalid_origin")
	ErrInvalidMethod          = errors.New("invalid_method")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrRepresentativeMismatch = errors.New("representative_mismatch")
)
