package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"gorm.io/gorm"
)

// LockKey serialises active and orphan runs across instances.
const LockKey = "backfill:lock"

// Candidate is an allocated legacy payment without any ledger line.
type Candidate struct {
	PaymentID        snowflake.ID  `json:"payment_id"`
	RepresentativeID snowflake.ID  `json:"representative_id"`
	InvoiceID        *snowflake.ID `json:"invoice_id,omitempty"`
	Amount           int64         `json:"amount"`
	PaymentDate      time.Time     `json:"payment_date"`
}

func CandidateFrom(p billingdomain.Payment) Candidate {
	return Candidate{
		PaymentID:        p.ID,
		RepresentativeID: p.RepresentativeID,
		InvoiceID:        p.InvoiceID,
		Amount:           p.Amount,
		PaymentDate:      p.PaymentDate,
	}
}

type DryRunResult struct {
	CandidateCount int64             `json:"candidate_count"`
	WithInvoice    int64             `json:"with_invoice"`
	Sample         []Candidate       `json:"sample"`
	State          flagsdomain.State `json:"state"`
}

type ActiveRequest struct {
	BatchSize  int
	MaxBatches int
	Sleep      time.Duration
}

type ActiveResult struct {
	Inserted int               `json:"inserted"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Batches  int               `json:"batches"`
	State    flagsdomain.State `json:"state"`
}

type OrphanRequest struct {
	PaymentLimit      int
	InvoiceBatchLimit int
}

type OrphanResult struct {
	Representatives int               `json:"representatives"`
	Payments        int               `json:"payments"`
	Lines           int               `json:"lines"`
	Replayed        int               `json:"replayed"`
	Failed          int               `json:"failed"`
	Unplaced        int64             `json:"unplaced"`
	TouchedInvoices int               `json:"touched_invoices"`
	State           flagsdomain.State `json:"state"`
}

// Orphan is an allocated payment lacking an invoice, with the amount already
// placed on the ledger.
type Orphan struct {
	Payment billingdomain.Payment
	Placed  int64
}

type Repository interface {
	CountCandidates(ctx context.Context, db *gorm.DB, withInvoice bool) (int64, error)
	Candidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int, withInvoice bool) ([]billingdomain.Payment, error)
	Orphans(ctx context.Context, db *gorm.DB, limit int) ([]Orphan, error)
}

type Service interface {
	DryRun(ctx context.Context, limit int) (DryRunResult, error)
	Active(ctx context.Context, req ActiveRequest) (ActiveResult, error)
	DistributePartialOrphans(ctx context.Context, req OrphanRequest) (OrphanResult, error)
}

var (
	ErrBackfillState  = errors.New("backfill_state")
	ErrWritesDisabled = errors.New("ledger_writes_disabled")
)
