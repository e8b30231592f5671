package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
)

// Rules tune one automatic allocation run. Unset fields fall back to the
// operator defaults from allocation.yml.
type Rules struct {
	Method              string                        `json:"method,omitempty"`
	AllowPartial        *bool                         `json:"allow_partial,omitempty"`
	AllowOverAllocation *bool                         `json:"allow_over_allocation,omitempty"`
	Statuses            []billingdomain.InvoiceStatus `json:"statuses,omitempty"`
	PerformedBy         string                        `json:"performed_by,omitempty"`
	IncludeAuditTrail   bool                          `json:"include_audit_trail,omitempty"`
}

// ResolvedRules are Rules with every default applied.
type ResolvedRules struct {
	Method              string
	AllowPartial        bool
	AllowOverAllocation bool
	Statuses            []billingdomain.InvoiceStatus
	PerformedBy         string
	IncludeAuditTrail   bool
}

type ManualRequest struct {
	PaymentID           snowflake.ID `json:"payment_id"`
	InvoiceID           snowflake.ID `json:"invoice_id"`
	Amount              int64        `json:"amount"`
	PerformedBy         string       `json:"performed_by"`
	Reason              string       `json:"reason"`
	AllowOverAllocation bool         `json:"allow_over_allocation"`
}

// DeallocateRequest resets one allocated payment row. InvoiceID, when set,
// must match the invoice the row points at.
type DeallocateRequest struct {
	PaymentID   snowflake.ID `json:"payment_id"`
	InvoiceID   snowflake.ID `json:"invoice_id,omitempty"`
	PerformedBy string       `json:"performed_by"`
	Reason      string       `json:"reason"`
}

// Allocation is one payment row placed on one invoice by a run.
type Allocation struct {
	PaymentID      snowflake.ID `json:"payment_id"`
	InvoiceID      snowflake.ID `json:"invoice_id"`
	InvoiceNumber  string       `json:"invoice_number"`
	Amount         int64        `json:"amount"`
	NewRow         bool         `json:"new_row"`
	LedgerInserted bool         `json:"ledger_inserted"`
}

type Result struct {
	Success            bool          `json:"success"`
	PaymentID          snowflake.ID  `json:"payment_id"`
	AllocatedAmount    int64         `json:"allocated_amount"`
	RemainingAmount    int64         `json:"remaining_amount"`
	RemainderPaymentID *snowflake.ID `json:"remainder_payment_id,omitempty"`
	Allocations        []Allocation  `json:"allocations"`
	Errors             []string      `json:"errors"`
	Warnings           []string      `json:"warnings"`
	AuditTrail         []string      `json:"audit_trail,omitempty"`
}

// Candidate is an eligible invoice with its open balance at walk time.
type Candidate struct {
	Invoice billingdomain.Invoice
	Balance int64
}

// Placement is the amount a walk puts on one invoice.
type Placement struct {
	Invoice billingdomain.Invoice
	Amount  int64
}

// Policy orders the eligible invoices of a representative.
type Policy interface {
	Name() string
	Order(invoices []billingdomain.Invoice) []billingdomain.Invoice
}

type Service interface {
	AutoAllocatePayment(ctx context.Context, paymentID snowflake.ID, rules Rules) (Result, error)
	ManualAllocatePayment(ctx context.Context, req ManualRequest) (Result, error)
	DeallocatePayment(ctx context.Context, req DeallocateRequest) (Result, error)
}

var (
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrAmountExceedsPayment = errors.New("amount_exceeds_payment")
	ErrAmountExceedsInvoice = errors.New("amount_exceeds_invoice")
	ErrUnknownMethod        = errors.New("unknown_allocation_method")
	ErrPaymentAllocated     = errors.New("payment_already_allocated")
	ErrPaymentNotAllocated  = errors.New("payment_not_allocated")
	ErrInvoiceMismatch      = errors.New("invoice_mismatch")
)
