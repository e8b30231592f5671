package domain

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/money"
)

const MethodFIFO = "fifo"

// FIFO takes the oldest invoice first: issue_date, then created_at, then id.
type FIFO struct{}

func (FIFO) Name() string { return MethodFIFO }

func (FIFO) Order(invoices []billingdomain.Invoice) []billingdomain.Invoice {
	ordered := append([]billingdomain.Invoice(nil), invoices...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.Before(b.IssueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ordered
}

// Registry resolves allocation methods by name.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	r.Register(FIFO{})
	return r
}

func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[strings.ToLower(p.Name())] = p
}

func (r *Registry) Resolve(name string) (Policy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = MethodFIFO
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[key]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return p, nil
}

// Plan walks ordered candidates and returns what to place on each, plus the
// amount left over. Without allowPartial the walk stops at the first invoice
// the remaining amount cannot settle in full. With allowOver any leftover is
// added to the last candidate.
func Plan(amount int64, candidates []Candidate, allowPartial, allowOver bool) ([]Placement, int64) {
	var placements []Placement
	remaining := amount
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		if c.Balance <= 0 {
			continue
		}
		if !allowPartial && remaining < c.Balance {
			break
		}
		take := money.Min(remaining, c.Balance)
		placements = append(placements, Placement{Invoice: c.Invoice, Amount: take})
		remaining -= take
	}

	if allowOver && remaining > 0 && len(candidates) > 0 {
		last := candidates[len(candidates)-1].Invoice
		if n := len(placements); n > 0 && placements[n-1].Invoice.ID == last.ID {
			placements[n-1].Amount += remaining
		} else {
			placements = append(placements, Placement{Invoice: last, Amount: remaining})
		}
		remaining = 0
	}
	return placements, remaining
}

// InvoiceStatusFor derives the legacy invoice status from what has been paid.
// A result short of paid keeps overdue.
func InvoiceStatusFor(amount, paid int64, threshold decimal.Decimal, current billingdomain.InvoiceStatus) billingdomain.InvoiceStatus {
	var next billingdomain.InvoiceStatus
	switch {
	case paid > 0 && money.PaidRatio(paid, amount).GreaterThanOrEqual(threshold):
		next = billingdomain.InvoiceStatusPaid
	case paid > 0:
		next = billingdomain.InvoiceStatusPartial
	default:
		next = billingdomain.InvoiceStatusUnpaid
	}
	if next != billingdomain.InvoiceStatusPaid && current == billingdomain.InvoiceStatusOverdue {
		return current
	}
	return next
}
