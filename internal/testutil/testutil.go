// Package testutil builds in-memory stores and fixtures shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/migration"
	"github.com/smallbiznis/allocledger/internal/seed"
	"github.com/smallbiznis/allocledger/pkg/db"
	"gorm.io/gorm"
)

// NewDB opens an in-memory store with every allocation table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	return db.NewTest(t, migration.Models()...)
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return node
}

// Seeder inserts legacy rows with issue dates relative to Base.
type Seeder struct {
	t    testing.TB
	db   *gorm.DB
	node *snowflake.Node
	Base time.Time
}

func NewSeeder(t testing.TB, conn *gorm.DB, node *snowflake.Node) *Seeder {
	return &Seeder{
		t:    t,
		db:   conn,
		node: node,
		Base: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Invoice creates an unpaid invoice issued day days after Base.
func (s *Seeder) Invoice(representativeID snowflake.ID, amount int64, day int) billingdomain.Invoice {
	s.t.Helper()
	return s.InvoiceWithStatus(representativeID, amount, day, billingdomain.InvoiceStatusUnpaid)
}

func (s *Seeder) InvoiceWithStatus(representativeID snowflake.ID, amount int64, day int, status billingdomain.InvoiceStatus) billingdomain.Invoice {
	s.t.Helper()
	invoice, err := seed.CreateInvoice(context.Background(), s.db, s.node, seed.InvoiceSpec{
		RepresentativeID: representativeID,
		Amount:           amount,
		Status:           status,
		IssueDate:        s.Base.AddDate(0, 0, day),
	})
	if err != nil {
		s.t.Fatalf("seed invoice: %v", err)
	}
	return invoice
}

// Payment creates an unallocated payment.
func (s *Seeder) Payment(representativeID snowflake.ID, amount int64) billingdomain.Payment {
	s.t.Helper()
	return s.payment(seed.PaymentSpec{RepresentativeID: representativeID, Amount: amount})
}

// AllocatedPayment creates a legacy allocation with no ledger line.
func (s *Seeder) AllocatedPayment(representativeID snowflake.ID, invoiceID snowflake.ID, amount int64) billingdomain.Payment {
	s.t.Helper()
	id := invoiceID
	return s.payment(seed.PaymentSpec{RepresentativeID: representativeID, Amount: amount, InvoiceID: &id, Allocated: true})
}

// OrphanPayment creates an allocated payment without an invoice reference.
func (s *Seeder) OrphanPayment(representativeID snowflake.ID, amount int64) billingdomain.Payment {
	s.t.Helper()
	return s.payment(seed.PaymentSpec{RepresentativeID: representativeID, Amount: amount, Allocated: true})
}

func (s *Seeder) payment(spec seed.PaymentSpec) billingdomain.Payment {
	s.t.Helper()
	spec.PaymentDate = s.Base
	payment, err := seed.CreatePayment(context.Background(), s.db, s.node, spec)
	if err != nil {
		s.t.Fatalf("seed payment: %v", err)
	}
	return payment
}

// Count runs a COUNT query and returns its value.
func Count(t testing.TB, conn *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := conn.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return count
}

// Flags is an in-memory flag service whose states can be set directly,
// without the transition table.
type Flags struct {
	mu   sync.RWMutex
	snap flagsdomain.Snapshot
}

func NewFlags(states map[flagsdomain.Name]flagsdomain.State) *Flags {
	return &Flags{snap: flagsdomain.NewSnapshot(states)}
}

func (f *Flags) Set(name flagsdomain.Name, state flagsdomain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = f.snap.With(name, state)
}

func (f *Flags) Load(context.Context) error    { return nil }
func (f *Flags) Refresh(context.Context) error { return nil }

func (f *Flags) Snapshot() flagsdomain.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

func (f *Flags) GetState(name flagsdomain.Name) (flagsdomain.State, error) {
	if _, ok := flagsdomain.Lookup(name); !ok {
		return "", flagsdomain.ErrUnknownFlag
	}
	return f.Snapshot().State(name), nil
}

func (f *Flags) SetState(ctx context.Context, name flagsdomain.Name, state flagsdomain.State, actor string) (flagsdomain.Change, error) {
	previous, err := f.GetState(name)
	if err != nil {
		return flagsdomain.Change{}, err
	}
	f.Set(name, state)
	return flagsdomain.Change{Flag: name, Previous: previous, Current: state, Changed: previous != state}, nil
}

func (f *Flags) List() []flagsdomain.FlagView {
	snap := f.Snapshot()
	views := make([]flagsdomain.FlagView, 0)
	for _, def := range flagsdomain.Definitions() {
		views = append(views, flagsdomain.FlagView{
			Name:    def.Name,
			State:   snap.State(def.Name),
			Default: def.Default,
			States:  def.States,
		})
	}
	return views
}

func (f *Flags) Get(name flagsdomain.Name) (flagsdomain.FlagView, error) {
	for _, view := range f.List() {
		if view.Name == name {
			return view, nil
		}
	}
	return flagsdomain.FlagView{}, flagsdomain.ErrUnknownFlag
}

func (f *Flags) History(context.Context, flagsdomain.Name, int) ([]flagsdomain.FlagAudit, error) {
	return nil, nil
}
