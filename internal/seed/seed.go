package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"gorm.io/gorm"
)

const demoRepresentativeID snowflake.ID = 1000

type InvoiceSpec struct {
	RepresentativeID snowflake.ID
	Number           string
	Amount           int64
	Status           billingdomain.InvoiceStatus
	IssueDate        time.Time
}

type PaymentSpec struct {
	RepresentativeID snowflake.ID
	Amount           int64
	InvoiceID        *snowflake.ID
	Allocated        bool
	PaymentDate      time.Time
	Description      string
}

// CreateInvoice inserts a legacy invoice row.
func CreateInvoice(ctx context.Context, db *gorm.DB, node *snowflake.Node, spec InvoiceSpec) (billingdomain.Invoice, error) {
	if db == nil || node == nil {
		return billingdomain.Invoice{}, errors.New("seed database handle and id node are required")
	}
	status := spec.Status
	if status == "" {
		status = billingdomain.InvoiceStatusUnpaid
	}
	issued := spec.IssueDate
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	now := time.Now().UTC()
	invoice := billingdomain.Invoice{
		ID:               node.Generate(),
		RepresentativeID: spec.RepresentativeID,
		InvoiceNumber:    spec.Number,
		Amount:           spec.Amount,
		Status:           status,
		IssueDate:        issued.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.WithContext(ctx).Create(&invoice).Error; err != nil {
		return billingdomain.Invoice{}, err
	}
	return invoice, nil
}

// CreatePayment inserts a legacy payment row. Allocated rows may omit the
// invoice to model pre-ledger orphans.
func CreatePayment(ctx context.Context, db *gorm.DB, node *snowflake.Node, spec PaymentSpec) (billingdomain.Payment, error) {
	if db == nil || node == nil {
		return billingdomain.Payment{}, errors.New("seed database handle and id node are required")
	}
	paid := spec.PaymentDate
	if paid.IsZero() {
		paid = time.Now().UTC()
	}
	now := time.Now().UTC()
	payment := billingdomain.Payment{
		ID:               node.Generate(),
		RepresentativeID: spec.RepresentativeID,
		InvoiceID:        spec.InvoiceID,
		Amount:           spec.Amount,
		IsAllocated:      spec.Allocated,
		PaymentDate:      paid.UTC(),
		Description:      spec.Description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.WithContext(ctx).Create(&payment).Error; err != nil {
		return billingdomain.Payment{}, err
	}
	return payment, nil
}

// DemoResult lists what Demo created.
type DemoResult struct {
	RepresentativeID snowflake.ID   `json:"representative_id"`
	Invoices         []snowflake.ID `json:"invoices"`
	Payments         []snowflake.ID `json:"payments"`
	Skipped          bool           `json:"skipped"`
}

// Demo seeds one representative with open invoices, a legacy allocation
// without ledger lines, an allocated orphan and an unallocated payment. It is
// skipped when the demo invoices already exist.
func Demo(ctx context.Context, db *gorm.DB, node *snowflake.Node, now time.Time) (DemoResult, error) {
	result := DemoResult{RepresentativeID: demoRepresentativeID}

	var existing int64
	if err := db.WithContext(ctx).
		Model(&billingdomain.Invoice{}).
		Where("representative_id = ? AND invoice_number LIKE ?", demoRepresentativeID, "DEMO-%").
		Count(&existing).Error; err != nil {
		return result, err
	}
	if existing > 0 {
		result.Skipped = true
		return result, nil
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		amounts := []struct {
			number string
			amount int64
			age    time.Duration
		}{
			{"DEMO-0001", 500, 60 * 24 * time.Hour},
			{"DEMO-0002", 300, 30 * 24 * time.Hour},
			{"DEMO-0003", 800, 7 * 24 * time.Hour},
		}
		invoices := make([]billingdomain.Invoice, 0, len(amounts))
		for _, a := range amounts {
			invoice, err := CreateInvoice(ctx, tx, node, InvoiceSpec{
				RepresentativeID: demoRepresentativeID,
				Number:           a.number,
				Amount:           a.amount,
				IssueDate:        now.Add(-a.age),
			})
			if err != nil {
				return err
			}
			invoices = append(invoices, invoice)
			result.Invoices = append(result.Invoices, invoice.ID)
		}

		payments := []PaymentSpec{
			{Amount: 200, InvoiceID: &invoices[0].ID, Allocated: true, Description: "legacy allocation"},
			{Amount: 150, Allocated: true, Description: "allocated without invoice"},
			{Amount: 650, Description: "unallocated transfer"},
		}
		for _, spec := range payments {
			spec.RepresentativeID = demoRepresentativeID
			spec.PaymentDate = now
			payment, err := CreatePayment(ctx, tx, node, spec)
			if err != nil {
				return err
			}
			result.Payments = append(result.Payments, payment.ID)
		}
		return nil
	})
	return result, err
}
