package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/allocledger/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	"github.com/smallbiznis/allocledger/internal/events"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/money"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"github.com/smallbiznis/allocledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var defaultPaidThreshold = decimal.RequireFromString("0.999")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Config   config.Config
	Billing  billingdomain.Repository
	Ledger   ledgerdomain.Service
	Flags    flagsdomain.Service
	Registry *domain.Registry
	Rules    *config.AllocationRulesHolder `optional:"true"`
	Outbox   *events.Outbox                `optional:"true"`
	Audit    auditdomain.Service           `optional:"true"`
	Clock    clock.Clock                   `optional:"true"`
	OTel     *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	billing   billingdomain.Repository
	ledger    ledgerdomain.Service
	flags     flagsdomain.Service
	registry  *domain.Registry
	rules     *config.AllocationRulesHolder
	outbox    *events.Outbox
	audit     auditdomain.Service
	clock     clock.Clock
	otel      *obsmetrics.Metrics
	threshold decimal.Decimal
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	registry := p.Registry
	if registry == nil {
		registry = domain.NewRegistry()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("allocation.service"),
		genID:     p.GenID,
		billing:   p.Billing,
		ledger:    p.Ledger,
		flags:     p.Flags,
		registry:  registry,
		rules:     p.Rules,
		outbox:    p.Outbox,
		audit:     p.Audit,
		clock:     clk,
		otel:      p.OTel,
		threshold: money.MustRatio(p.Config.Allocation.PaidRatioThreshold, defaultPaidThreshold),
	}
}

// run is the per-call state shared by the three entry points.
type run struct {
	snap        flagsdomain.Snapshot
	origin      ledgerdomain.Origin
	performedBy string
	reason      string
	trail       bool
	result      domain.Result
	touched     []billingdomain.Invoice
}

func (r *run) note(format string, args ...any) {
	if r.trail {
		r.result.AuditTrail = append(r.result.AuditTrail, fmt.Sprintf(format, args...))
	}
}

func newResult(paymentID snowflake.ID) domain.Result {
	return domain.Result{
		PaymentID:   paymentID,
		Allocations: []domain.Allocation{},
		Errors:      []string{},
		Warnings:    []string{},
	}
}

// AutoAllocatePayment spreads an unallocated payment over the
// representative's eligible invoices in one transaction.
func (s *Service) AutoAllocatePayment(ctx context.Context, paymentID snowflake.ID, rules domain.Rules) (domain.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "allocation", "auto_allocate",
		attribute.String("payment_id", paymentID.String()),
	)
	defer span.End()

	resolved := s.resolveRules(rules)
	policy, err := s.registry.Resolve(resolved.Method)
	if err != nil {
		return newResult(paymentID), err
	}

	r := &run{
		snap:        s.flags.Snapshot(),
		origin:      ledgerdomain.Auto{},
		performedBy: resolved.PerformedBy,
		reason:      "auto_allocate:" + policy.Name(),
		trail:       resolved.IncludeAuditTrail,
		result:      newResult(paymentID),
	}

	var representativeID snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r.result = newResult(paymentID)
		r.touched = nil

		payment, err := s.billing.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return billingdomain.ErrPaymentNotFound
		}
		representativeID = payment.RepresentativeID
		if payment.IsAllocated {
			r.result.Success = true
			r.result.Warnings = append(r.result.Warnings, "payment already allocated")
			return nil
		}

		invoices, err := s.billing.LockOpenInvoices(ctx, tx, payment.RepresentativeID, resolved.Statuses, 0)
		if err != nil {
			return err
		}
		ordered := policy.Order(invoices)
		candidates := make([]domain.Candidate, 0, len(ordered))
		for _, invoice := range ordered {
			allocated, err := s.ledger.InvoiceAllocated(ctx, tx, r.snap, invoice.ID)
			if err != nil {
				return err
			}
			candidates = append(candidates, domain.Candidate{Invoice: invoice, Balance: invoice.Amount - allocated})
			r.note("candidate %s balance %d", invoice.InvoiceNumber, invoice.Amount-allocated)
		}

		placements, remaining := domain.Plan(payment.Amount, candidates, resolved.AllowPartial, resolved.AllowOverAllocation)
		if len(placements) == 0 {
			r.result.RemainingAmount = payment.Amount
			r.result.Warnings = append(r.result.Warnings, "no eligible invoice with an open balance")
			return nil
		}
		if err := s.persist(ctx, tx, r, *payment, placements, remaining); err != nil {
			return err
		}
		return s.finish(ctx, tx, r, payment.RepresentativeID, auditdomain.ActionAllocationAuto, map[string]any{
			"method":    policy.Name(),
			"allocated": r.result.AllocatedAmount,
			"invoices":  len(placements),
		})
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return r.result, err
	}
	s.afterCommit(ctx, r, representativeID)
	return r.result, nil
}

// ManualAllocatePayment places an explicit amount on one invoice.
func (s *Service) ManualAllocatePayment(ctx context.Context, req domain.ManualRequest) (domain.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "allocation", "manual_allocate",
		attribute.String("payment_id", req.PaymentID.String()),
		attribute.String("invoice_id", req.InvoiceID.String()),
	)
	defer span.End()

	r := &run{
		snap:        s.flags.Snapshot(),
		origin:      ledgerdomain.Manual{},
		performedBy: performer(req.PerformedBy),
		reason:      strings.TrimSpace(req.Reason),
		result:      newResult(req.PaymentID),
	}
	if r.reason == "" {
		r.reason = "manual_allocate"
	}
	if req.Amount <= 0 {
		return r.result, domain.ErrInvalidAmount
	}

	var representativeID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r.result = newResult(req.PaymentID)
		r.touched = nil

		payment, err := s.billing.LockPayment(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return billingdomain.ErrPaymentNotFound
		}
		invoice, err := s.billing.LockInvoice(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return billingdomain.ErrInvoiceNotFound
		}
		if payment.RepresentativeID != invoice.RepresentativeID {
			return ledgerdomain.ErrRepresentativeMismatch
		}
		if payment.IsAllocated {
			return domain.ErrPaymentAllocated
		}
		if req.Amount > payment.Amount {
			return domain.ErrAmountExceedsPayment
		}
		allocated, err := s.ledger.InvoiceAllocated(ctx, tx, r.snap, invoice.ID)
		if err != nil {
			return err
		}
		if req.Amount > invoice.Amount-allocated {
			if !req.AllowOverAllocation {
				return domain.ErrAmountExceedsInvoice
			}
			r.result.Warnings = append(r.result.Warnings, "amount exceeds invoice balance")
		}

		representativeID = payment.RepresentativeID
		placements := []domain.Placement{{Invoice: *invoice, Amount: req.Amount}}
		if err := s.persist(ctx, tx, r, *payment, placements, payment.Amount-req.Amount); err != nil {
			return err
		}
		return s.finish(ctx, tx, r, payment.RepresentativeID, auditdomain.ActionAllocationManual, map[string]any{
			"invoice_id": invoice.ID.String(),
			"amount":     req.Amount,
			"reason":     r.reason,
		})
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return r.result, err
	}
	s.afterCommit(ctx, r, representativeID)
	return r.result, nil
}

// DeallocatePayment resets an allocated payment row and reverses its ledger amount.
func (s *Service) DeallocatePayment(ctx context.Context, req domain.DeallocateRequest) (domain.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "allocation", "deallocate",
		attribute.String("payment_id", req.PaymentID.String()),
	)
	defer span.End()

	r := &run{
		snap:        s.flags.Snapshot(),
		performedBy: performer(req.PerformedBy),
		reason:      strings.TrimSpace(req.Reason),
		result:      newResult(req.PaymentID),
	}
	if r.reason == "" {
		r.reason = "deallocate"
	}

	var representativeID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r.result = newResult(req.PaymentID)
		r.touched = nil

		payment, err := s.billing.LockPayment(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return billingdomain.ErrPaymentNotFound
		}
		if !payment.IsAllocated || payment.InvoiceID == nil {
			return domain.ErrPaymentNotAllocated
		}
		if req.InvoiceID != 0 && req.InvoiceID != *payment.InvoiceID {
			return domain.ErrInvoiceMismatch
		}
		invoice, err := s.billing.LockInvoice(ctx, tx, *payment.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return billingdomain.ErrInvoiceNotFound
		}

		if err := s.billing.UpdatePayment(ctx, tx, payment.ID, billingdomain.PaymentUpdate{
			Amount:      payment.Amount,
			InvoiceID:   nil,
			IsAllocated: false,
			UpdatedAt:   s.clock.Now(),
		}); err != nil {
			return err
		}
		step, err := s.ledger.ApplyReversal(ctx, tx, r.snap, ledgerdomain.Reversal{
			PaymentID:   payment.ID,
			InvoiceID:   invoice.ID,
			PerformedBy: r.performedBy,
			Reason:      r.reason,
		})
		if err != nil {
			return err
		}
		r.result.Warnings = append(r.result.Warnings, step.Messages...)
		r.result.Success = true
		r.result.RemainingAmount = payment.Amount
		r.result.Allocations = append(r.result.Allocations, domain.Allocation{
			PaymentID:      payment.ID,
			InvoiceID:      invoice.ID,
			InvoiceNumber:  invoice.InvoiceNumber,
			Amount:         payment.Amount,
			LedgerInserted: step.LedgerInserted,
		})
		r.touched = append(r.touched, *invoice)
		representativeID = payment.RepresentativeID

		return s.finish(ctx, tx, r, payment.RepresentativeID, auditdomain.ActionAllocationDeallocated, map[string]any{
			"invoice_id": invoice.ID.String(),
			"amount":     payment.Amount,
			"reason":     r.reason,
			"reversed":   step.LedgerInserted,
		})
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return r.result, err
	}
	s.afterCommit(ctx, r, representativeID)
	return r.result, nil
}

// persist applies placements to the legacy rows. The first placement reuses
// the original row, later ones split off new allocated rows, and any
// leftover becomes one new unallocated row.
func (s *Service) persist(ctx context.Context, tx *gorm.DB, r *run, original billingdomain.Payment, placements []domain.Placement, remaining int64) error {
	now := s.clock.Now()
	for i, placement := range placements {
		row := original
		newRow := i > 0
		if newRow {
			row.ID = s.genID.Generate()
			row.CreatedAt = now
		}
		invoiceID := placement.Invoice.ID
		row.Amount = placement.Amount
		row.InvoiceID = &invoiceID
		row.IsAllocated = true
		row.UpdatedAt = now

		step, err := s.ledger.ApplyStep(ctx, tx, r.snap, ledgerdomain.Step{
			Payment:     row,
			NewRow:      newRow,
			Invoice:     placement.Invoice,
			Amount:      placement.Amount,
			Origin:      r.origin,
			PerformedBy: r.performedBy,
			Reason:      r.reason,
		})
		if err != nil {
			return fmt.Errorf("allocate to invoice %s: %w", placement.Invoice.InvoiceNumber, err)
		}
		r.result.Warnings = append(r.result.Warnings, step.Messages...)
		r.result.Allocations = append(r.result.Allocations, domain.Allocation{
			PaymentID:      row.ID,
			InvoiceID:      invoiceID,
			InvoiceNumber:  placement.Invoice.InvoiceNumber,
			Amount:         placement.Amount,
			NewRow:         newRow,
			LedgerInserted: step.LedgerInserted,
		})
		r.result.AllocatedAmount += placement.Amount
		r.touched = append(r.touched, placement.Invoice)
		r.note("allocated %d to %s (payment row %s)", placement.Amount, placement.Invoice.InvoiceNumber, row.ID)
	}

	r.result.RemainingAmount = remaining
	if remaining > 0 {
		rest := billingdomain.Payment{
			ID:               s.genID.Generate(),
			RepresentativeID: original.RepresentativeID,
			Amount:           remaining,
			IsAllocated:      false,
			PaymentDate:      original.PaymentDate,
			Description:      original.Description,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.billing.InsertPayment(ctx, tx, &rest); err != nil {
			return err
		}
		r.result.RemainderPaymentID = &rest.ID
		r.note("remainder %d kept unallocated on payment row %s", remaining, rest.ID)
	}
	r.result.Success = true
	return nil
}

// finish recomputes legacy statuses for touched invoices, records the audit
// entry and enqueues the resync event, all inside tx.
func (s *Service) finish(ctx context.Context, tx *gorm.DB, r *run, representativeID snowflake.ID, action string, metadata map[string]any) error {
	now := s.clock.Now()
	ids := make([]snowflake.ID, 0, len(r.touched))
	for _, invoice := range r.touched {
		paid, err := s.ledger.InvoiceAllocated(ctx, tx, r.snap, invoice.ID)
		if err != nil {
			return err
		}
		status := domain.InvoiceStatusFor(invoice.Amount, paid, s.threshold, invoice.Status)
		if status != invoice.Status {
			if err := s.billing.UpdateInvoiceStatus(ctx, tx, invoice.ID, status, now); err != nil {
				return err
			}
			r.note("invoice %s %s -> %s", invoice.InvoiceNumber, invoice.Status, status)
		}
		ids = append(ids, invoice.ID)
	}

	if s.audit != nil && metadata != nil {
		targetID := r.result.PaymentID.String()
		actorID := r.performedBy
		if err := s.audit.AuditLogTx(ctx, tx, string(auditdomain.ActorTypeOperator), &actorID, action, "payment", &targetID, metadata); err != nil {
			return err
		}
	}

	if s.outbox == nil || len(ids) == 0 {
		return nil
	}
	_, err := s.outbox.PublishTx(ctx, tx, events.Message{
		Type: events.EventRepresentativeResync,
		Payload: events.ResyncPayload{
			RepresentativeID: representativeID,
			InvoiceIDs:       ids,
			Reason:           action,
		},
	})
	return err
}

func (s *Service) afterCommit(ctx context.Context, r *run, representativeID snowflake.ID) {
	if len(r.touched) == 0 {
		return
	}
	ids := make([]snowflake.ID, 0, len(r.touched))
	for _, invoice := range r.touched {
		ids = append(ids, invoice.ID)
	}
	if r.origin != nil {
		method, _, _, _ := ledgerdomain.Columns(r.origin)
		s.otel.RecordAllocation(ctx, string(method), r.result.AllocatedAmount)
	}
	s.ledger.RefreshAfterCommit(ctx, representativeID, ids)
	s.log.Info("allocation committed",
		zap.String("payment_id", r.result.PaymentID.String()),
		zap.Int64("allocated", r.result.AllocatedAmount),
		zap.Int64("remaining", r.result.RemainingAmount),
		zap.Int("invoices", len(ids)),
	)
}

func (s *Service) resolveRules(rules domain.Rules) domain.ResolvedRules {
	defaults := s.rules.Get()
	resolved := domain.ResolvedRules{
		Method:              rules.Method,
		AllowPartial:        defaults.AllowPartial,
		AllowOverAllocation: defaults.AllowOverAllocation,
		Statuses:            rules.Statuses,
		PerformedBy:         performer(rules.PerformedBy),
		IncludeAuditTrail:   rules.IncludeAuditTrail,
	}
	if strings.TrimSpace(resolved.Method) == "" {
		resolved.Method = defaults.DefaultMethod
	}
	if rules.AllowPartial != nil {
		resolved.AllowPartial = *rules.AllowPartial
	}
	if rules.AllowOverAllocation != nil {
		resolved.AllowOverAllocation = *rules.AllowOverAllocation
	}
	if len(resolved.Statuses) == 0 {
		for _, raw := range defaults.EligibleStatuses {
			status, err := billingdomain.ParseInvoiceStatus(strings.ToLower(strings.TrimSpace(raw)))
			if err != nil {
				continue
			}
			resolved.Statuses = append(resolved.Statuses, status)
		}
	}
	if len(resolved.Statuses) == 0 {
		resolved.Statuses = billingdomain.OpenStatuses
	}
	return resolved
}

func performer(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "system"
	}
	return value
}
