package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/cache"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	"github.com/smallbiznis/allocledger/internal/events"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"github.com/smallbiznis/allocledger/internal/observability/tracing"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shadowRecentLimit = 20

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Config  config.Config
	Repo    domain.Repository
	Billing billingdomain.Repository
	Flags   flagsdomain.Service
	Balance balancedomain.Service
	Clock   clock.Clock               `optional:"true"`
	Outbox  *events.Outbox            `optional:"true"`
	Debts   cache.DebtCache           `optional:"true"`
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
	OTel    *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	cfg     config.Config
	repo    domain.Repository
	billing billingdomain.Repository
	flags   flagsdomain.Service
	balance balancedomain.Service
	clock   clock.Clock
	outbox  *events.Outbox
	debts   cache.DebtCache
	metrics *obsmetrics.LedgerMetrics
	otel    *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		cfg:     p.Config,
		repo:    p.Repo,
		billing: p.Billing,
		flags:   p.Flags,
		balance: p.Balance,
		clock:   clk,
		outbox:  p.Outbox,
		debts:   p.Debts,
		metrics: p.Metrics,
		otel:    p.OTel,
	}
}

// AllocateFull allocates the whole payment to one invoice.
func (s *Service) AllocateFull(ctx context.Context, paymentID, invoiceID snowflake.ID, performedBy string) (domain.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger", "allocate_full",
		attribute.String("payment_id", paymentID.String()),
		attribute.String("invoice_id", invoiceID.String()),
	)
	defer span.End()

	snap := s.flags.Snapshot()
	result := domain.Result{Mode: snap.WriteMode(), Guard: snap.GuardMode()}

	var (
		representativeID snowflake.ID
		applied          bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.billing.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return billingdomain.ErrPaymentNotFound
		}
		invoice, err := s.billing.LockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return billingdomain.ErrInvoiceNotFound
		}
		if payment.IsAllocated {
			result.Messages = append(result.Messages, "payment already allocated")
			return nil
		}

		after := *payment
		after.IsAllocated = true
		after.InvoiceID = &invoice.ID
		after.UpdatedAt = s.clock.Now()

		step, err := s.ApplyStep(ctx, tx, snap, domain.Step{
			Payment:     after,
			Invoice:     *invoice,
			Amount:      payment.Amount,
			Origin:      domain.Manual{},
			PerformedBy: performedBy,
			Reason:      "allocate_full",
		})
		if err != nil {
			return err
		}
		result.LegacyUpdated = step.LegacyUpdated
		result.LedgerInserted = step.LedgerInserted
		result.Messages = append(result.Messages, step.Messages...)
		representativeID = invoice.RepresentativeID
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return result, err
	}

	if applied {
		s.otel.RecordAllocation(ctx, string(domain.MethodManual), 0)
		s.RefreshAfterCommit(ctx, representativeID, []snowflake.ID{invoiceID})
	}
	return result, nil
}

// ApplyStep runs one allocation step inside tx: runtime guards, the legacy
// row mutation and the ledger append, all under the same flag snapshot.
func (s *Service) ApplyStep(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, step domain.Step) (domain.StepResult, error) {
	var result domain.StepResult
	if step.Amount <= 0 {
		return result, domain.ErrInvalidAmount
	}
	method, synthetic, fromOrphan, err := domain.Columns(step.Origin)
	if err != nil {
		return result, err
	}
	if step.Payment.RepresentativeID != step.Invoice.RepresentativeID {
		return result, domain.ErrRepresentativeMismatch
	}

	mode := snap.WriteMode()
	if snap.GuardMode() != flagsdomain.StateOff {
		if err := s.checkGuards(ctx, tx, snap, step, &result); err != nil {
			return result, err
		}
	}

	if !step.SkipLegacy {
		if err := s.writeLegacy(ctx, tx, step); err != nil {
			return result, err
		}
		result.LegacyUpdated = true
	}
	s.metrics.IncStep(string(method), string(mode))

	if !snap.LedgerWrites() {
		return result, nil
	}

	err = s.appendLine(ctx, tx, mode, &result, func(sp *gorm.DB) (*domain.Line, error) {
		key := step.IdempotencyKey
		if key == "" {
			derived, err := s.keyFor(ctx, sp, step)
			if err != nil {
				return nil, err
			}
			key = derived
		}
		return &domain.Line{
			ID:              s.genID.Generate(),
			PaymentID:       step.Payment.ID,
			InvoiceID:       step.Invoice.ID,
			AllocatedAmount: step.Amount,
			Method:          method,
			Synthetic:       synthetic,
			FromOrphan:      fromOrphan,
			Kind:            domain.KindAllocation,
			IdempotencyKey:  key,
			PerformedBy:     step.PerformedBy,
			Reason:          step.Reason,
			CreatedAt:       s.clock.Now(),
		}, nil
	})
	return result, err
}

// ApplyReversal appends a compensating line for the pair's whole net amount.
func (s *Service) ApplyReversal(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, rev domain.Reversal) (domain.StepResult, error) {
	var result domain.StepResult
	if !snap.LedgerWrites() {
		return result, nil
	}

	err := s.appendLine(ctx, tx, snap.WriteMode(), &result, func(sp *gorm.DB) (*domain.Line, error) {
		net, err := s.repo.NetByPair(ctx, sp, rev.PaymentID, rev.InvoiceID)
		if err != nil {
			return nil, err
		}
		if net <= 0 {
			result.Messages = append(result.Messages, "no ledger amount to reverse")
			return nil, nil
		}
		generation, err := s.repo.CountReversals(ctx, sp, rev.PaymentID, rev.InvoiceID)
		if err != nil {
			return nil, err
		}
		return &domain.Line{
			ID:              s.genID.Generate(),
			PaymentID:       rev.PaymentID,
			InvoiceID:       rev.InvoiceID,
			AllocatedAmount: net,
			Method:          domain.MethodManual,
			Kind:            domain.KindReversal,
			IdempotencyKey:  domain.ReversalKey(rev.PaymentID, rev.InvoiceID, generation),
			PerformedBy:     rev.PerformedBy,
			Reason:          rev.Reason,
			CreatedAt:       s.clock.Now(),
		}, nil
	})
	return result, err
}

// InvoiceAllocated is the invoice's allocated total from the authoritative
// source for the snapshot's write mode.
func (s *Service) InvoiceAllocated(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, invoiceID snowflake.ID) (int64, error) {
	if snap.LedgerAuthoritative() {
		return s.repo.NetByInvoice(ctx, tx, invoiceID)
	}
	return s.billing.LegacyAllocatedToInvoice(ctx, tx, invoiceID)
}

// appendLine builds and inserts a line inside a savepoint so a failure
// leaves the surrounding transaction usable in shadow mode. build returning
// a nil line means there is nothing to append.
func (s *Service) appendLine(ctx context.Context, tx *gorm.DB, mode flagsdomain.State, result *domain.StepResult, build func(sp *gorm.DB) (*domain.Line, error)) error {
	var (
		line     *domain.Line
		inserted bool
	)
	err := tx.Transaction(func(sp *gorm.DB) error {
		built, err := build(sp)
		if err != nil || built == nil {
			return err
		}
		line = built
		inserted, err = s.repo.Insert(ctx, sp, line)
		return err
	})
	if err != nil {
		s.metrics.IncLedgerFailure(string(mode), err)
		if mode == flagsdomain.StateEnforce {
			return fmt.Errorf("ledger insert: %w", err)
		}
		fields := []zap.Field{zap.Error(err)}
		if line != nil {
			fields = append(fields, zap.String("idempotency_key", line.IdempotencyKey))
		}
		s.log.Warn("ledger insert failed in shadow mode", fields...)
		result.Messages = append(result.Messages, "ledger write skipped: "+err.Error())
		return nil
	}
	if line == nil {
		return nil
	}
	if !inserted {
		result.Replayed = true
		result.Messages = append(result.Messages, "ledger line already recorded")
		return nil
	}
	result.LedgerInserted = true
	s.otel.RecordLedgerLine(ctx, string(line.Method), string(mode))
	return nil
}

func (s *Service) keyFor(ctx context.Context, tx *gorm.DB, step domain.Step) (string, error) {
	switch origin := step.Origin.(type) {
	case domain.Backfill:
		if origin.FromOrphan {
			return domain.OrphanKey(step.Payment.ID, step.Invoice.ID), nil
		}
		return domain.BackfillKey(step.Payment.ID, step.Invoice.ID), nil
	case domain.Manual, domain.Auto:
		generation, err := s.repo.CountReversals(ctx, tx, step.Payment.ID, step.Invoice.ID)
		if err != nil {
			return "", err
		}
		return domain.AllocationKey(step.Payment.ID, step.Invoice.ID, generation), nil
	default:
		return "", domain.ErrInvalidOrigin
	}
}

func (s *Service) writeLegacy(ctx context.Context, tx *gorm.DB, step domain.Step) error {
	payment := step.Payment
	if step.NewRow {
		return s.billing.InsertPayment(ctx, tx, &payment)
	}
	return s.billing.UpdatePayment(ctx, tx, payment.ID, billingdomain.PaymentUpdate{
		Amount:      payment.Amount,
		InvoiceID:   payment.InvoiceID,
		IsAllocated: payment.IsAllocated,
		UpdatedAt:   payment.UpdatedAt,
	})
}

// checkGuards compares prospective totals against the payment and invoice
// ceilings. Ledger-only steps are always measured against the ledger.
func (s *Service) checkGuards(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, step domain.Step, result *domain.StepResult) error {
	guard := snap.GuardMode()
	fromLedger := snap.LedgerAuthoritative() || step.SkipLegacy

	var paymentCurrent int64
	if fromLedger && !step.NewRow {
		net, err := s.repo.NetByPayment(ctx, tx, step.Payment.ID)
		if err != nil {
			return err
		}
		paymentCurrent = net
	}

	var (
		invoiceCurrent int64
		err            error
	)
	if fromLedger {
		invoiceCurrent, err = s.repo.NetByInvoice(ctx, tx, step.Invoice.ID)
	} else {
		invoiceCurrent, err = s.billing.LegacyAllocatedToInvoice(ctx, tx, step.Invoice.ID)
	}
	if err != nil {
		return err
	}

	var violations []string
	if paymentCurrent+step.Amount > step.Payment.Amount {
		violations = append(violations, "payment")
	}
	if invoiceCurrent+step.Amount > step.Invoice.Amount {
		violations = append(violations, "invoice")
	}
	if len(violations) == 0 {
		return nil
	}

	for _, side := range violations {
		s.metrics.IncGuardViolation(side, string(guard))
		s.otel.RecordGuardViolation(ctx, side, string(guard))
	}
	fields := []zap.Field{
		zap.Strings("sides", violations),
		zap.String("guard", string(guard)),
		zap.String("payment_id", step.Payment.ID.String()),
		zap.String("invoice_id", step.Invoice.ID.String()),
		zap.Int64("amount", step.Amount),
		zap.Int64("payment_allocated", paymentCurrent),
		zap.Int64("invoice_allocated", invoiceCurrent),
	}

	if guard == flagsdomain.StateEnforce {
		s.log.Error("allocation rejected by runtime guard", fields...)
		return domain.ErrOverAllocation
	}
	s.log.Warn("allocation exceeds ceiling", fields...)
	result.Messages = append(result.Messages, "guard warning: over-allocation on "+strings.Join(violations, " and "))
	return nil
}

// CalculateDebt reads a representative's outstanding balance from the cache
// or the legacy rows depending on the read switch.
func (s *Service) CalculateDebt(ctx context.Context, representativeID snowflake.ID) (domain.Debt, error) {
	snap := s.flags.Snapshot()
	source := domain.DebtSourceLegacy
	switch snap.State(flagsdomain.FlagReadSwitch) {
	case flagsdomain.StateFull:
		source = domain.DebtSourceCache
	case flagsdomain.StateCanary:
		if domain.CanaryBucket(representativeID, s.cfg.Allocation.CanaryPercent) {
			source = domain.DebtSourceCache
		}
	}

	if s.debts != nil {
		if cached, ok := s.debts.Get(representativeID); ok && cached.Source == source {
			return cached, nil
		}
	}

	debt := domain.Debt{RepresentativeID: representativeID, Source: source}
	if source == domain.DebtSourceCache {
		agg, err := s.balance.Aggregate(ctx, representativeID)
		if err != nil {
			return domain.Debt{}, err
		}
		debt.Invoices = agg.Invoices
		debt.TotalInvoiced = agg.TotalInvoiced
		debt.TotalAllocated = agg.TotalAllocated
		debt.Outstanding = agg.Outstanding
	} else {
		totals, err := s.billing.LegacyTotals(ctx, s.db, representativeID)
		if err != nil {
			return domain.Debt{}, err
		}
		debt.Invoices = totals.Invoices
		debt.TotalInvoiced = totals.TotalInvoiced
		debt.TotalAllocated = totals.TotalAllocated
		debt.Outstanding = totals.TotalInvoiced - totals.TotalAllocated
	}

	s.metrics.IncDebtRead(string(source))
	if s.debts != nil {
		s.debts.Set(representativeID, debt)
	}
	return debt, nil
}

// Shadow compares legacy allocated totals with the ledger.
func (s *Service) Shadow(ctx context.Context) (domain.ShadowReport, error) {
	snap := s.flags.Snapshot()
	if !snap.LedgerWrites() {
		return domain.ShadowReport{}, domain.ErrShadowDisabled
	}

	legacy, err := s.billing.AllocatedSummary(ctx, s.db)
	if err != nil {
		return domain.ShadowReport{}, err
	}
	totals, err := s.repo.Totals(ctx, s.db)
	if err != nil {
		return domain.ShadowReport{}, err
	}
	recent, err := s.repo.Recent(ctx, s.db, shadowRecentLimit)
	if err != nil {
		return domain.ShadowReport{}, err
	}

	diff := legacy.Sum - totals.Sum
	if diff < 0 {
		diff = -diff
	}
	ratio := 0.0
	if legacy.Sum != 0 {
		ratio = decimal.NewFromInt(diff).
			Div(decimal.NewFromInt(legacy.Sum)).
			Round(6).
			InexactFloat64()
	}

	return domain.ShadowReport{
		LegacyAllocatedSum:   legacy.Sum,
		LegacyAllocatedCount: legacy.Count,
		LedgerAllocatedSum:   totals.Sum,
		LedgerAllocatedCount: totals.Count,
		DiffAbs:              diff,
		DiffRatio:            ratio,
		Recent:               recent,
	}, nil
}

func (s *Service) ListLines(ctx context.Context, req domain.ListLinesRequest) (domain.ListLinesResponse, error) {
	snap := s.flags.Snapshot()
	if snap.State(flagsdomain.FlagUsageVisibility) != flagsdomain.StateOn {
		return domain.ListLinesResponse{}, domain.ErrFeatureDisabled
	}

	filter := domain.LineFilter{
		RepresentativeID: req.RepresentativeID,
		Method:           req.Method,
		Synthetic:        req.Synthetic,
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListLinesResponse{}, err
	}
	if cursor != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return domain.ListLinesResponse{}, pagination.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListLinesResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterCreatedAt = &createdAt
		filter.AfterID = &id
	}

	limit := req.Size()
	filter.Limit = limit + 1
	lines, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListLinesResponse{}, err
	}

	page, info := pagination.Page(lines, limit, func(line domain.Line) pagination.Cursor {
		return pagination.Cursor{
			ID:        line.ID.String(),
			CreatedAt: line.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if page == nil {
		page = []domain.Line{}
	}
	return domain.ListLinesResponse{Lines: page, PageInfo: info}, nil
}

func (s *Service) LinesForPayment(ctx context.Context, paymentID snowflake.ID) ([]domain.Line, error) {
	return s.repo.ListByPayment(ctx, s.db, paymentID)
}

func (s *Service) LinesForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]domain.Line, error) {
	return s.repo.ListByInvoice(ctx, s.db, invoiceID)
}

// RefreshAfterCommit recomputes cache rows for invoices touched by a committed
// allocation. Failures are queued on the outbox and never surface to callers.
func (s *Service) RefreshAfterCommit(ctx context.Context, representativeID snowflake.ID, invoiceIDs []snowflake.ID) {
	var failed []snowflake.ID
	for _, id := range invoiceIDs {
		if _, err := s.balance.Recompute(ctx, s.db, id); err != nil {
			s.log.Warn("balance recompute failed after commit",
				zap.String("invoice_id", id.String()),
				zap.Error(err),
			)
			failed = append(failed, id)
		}
	}
	if s.debts != nil && representativeID != 0 {
		s.debts.Invalidate(representativeID)
	}
	if len(failed) > 0 {
		s.enqueueRecompute(ctx, representativeID, failed)
	}
}

func (s *Service) enqueueRecompute(ctx context.Context, representativeID snowflake.ID, invoiceIDs []snowflake.ID) {
	if s.outbox == nil {
		s.log.Error("balance recompute lost, outbox unavailable", zap.Int("invoices", len(invoiceIDs)))
		return
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.outbox.PublishTx(ctx, tx, events.Message{
			Type: events.EventBalanceRecompute,
			Payload: events.ResyncPayload{
				RepresentativeID: representativeID,
				InvoiceIDs:       invoiceIDs,
				Reason:           "post_commit_retry",
			},
		})
		return err
	})
	if err != nil {
		s.log.Error("failed to enqueue balance recompute", zap.Error(err))
	}
}

// HandleResync is the outbox handler for representative.resync and
// balance.recompute events.
func (s *Service) HandleResync(ctx context.Context, tx *gorm.DB, event events.Event) error {
	payload, err := events.DecodeResync(event)
	if err != nil {
		return err
	}
	for _, id := range payload.InvoiceIDs {
		if _, err := s.balance.Recompute(ctx, tx, id); err != nil {
			if errors.Is(err, balancedomain.ErrInvoiceNotFound) {
				s.log.Warn("resync references missing invoice",
					zap.String("event_id", event.ID.String()),
					zap.String("invoice_id", id.String()),
				)
				continue
			}
			return err
		}
	}
	if s.debts != nil && payload.RepresentativeID != 0 {
		s.debts.Invalidate(payload.RepresentativeID)
	}
	return nil
}
