package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/backfill/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/config"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/lock"
	"github.com/smallbiznis/allocledger/internal/money"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	performedBy       = "backfill"
	defaultBatchSize  = 200
	defaultSampleCap  = 50
	defaultOrphanCap  = 500
	defaultInvoiceCap = 100
)

var errSkipRow = errors.New("skip_row")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Repo    domain.Repository
	Billing billingdomain.Repository
	Ledger  ledgerdomain.Service
	Lines   ledgerdomain.Repository
	Balance balancedomain.Service
	Flags   flagsdomain.Service
	Locker  *lock.Locker              `optional:"true"`
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.BackfillConfig
	repo    domain.Repository
	billing billingdomain.Repository
	ledger  ledgerdomain.Service
	lines   ledgerdomain.Repository
	balance balancedomain.Service
	flags   flagsdomain.Service
	locker  *lock.Locker
	metrics *obsmetrics.LedgerMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("backfill.service"),
		cfg:     p.Config.Backfill,
		repo:    p.Repo,
		billing: p.Billing,
		ledger:  p.Ledger,
		lines:   p.Lines,
		balance: p.Balance,
		flags:   p.Flags,
		locker:  p.Locker,
		metrics: p.Metrics,
	}
}

// DryRun reports unmigrated allocated payments without writing anything.
func (s *Service) DryRun(ctx context.Context, limit int) (domain.DryRunResult, error) {
	snap := s.flags.Snapshot()
	state := snap.State(flagsdomain.FlagBackfill)
	result := domain.DryRunResult{State: state, Sample: []domain.Candidate{}}
	if state != flagsdomain.StateReadOnly {
		return result, domain.ErrBackfillState
	}

	sampleCap := s.cfg.DryRunSampleCap
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	if limit <= 0 || limit > sampleCap {
		limit = sampleCap
	}

	count, err := s.repo.CountCandidates(ctx, s.db, false)
	if err != nil {
		return result, err
	}
	withInvoice, err := s.repo.CountCandidates(ctx, s.db, true)
	if err != nil {
		return result, err
	}
	sample, err := s.repo.Candidates(ctx, s.db, 0, limit, false)
	if err != nil {
		return result, err
	}

	result.CandidateCount = count
	result.WithInvoice = withInvoice
	for _, payment := range sample {
		result.Sample = append(result.Sample, domain.CandidateFrom(payment))
	}
	s.log.Info("backfill dry run",
		zap.Int64("candidates", count),
		zap.Int64("with_invoice", withInvoice),
	)
	return result, nil
}

// Active writes one synthetic line per unmigrated payment that has an invoice.
func (s *Service) Active(ctx context.Context, req domain.ActiveRequest) (domain.ActiveResult, error) {
	snap := s.flags.Snapshot()
	result := domain.ActiveResult{State: snap.State(flagsdomain.FlagBackfill)}
	if err := checkWritable(snap); err != nil {
		return result, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxBatches := req.MaxBatches
	if maxBatches <= 0 {
		maxBatches = s.cfg.MaxBatches
	}
	sleep := req.Sleep
	if sleep <= 0 {
		sleep = s.cfg.BatchSleep
	}

	err := s.locker.WithLock(ctx, domain.LockKey, s.lockTTL(), func(ctx context.Context) error {
		var lastID snowflake.ID
		for maxBatches <= 0 || result.Batches < maxBatches {
			started := time.Now()
			batch, err := s.repo.Candidates(ctx, s.db, lastID, batchSize, true)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			lastID = batch[len(batch)-1].ID

			touched := make(map[snowflake.ID]struct{})
			var inserted, skipped, failed int
			for _, payment := range batch {
				outcome, err := s.migrateOne(ctx, snap, payment)
				switch {
				case errors.Is(err, errSkipRow):
					skipped++
				case err != nil:
					failed++
					s.log.Warn("backfill row failed",
						zap.String("payment_id", payment.ID.String()),
						zap.Error(err),
					)
				case outcome.LedgerInserted:
					inserted++
					touched[*payment.InvoiceID] = struct{}{}
				case outcome.Replayed:
					skipped++
				default:
					failed++
				}
			}

			s.recompute(ctx, touched)
			result.Inserted += inserted
			result.Skipped += skipped
			result.Failed += failed
			result.Batches++

			s.metrics.AddBackfillRows("active", "inserted", inserted)
			s.metrics.AddBackfillRows("active", "skipped", skipped)
			s.metrics.AddBackfillRows("active", "failed", failed)
			s.metrics.ObserveBackfillBatch("active", time.Since(started))
			s.log.Info("backfill batch done",
				zap.Int("batch", result.Batches),
				zap.Int("inserted", inserted),
				zap.Int("skipped", skipped),
				zap.Int("failed", failed),
				zap.String("last_payment_id", lastID.String()),
			)

			if len(batch) < batchSize {
				return nil
			}
			if err := sleepCtx(ctx, sleep); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// migrateOne appends the backfill line for one payment in its own
// transaction. A line that would push the invoice past its amount is skipped.
func (s *Service) migrateOne(ctx context.Context, snap flagsdomain.Snapshot, payment billingdomain.Payment) (ledgerdomain.StepResult, error) {
	var outcome ledgerdomain.StepResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.billing.LockInvoice(ctx, tx, *payment.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return billingdomain.ErrInvoiceNotFound
		}
		placed, err := s.lines.NetByInvoice(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if placed+payment.Amount > invoice.Amount {
			s.log.Warn("backfill line would over-allocate invoice",
				zap.String("payment_id", payment.ID.String()),
				zap.String("invoice_id", invoice.ID.String()),
				zap.Int64("placed", placed),
				zap.Int64("amount", payment.Amount),
			)
			return errSkipRow
		}

		outcome, err = s.ledger.ApplyStep(ctx, tx, snap, ledgerdomain.Step{
			Payment:     payment,
			Invoice:     *invoice,
			Amount:      payment.Amount,
			Origin:      ledgerdomain.Backfill{},
			PerformedBy: performedBy,
			Reason:      "legacy allocation",
			SkipLegacy:  true,
		})
		return err
	})
	return outcome, err
}

// DistributePartialOrphans places allocated payments that lack an invoice
// onto their representative's open invoices, oldest first.
func (s *Service) DistributePartialOrphans(ctx context.Context, req domain.OrphanRequest) (domain.OrphanResult, error) {
	snap := s.flags.Snapshot()
	result := domain.OrphanResult{State: snap.State(flagsdomain.FlagBackfill)}
	if err := checkWritable(snap); err != nil {
		return result, err
	}

	paymentLimit := req.PaymentLimit
	if paymentLimit <= 0 {
		paymentLimit = s.cfg.OrphanPayments
	}
	if paymentLimit <= 0 {
		paymentLimit = defaultOrphanCap
	}
	invoiceLimit := req.InvoiceBatchLimit
	if invoiceLimit <= 0 {
		invoiceLimit = s.cfg.OrphanInvoices
	}
	if invoiceLimit <= 0 {
		invoiceLimit = defaultInvoiceCap
	}

	err := s.locker.WithLock(ctx, domain.LockKey, s.lockTTL(), func(ctx context.Context) error {
		orphans, err := s.repo.Orphans(ctx, s.db, paymentLimit)
		if err != nil {
			return err
		}

		touched := make(map[snowflake.ID]struct{})
		groups := groupByRepresentative(orphans)
		for i, group := range groups {
			started := time.Now()
			var groupResult domain.OrphanResult
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				groupResult = domain.OrphanResult{}
				return s.distribute(ctx, tx, snap, group, invoiceLimit, &groupResult, touched)
			})
			if err != nil {
				result.Failed += len(group)
				s.log.Warn("orphan distribution failed for representative",
					zap.String("representative_id", group[0].Payment.RepresentativeID.String()),
					zap.Error(err),
				)
			} else {
				result.Payments += groupResult.Payments
				result.Lines += groupResult.Lines
				result.Replayed += groupResult.Replayed
				result.Failed += groupResult.Failed
				result.Unplaced += groupResult.Unplaced
			}
			result.Representatives++
			s.metrics.ObserveBackfillBatch("orphans", time.Since(started))

			if i < len(groups)-1 {
				if err := sleepCtx(ctx, s.cfg.BatchSleep); err != nil {
					return err
				}
			}
		}

		s.recompute(ctx, touched)
		result.TouchedInvoices = len(touched)
		s.metrics.AddBackfillRows("orphans", "inserted", result.Lines)
		s.metrics.AddBackfillRows("orphans", "skipped", result.Replayed)
		s.metrics.AddBackfillRows("orphans", "failed", result.Failed)
		return nil
	})

	if err == nil {
		s.log.Info("orphan distribution done",
			zap.Int("representatives", result.Representatives),
			zap.Int("lines", result.Lines),
			zap.Int64("unplaced", result.Unplaced),
		)
	}
	return result, err
}

func (s *Service) distribute(ctx context.Context, tx *gorm.DB, snap flagsdomain.Snapshot, group []domain.Orphan, invoiceLimit int, result *domain.OrphanResult, touched map[snowflake.ID]struct{}) error {
	representativeID := group[0].Payment.RepresentativeID
	invoices, err := s.billing.LockOpenInvoices(ctx, tx, representativeID, billingdomain.OpenStatuses, 0)
	if err != nil {
		return err
	}
	sortOldestFirst(invoices)
	if len(invoices) > invoiceLimit {
		invoices = invoices[:invoiceLimit]
	}

	open := make([]int64, len(invoices))
	for i, invoice := range invoices {
		placed, err := s.lines.NetByInvoice(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		open[i] = invoice.Amount - placed
	}

	idx := 0
	for _, orphan := range group {
		left := orphan.Payment.Amount - orphan.Placed
		result.Payments++
		for idx < len(invoices) && left > 0 {
			if open[idx] <= 0 {
				idx++
				continue
			}
			amount := money.Min(left, open[idx])
			step, err := s.ledger.ApplyStep(ctx, tx, snap, ledgerdomain.Step{
				Payment:     orphan.Payment,
				Invoice:     invoices[idx],
				Amount:      amount,
				Origin:      ledgerdomain.Backfill{FromOrphan: true},
				PerformedBy: performedBy,
				Reason:      "orphan distribution",
				SkipLegacy:  true,
			})
			if err != nil {
				return err
			}
			switch {
			case step.LedgerInserted:
				result.Lines++
				left -= amount
				open[idx] -= amount
				touched[invoices[idx].ID] = struct{}{}
			case step.Replayed:
				// this pair was placed by an earlier run and is already in Placed
				result.Replayed++
				idx++
			default:
				result.Failed++
				left = 0
			}
		}
		if left > 0 {
			result.Unplaced += left
		}
	}
	return nil
}

func (s *Service) recompute(ctx context.Context, touched map[snowflake.ID]struct{}) {
	if len(touched) == 0 {
		return
	}
	ids := make([]snowflake.ID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	if _, err := s.balance.RecomputeMany(ctx, s.db, ids); err != nil {
		s.log.Warn("balance recompute after backfill failed", zap.Error(err))
	}
}

func (s *Service) lockTTL() time.Duration {
	if s.cfg.LockTTL > 0 {
		return s.cfg.LockTTL
	}
	return 10 * time.Minute
}

func checkWritable(snap flagsdomain.Snapshot) error {
	if snap.State(flagsdomain.FlagBackfill) != flagsdomain.StateActive {
		return domain.ErrBackfillState
	}
	if !snap.LedgerWrites() {
		return domain.ErrWritesDisabled
	}
	return nil
}

func groupByRepresentative(orphans []domain.Orphan) [][]domain.Orphan {
	var (
		groups  [][]domain.Orphan
		current []domain.Orphan
	)
	for _, orphan := range orphans {
		if len(current) > 0 && current[0].Payment.RepresentativeID != orphan.Payment.RepresentativeID {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, orphan)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func sortOldestFirst(invoices []billingdomain.Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.Before(b.IssueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
