package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRebuildBatch = 200

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Clock   clock.Clock               `optional:"true"`
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	clock   clock.Clock
	metrics *obsmetrics.LedgerMetrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("balance.service"),
		repo:    p.Repo,
		clock:   clk,
		metrics: p.Metrics,
	}
}

// Recompute derives the cache row for invoiceID from the ledger using db,
// which may be a transaction.
func (s *Service) Recompute(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (domain.Entry, error) {
	if db == nil {
		db = s.db
	}
	total, err := s.repo.InvoiceTotal(ctx, db, invoiceID)
	if err != nil {
		return domain.Entry{}, err
	}
	if total == nil {
		return domain.Entry{}, domain.ErrInvoiceNotFound
	}

	remaining, status := domain.Derive(total.Amount, total.Allocated)
	if status == domain.StatusAnomaly {
		s.metrics.IncCacheAnomaly()
		s.log.Error("ledger total exceeds invoice amount",
			zap.String("invoice_id", invoiceID.String()),
			zap.Int64("amount", total.Amount),
			zap.Int64("allocated", total.Allocated),
		)
	}

	entry := domain.Entry{
		InvoiceID:       invoiceID,
		AllocatedTotal:  total.Allocated,
		RemainingAmount: remaining,
		StatusCached:    status,
		UpdatedAt:       s.clock.Now(),
	}
	if err := s.repo.Upsert(ctx, db, entry); err != nil {
		return domain.Entry{}, err
	}
	s.metrics.IncCacheRecompute(string(status))

	stored, err := s.repo.Get(ctx, db, invoiceID)
	if err != nil {
		return domain.Entry{}, err
	}
	if stored == nil {
		return entry, nil
	}
	return *stored, nil
}

// RecomputeMany recomputes each distinct invoice once, in id order. It stops
// at the first failure and returns the entries written so far.
func (s *Service) RecomputeMany(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]domain.Entry, error) {
	ids := uniqueSorted(invoiceIDs)
	entries := make([]domain.Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Recompute(ctx, db, id)
		if err != nil {
			return entries, fmt.Errorf("recompute invoice %s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RecomputeAll rebuilds the cache in keyset batches over invoices.
func (s *Service) RecomputeAll(ctx context.Context, req domain.RebuildRequest) (domain.RebuildResult, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRebuildBatch
	}

	var (
		result domain.RebuildResult
		lastID snowflake.ID
	)
	for {
		limit := batchSize
		if req.Limit > 0 {
			left := req.Limit - result.Processed
			if left <= 0 {
				break
			}
			if left < limit {
				limit = left
			}
		}

		ids, err := s.repo.InvoiceIDsAfter(ctx, s.db, lastID, req.RepresentativeID, limit)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			break
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, id := range ids {
				entry, err := s.Recompute(ctx, tx, id)
				if err != nil {
					return err
				}
				if entry.StatusCached == domain.StatusAnomaly {
					result.Anomalies++
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}

		result.Processed += len(ids)
		result.Batches++
		lastID = ids[len(ids)-1]

		s.log.Info("balance cache batch rebuilt",
			zap.Int("batch", result.Batches),
			zap.Int("processed", result.Processed),
			zap.String("last_invoice_id", lastID.String()),
		)

		if len(ids) < limit {
			break
		}
		if err := sleepCtx(ctx, req.Sleep); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, invoiceID snowflake.ID) (domain.Entry, error) {
	entry, err := s.repo.Get(ctx, s.db, invoiceID)
	if err != nil {
		return domain.Entry{}, err
	}
	if entry == nil {
		return domain.Entry{}, domain.ErrEntryNotFound
	}
	return *entry, nil
}

// Drop removes cache rows, for one representative or all of them.
func (s *Service) Drop(ctx context.Context, representativeID *snowflake.ID) (int64, error) {
	dropped, err := s.repo.Delete(ctx, s.db, representativeID)
	if err != nil {
		return 0, err
	}
	s.log.Warn("balance cache dropped", zap.Int64("rows", dropped))
	return dropped, nil
}

func (s *Service) Aggregate(ctx context.Context, representativeID snowflake.ID) (domain.Aggregate, error) {
	return s.repo.Aggregate(ctx, s.db, representativeID)
}

func uniqueSorted(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
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
