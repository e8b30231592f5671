package scheduler

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/invariant"
	"go.uber.org/zap"
)

var repairableInvariants = map[string]struct{}{
	invariant.NegativeRemaining:   {},
	invariant.CacheStatusMismatch: {},
	invariant.CacheDrift:          {},
}

// InvariantSweepJob runs the full invariant check and publishes the
// per-invariant violation counts.
func (s *Scheduler) InvariantSweepJob(ctx context.Context) error {
	report, err := s.checker.Check(ctx)
	if err != nil {
		s.jobError(ctx, "invariant sweep failed", err)
		return err
	}

	counts := make(map[string]int)
	for _, v := range report.Violations {
		counts[v.Invariant]++
		s.logger(ctx).Warn("invariant.violation",
			zap.String("invariant", v.Invariant),
			zap.String("subject", v.Subject),
			zap.String("detail", v.Detail),
		)
	}
	s.metrics.SetViolations(counts)
	runFromContext(ctx).note(zap.Int("violations", len(report.Violations)))
	return nil
}

// CacheRepairJob recomputes the balance cache rows of invoices whose
// cache disagrees with the ledger.
func (s *Scheduler) CacheRepairJob(ctx context.Context) error {
	report, err := s.checker.Check(ctx)
	if err != nil {
		s.jobError(ctx, "cache repair check failed", err)
		return err
	}

	ids := repairTargets(report)
	if len(ids) == 0 {
		runFromContext(ctx).note(zap.Int("repaired", 0))
		return nil
	}

	entries, err := s.balanceSvc.RecomputeMany(ctx, s.db, ids)
	if err != nil {
		s.jobError(ctx, "cache repair failed", err, zap.Int("invoice_count", len(ids)))
		return err
	}
	s.metrics.AddRepaired(len(entries))
	runFromContext(ctx).note(zap.Int("repaired", len(entries)))
	return nil
}

// repairTargets returns the distinct invoice ids behind cache violations,
// in ascending order.
func repairTargets(report invariant.Report) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{})
	var ids []snowflake.ID
	for _, v := range report.Violations {
		if _, ok := repairableInvariants[v.Invariant]; !ok {
			continue
		}
		raw, ok := strings.CutPrefix(v.Subject, "invoice:")
		if !ok {
			continue
		}
		id, err := snowflake.ParseString(raw)
		if err != nil || id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
