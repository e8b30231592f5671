// Package scheduler runs periodic maintenance over the allocation ledger:
// an invariant sweep and a repair of drifted balance cache rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/invariant"
	"github.com/smallbiznis/allocledger/internal/lock"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKeyPrefix = "allocledger:scheduler:"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Checker    *invariant.Checker
	BalanceSvc balancedomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config                       `optional:"true"`
	Locker     *lock.Locker                 `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	checker    *invariant.Checker
	balanceSvc balancedomain.Service
	locker     *lock.Locker
	metrics    *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Checker == nil || p.BalanceSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		checker:    p.Checker,
		balanceSvc: p.BalanceSvc,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)

	err := s.locker.WithLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL, func(ctx context.Context) error {
		s.metrics.IncJobRun(name)
		err := fn(ctx)
		s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
		if err != nil {
			run.fail()
		}
		if owner {
			s.finishRun(ctx, run)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, lock.ErrLockHeld) {
		s.metrics.IncJobSkipped(name)
		log.Debug("job skipped, lease held elsewhere")
		return nil
	}

	// deadline is a soft timeout; the next pass picks the work up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order, and joins their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobInvariantSweep, s.isJobEnabled(JobInvariantSweep), s.InvariantSweepJob},
		{JobCacheRepair, s.cfg.RepairCache && s.isJobEnabled(JobCacheRepair), s.CacheRepairJob},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// isJobEnabled treats an empty job list as all jobs enabled.
func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}
