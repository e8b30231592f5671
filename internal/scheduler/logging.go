package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/allocledger/internal/observability/context"
	obslogger "github.com/smallbiznis/allocledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun carries the summary of one job execution. Jobs attach their
// outcome with note and the runner emits it in a single finish line.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	summary   []zap.Field
	failed    bool
}

type jobRunKey struct{}

func (r *jobRun) note(fields ...zap.Field) {
	if r == nil {
		return
	}
	r.summary = append(r.summary, fields...)
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed = true
	}
}

// beginRun attaches a fresh run to ctx unless one is already present.
// owner reports whether the caller created it.
func (s *Scheduler) beginRun(ctx context.Context, job string) (_ context.Context, run *jobRun, owner bool) {
	if run = runFromContext(ctx); run != nil {
		return ctx, run, false
	}
	run = &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return obscontext.WithActor(ctx, "system", "scheduler"), run, true
}

func runFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun) {
	fields := append([]zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
		zap.Bool("failed", run.failed),
	}, run.summary...)

	if run.failed {
		s.logger(ctx).Warn("scheduler job finished", fields...)
		return
	}
	s.logger(ctx).Info("scheduler job finished", fields...)
}

// jobError logs err against the run in ctx, if any.
func (s *Scheduler) jobError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	run := runFromContext(ctx)
	run.fail()
	if run != nil {
		fields = append(fields, zap.String("job", run.job))
	}
	fields = append(fields,
		zap.String("error_reason", obsmetrics.ClassifyErrorReason(err)),
		zap.Error(err),
	)
	s.logger(ctx).Error(msg, fields...)
}
