package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("allocation.scheduler",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(StartScheduler),
)

// StartScheduler runs the maintenance loop for the lifetime of the app.
// Stop cancels the loop and waits for the job in flight to return.
func StartScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		sched.log.Info("maintenance scheduler disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var loopCtx context.Context
			loopCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(loopCtx)
			}()
			sched.log.Info("maintenance scheduler started",
				zap.Duration("interval", cfg.RunInterval),
				zap.Strings("jobs", cfg.EnabledJobs),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
