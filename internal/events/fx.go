package events

import (
	"context"

	"github.com/smallbiznis/allocledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("allocation.events",
	fx.Provide(NewOutbox, NewDispatcher),
	fx.Invoke(startDispatcher),
)

func startDispatcher(lc fx.Lifecycle, cfg config.Config, d *Dispatcher, log *zap.Logger) {
	if !cfg.Outbox.Enabled {
		log.Info("outbox dispatcher disabled")
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-stop
				cancel()
			}()
			go func() {
				defer close(done)
				d.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn("outbox dispatcher did not stop in time")
			}
			return nil
		},
	})
}
