package flags

import (
	"context"

	"github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/flags/repository"
	"github.com/smallbiznis/allocledger/internal/flags/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation.flags",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewBroadcaster),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, svc *service.Service, broadcaster *service.Broadcaster) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := svc.Load(ctx); err != nil {
				return err
			}
			listenCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			go broadcaster.Listen(listenCtx, svc.Refresh)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
