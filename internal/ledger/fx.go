package ledger

import (
	"github.com/smallbiznis/allocledger/internal/events"
	"github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/ledger/repository"
	"github.com/smallbiznis/allocledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Invoke(registerHandlers),
)

func registerHandlers(d *events.Dispatcher, svc *service.Service) {
	d.Register(events.EventRepresentativeResync, svc.HandleResync)
	d.Register(events.EventBalanceRecompute, svc.HandleResync)
}
