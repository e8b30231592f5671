package balance

import (
	"github.com/smallbiznis/allocledger/internal/balance/repository"
	"github.com/smallbiznis/allocledger/internal/balance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.cache",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
