package allocation

import (
	"github.com/smallbiznis/allocledger/internal/allocation/domain"
	"github.com/smallbiznis/allocledger/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation.engine",
	fx.Provide(domain.NewRegistry),
	fx.Provide(service.NewService),
)
