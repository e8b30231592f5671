package backfill

import (
	"github.com/smallbiznis/allocledger/internal/backfill/repository"
	"github.com/smallbiznis/allocledger/internal/backfill/service"
	"go.uber.org/fx"
)

var Module = fx.Module("backfill.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
