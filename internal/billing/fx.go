package billing

import (
	"github.com/smallbiznis/allocledger/internal/billing/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.records",
	fx.Provide(repository.Provide),
)
