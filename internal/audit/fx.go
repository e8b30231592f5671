package audit

import (
	"github.com/smallbiznis/allocledger/internal/audit/repository"
	"github.com/smallbiznis/allocledger/internal/audit/service"
	"go.uber.org/fx"
)

// Module provides the audit trail used by allocation, flag and operator actions.
var Module = fx.Module("allocation.audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
