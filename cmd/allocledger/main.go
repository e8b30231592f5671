package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	"github.com/smallbiznis/allocledger/internal/migration"
	"github.com/smallbiznis/allocledger/internal/observability"
	"github.com/smallbiznis/allocledger/internal/scheduler"
	"github.com/smallbiznis/allocledger/internal/server"
	"github.com/smallbiznis/allocledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(newNode),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	).Run()
}

// newNode builds the id generator for this instance. Two instances sharing a
// node id can mint colliding ledger ids.
func newNode(cfg config.Config, log *zap.Logger) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	log.Info("id generator ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}
