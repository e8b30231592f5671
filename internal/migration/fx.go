package migration

import (
	"github.com/smallbiznis/allocledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date when DATABASE_RUN_MIGRATIONS is set.
// Postgres runs the embedded SQL; other dialects are auto-migrated from
// the models.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if !cfg.DBRunMigrations {
		log.Info("skipping migrations", zap.String("db_type", cfg.DBType))
		return nil
	}

	if cfg.DBType != "postgres" {
		log.Info("auto-migrating schema", zap.String("db_type", cfg.DBType))
		return conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	_, err = RunMigrations(sqlDB, log)
	return err
}
