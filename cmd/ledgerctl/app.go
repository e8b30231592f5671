package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	backfilldomain "github.com/smallbiznis/allocledger/internal/backfill/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/invariant"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/migration"
	"github.com/smallbiznis/allocledger/internal/observability"
	"github.com/smallbiznis/allocledger/internal/scheduler"
	"github.com/smallbiznis/allocledger/internal/server"
	"github.com/smallbiznis/allocledger/pkg/db"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second
)

// deps is everything a ledgerctl command may reach for.
type deps struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   config.Config
	Clock    clock.Clock
	Log      *zap.Logger
	Ledger   ledgerdomain.Service
	Backfill backfilldomain.Service
	Balance  balancedomain.Service
	Flags    flagsdomain.Service
	Audit    auditdomain.Service
	Checker  *invariant.Checker
	Maint    *scheduler.Scheduler
}

// loadConfig starts from the service environment and overlays whatever was
// set through flags, environment or the config file.
func loadConfig(v *viper.Viper) config.Config {
	cfg := config.Load()

	overlay := func(key string, dst *string) {
		if v.IsSet(key) {
			if value := strings.TrimSpace(v.GetString(key)); value != "" {
				*dst = value
			}
		}
	}
	overlay("database.type", &cfg.DBType)
	overlay("database.host", &cfg.DBHost)
	overlay("database.port", &cfg.DBPort)
	overlay("database.name", &cfg.DBName)
	overlay("database.user", &cfg.DBUser)
	overlay("database.password", &cfg.DBPassword)
	overlay("redis.addr", &cfg.RedisAddr)
	if v.IsSet("maintenance.jobs") {
		cfg.Maintenance.Jobs = v.GetStringSlice("maintenance.jobs")
	}

	// Events written by one-off runs are dispatched by the service process.
	cfg.Outbox.Enabled = false
	cfg.DBRunMigrations = v.GetBool("auto.migrate")
	return cfg
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.DisableStacktrace = true

	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	return zapCfg.Build()
}

// withApp boots the allocation graph without the HTTP server, runs fn and
// shuts the graph down again.
func withApp(v *viper.Viper, fn func(ctx context.Context, d deps) error) error {
	cfg := loadConfig(v)
	log, err := newLogger(v.GetString("log.level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var d deps
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(config.NewAllocationRulesHolder),
		observability.Module,
		fx.Decorate(func(*zap.Logger) *zap.Logger { return log }),
		fx.Provide(newNode),
		db.Module,
		clock.Module,
		migration.Module,
		server.Domains,
		fx.Provide(scheduler.ProvideConfig, scheduler.New),
		fx.Populate(&d),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			log.Warn("shutdown failed", zap.Error(err))
		}
	}()

	return fn(context.Background(), d)
}

func newNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func recordAudit(ctx context.Context, d deps, actor, action, targetType string, metadata map[string]any) {
	if err := d.Audit.AuditLog(ctx, string(auditdomain.ActorTypeOperator), &actor, action, targetType, nil, metadata); err != nil {
		d.Log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func actorOf(v *viper.Viper) (string, error) {
	actor := strings.TrimSpace(v.GetString("actor"))
	if actor == "" {
		return "", fmt.Errorf("--actor is required")
	}
	return actor, nil
}
