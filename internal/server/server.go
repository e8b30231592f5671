package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/allocledger/internal/allocation"
	allocationdomain "github.com/smallbiznis/allocledger/internal/allocation/domain"
	"github.com/smallbiznis/allocledger/internal/audit"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	"github.com/smallbiznis/allocledger/internal/backfill"
	backfilldomain "github.com/smallbiznis/allocledger/internal/backfill/domain"
	"github.com/smallbiznis/allocledger/internal/balance"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/billing"
	"github.com/smallbiznis/allocledger/internal/cache"
	"github.com/smallbiznis/allocledger/internal/config"
	"github.com/smallbiznis/allocledger/internal/events"
	"github.com/smallbiznis/allocledger/internal/flags"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/invariant"
	"github.com/smallbiznis/allocledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/lock"
	"github.com/smallbiznis/allocledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/allocledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/allocledger/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Domains bundles every allocation module the admin API and the CLI depend on.
var Domains = fx.Options(
	lock.Module,
	cache.Module,
	audit.Module,
	events.Module,
	billing.Module,
	flags.Module,
	balance.Module,
	ledger.Module,
	backfill.Module,
	allocation.Module,
	invariant.Module,
)

var Module = fx.Module("http.server",
	Domains,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	ledgerSvc     ledgerdomain.Service
	allocationSvc allocationdomain.Service
	backfillSvc   backfilldomain.Service
	balanceSvc    balancedomain.Service
	flagSvc       flagsdomain.Service
	auditSvc      auditdomain.Service
	checker       *invariant.Checker
	dispatcher    *events.Dispatcher
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	LedgerSvc     ledgerdomain.Service
	AllocationSvc allocationdomain.Service
	BackfillSvc   backfilldomain.Service
	BalanceSvc    balancedomain.Service
	FlagSvc       flagsdomain.Service
	AuditSvc      auditdomain.Service
	Checker       *invariant.Checker
	Dispatcher    *events.Dispatcher
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		ledgerSvc:     p.LedgerSvc,
		allocationSvc: p.AllocationSvc,
		backfillSvc:   p.BackfillSvc,
		balanceSvc:    p.BalanceSvc,
		flagSvc:       p.FlagSvc,
		auditSvc:      p.AuditSvc,
		checker:       p.Checker,
		dispatcher:    p.Dispatcher,
	}

	svc.registerAllocationRoutes()
	svc.registerFlagRoutes()
	svc.registerAuditRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAllocationRoutes() {
	admin := s.engine.Group("/admin/allocation")

	admin.GET("/shadow", s.GetShadowReport)
	admin.GET("/lines", s.ListLines)
	admin.GET("/payments/:id/lines", s.ListPaymentLines)
	admin.GET("/invoices/:id/lines", s.ListInvoiceLines)
	admin.GET("/invoices/:id/balance", s.GetInvoiceBalance)
	admin.GET("/invoices/:id/invariants", s.CheckInvoiceInvariants)
	admin.GET("/representatives/:id/debt", s.GetRepresentativeDebt)

	admin.POST("/payments/:id/auto", RequireActor(), s.AutoAllocatePayment)
	admin.POST("/payments/:id/manual", RequireActor(), s.ManualAllocatePayment)
	admin.POST("/payments/:id/deallocate", RequireActor(), s.DeallocatePayment)
	admin.POST("/payments/:id/allocate-full", RequireActor(), s.AllocateFull)

	admin.POST("/backfill/dry-run", RequireActor(), s.BackfillDryRun)
	admin.POST("/backfill/active", RequireActor(), s.BackfillActive)
	admin.POST("/backfill/orphans", RequireActor(), s.BackfillOrphans)

	admin.POST("/cache/rebuild", RequireActor(), s.RebuildCache)
	admin.GET("/invariants", s.CheckInvariants)
	admin.GET("/outbox", s.GetOutbox)
	admin.POST("/outbox/:id/retry", RequireActor(), s.RetryOutboxEvent)
}

func (s *Server) registerFlagRoutes() {
	admin := s.engine.Group("/admin/flags")

	admin.GET("", s.ListFlags)
	admin.GET("/:name", s.GetFlag)
	admin.PUT("/:name", RequireActor(), s.SetFlag)
	admin.POST("/refresh", RequireActor(), s.RefreshFlags)
}

func (s *Server) registerAuditRoutes() {
	s.engine.GET("/admin/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
