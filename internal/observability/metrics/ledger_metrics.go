package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeInserted = "inserted"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeReplayed = "replayed"

	OutboxOutcomePublished = "published"
	OutboxOutcomeRetry     = "retry"
	OutboxOutcomeParked    = "parked"
)

const (
	ErrorReasonDeadlineExceeded     = "deadline_exceeded"
	ErrorReasonSerializationFailure = "serialization_failure"
	ErrorReasonUniqueViolation      = "unique_violation"
	ErrorReasonLockTimeout          = "db_lock_timeout"
	ErrorReasonUnknown              = "unknown"
)

// LedgerMetrics captures allocation ledger health signals scraped from /metrics.
type LedgerMetrics struct {
	steps            *prometheus.CounterVec
	ledgerFailures   *prometheus.CounterVec
	guardViolations  *prometheus.CounterVec
	backfillRows     *prometheus.CounterVec
	backfillDuration *prometheus.HistogramVec
	cacheRecomputes  *prometheus.CounterVec
	cacheAnomalies   prometheus.Counter
	outboxDispatch   *prometheus.CounterVec
	outboxPending    prometheus.Gauge
	flagTransitions  *prometheus.CounterVec
	debtReads        *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

// NewLedgerMetricsForTest builds an instance bound to a private registry.
func NewLedgerMetricsForTest(registerer prometheus.Registerer) *LedgerMetrics {
	return newLedgerMetrics(registerer, Config{ServiceName: "allocledger", Environment: "test"})
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "allocledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_allocation_steps_total",
		Help:        "Allocation steps applied, by origin method and write mode.",
		ConstLabels: constLabels,
	}, []string{"method", "mode"})
	ledgerFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_ledger_insert_failures_total",
		Help:        "Ledger line inserts that failed, by write mode and reason.",
		ConstLabels: constLabels,
	}, []string{"mode", "reason"})
	guardViolations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_guard_violations_total",
		Help:        "Payment or invoice ceiling breaches detected by runtime guards.",
		ConstLabels: constLabels,
	}, []string{"side", "guard"})
	backfillRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_backfill_rows_total",
		Help:        "Backfill rows by run mode and outcome.",
		ConstLabels: constLabels,
	}, []string{"mode", "outcome"})
	backfillDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "allocledger_backfill_batch_duration_seconds",
		Help:        "Backfill batch latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"mode"})
	cacheRecomputes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_balance_cache_recomputes_total",
		Help:        "Balance cache recomputes by derived status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	cacheAnomalies := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "allocledger_balance_cache_anomalies_total",
		Help:        "Invoices whose ledger total exceeded the invoice amount on recompute.",
		ConstLabels: constLabels,
	})
	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_outbox_dispatch_total",
		Help:        "Outbox events handled, by event type and outcome.",
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})
	outboxPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "allocledger_outbox_pending",
		Help:        "Unpublished outbox events seen by the last dispatcher pass.",
		ConstLabels: constLabels,
	})
	flagTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_flag_transitions_total",
		Help:        "Accepted flag transitions.",
		ConstLabels: constLabels,
	}, []string{"flag", "from", "to"})
	debtReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allocledger_debt_reads_total",
		Help:        "Representative debt reads by serving source.",
		ConstLabels: constLabels,
	}, []string{"source"})

	registerer.MustRegister(
		steps,
		ledgerFailures,
		guardViolations,
		backfillRows,
		backfillDuration,
		cacheRecomputes,
		cacheAnomalies,
		outboxDispatch,
		outboxPending,
		flagTransitions,
		debtReads,
	)

	return &LedgerMetrics{
		steps:            steps,
		ledgerFailures:   ledgerFailures,
		guardViolations:  guardViolations,
		backfillRows:     backfillRows,
		backfillDuration: backfillDuration,
		cacheRecomputes:  cacheRecomputes,
		cacheAnomalies:   cacheAnomalies,
		outboxDispatch:   outboxDispatch,
		outboxPending:    outboxPending,
		flagTransitions:  flagTransitions,
		debtReads:        debtReads,
	}
}

func (m *LedgerMetrics) IncStep(method, mode string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(method, mode).Inc()
}

func (m *LedgerMetrics) IncLedgerFailure(mode string, err error) {
	if m == nil || err == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(mode, ClassifyErrorReason(err)).Inc()
}

func (m *LedgerMetrics) IncGuardViolation(side, guard string) {
	if m == nil {
		return
	}
	m.guardViolations.WithLabelValues(side, guard).Inc()
}

func (m *LedgerMetrics) AddBackfillRows(mode, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.backfillRows.WithLabelValues(mode, outcome).Add(float64(count))
}

func (m *LedgerMetrics) ObserveBackfillBatch(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backfillDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *LedgerMetrics) IncCacheRecompute(status string) {
	if m == nil {
		return
	}
	m.cacheRecomputes.WithLabelValues(status).Inc()
}

func (m *LedgerMetrics) IncCacheAnomaly() {
	if m == nil {
		return
	}
	m.cacheAnomalies.Inc()
}

func (m *LedgerMetrics) IncOutboxDispatch(eventType, outcome string) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(eventType, outcome).Inc()
}

func (m *LedgerMetrics) SetOutboxPending(count int64) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(count))
}

func (m *LedgerMetrics) IncFlagTransition(flag, from, to string) {
	if m == nil {
		return
	}
	m.flagTransitions.WithLabelValues(flag, from, to).Inc()
}

func (m *LedgerMetrics) IncDebtRead(source string) {
	if m == nil {
		return
	}
	m.debtReads.WithLabelValues(source).Inc()
}

// ClassifyErrorReason maps store errors to low-cardinality reasons.
func ClassifyErrorReason(err error) string {
	if err == nil {
		return ErrorReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ErrorReasonUniqueViolation
	}
	if hasPGCode(err, "40001") {
		return ErrorReasonSerializationFailure
	}
	if hasPGCode(err, "55P03") {
		return ErrorReasonLockTimeout
	}
	return ErrorReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		return pgErr.Code == code
	}
	return false
}
