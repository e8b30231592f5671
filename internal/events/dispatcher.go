package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxBackoff      = 10 * time.Minute
	errorSummaryMax = 256
)

type DispatcherParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Clock   clock.Clock               `optional:"true"`
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// Dispatcher drains the outbox: it claims due events, runs the registered
// handler, and either marks them published or schedules a retry.
type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.LedgerMetrics

	interval    time.Duration
	batchSize   int
	maxAttempts int
	baseBackoff time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	cfg := p.Config.Outbox
	d := &Dispatcher{
		db:          p.DB,
		log:         p.Log.Named("events.dispatcher"),
		clock:       clk,
		metrics:     p.Metrics,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		handlers:    make(map[string]Handler),
	}
	if d.interval <= 0 {
		d.interval = 2 * time.Second
	}
	if d.batchSize <= 0 {
		d.batchSize = 50
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 8
	}
	if d.baseBackoff <= 0 {
		d.baseBackoff = time.Second
	}
	return d
}

func (d *Dispatcher) Register(eventType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

func (d *Dispatcher) handler(eventType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// RunForever polls until ctx is cancelled.
func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("outbox pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes at most one batch of due events.
func (d *Dispatcher) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats

	ids, err := d.dueIDs(ctx)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		outcome, err := d.process(ctx, id)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case "":
			continue
		case obsmetrics.OutboxOutcomePublished:
			stats.Published++
		case obsmetrics.OutboxOutcomeRetry:
			stats.Retried++
		case obsmetrics.OutboxOutcomeParked:
			stats.Parked++
		}
		stats.Claimed++
	}

	if pending, err := d.Stats(ctx); err == nil {
		d.metrics.SetOutboxPending(pending.Pending)
	}
	return stats, nil
}

func (d *Dispatcher) dueIDs(ctx context.Context) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := d.db.WithContext(ctx).Raw(
		`SELECT id FROM allocation_events
		 WHERE published = ? AND attempts < ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		false,
		d.maxAttempts,
		d.clock.Now(),
		d.batchSize,
	).Scan(&ids).Error
	return ids, err
}

// process claims one event with SKIP LOCKED so concurrent dispatchers never
// run the same handler twice. An empty outcome means another worker won.
func (d *Dispatcher) process(ctx context.Context, id snowflake.ID) (string, error) {
	var (
		event      Event
		handlerErr error
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND published = ?", id, false).
			Limit(1).
			Find(&event)
		if res.Error != nil {
			return res.Error
		}
		if event.ID == 0 {
			return nil
		}

		handler, ok := d.handler(event.EventType)
		if !ok {
			handlerErr = fmt.Errorf("%w: %s", ErrNoHandler, event.EventType)
			return handlerErr
		}

		if err := handler(ctx, tx, event); err != nil {
			handlerErr = err
			return err
		}

		now := d.clock.Now()
		return tx.Exec(
			`UPDATE allocation_events
			 SET published = ?, published_at = ?, attempts = attempts + 1, last_error = NULL
			 WHERE id = ?`,
			true, now, event.ID,
		).Error
	})

	if event.ID == 0 {
		return "", err
	}
	if handlerErr == nil {
		if err != nil {
			return "", err
		}
		d.metrics.IncOutboxDispatch(event.EventType, obsmetrics.OutboxOutcomePublished)
		return obsmetrics.OutboxOutcomePublished, nil
	}

	return d.recordFailure(ctx, event, handlerErr)
}

func (d *Dispatcher) recordFailure(ctx context.Context, event Event, cause error) (string, error) {
	attempts := event.Attempts + 1
	next := d.clock.Now().Add(d.backoff(attempts))
	summary := errorSummary(cause)

	if err := d.db.WithContext(ctx).Exec(
		`UPDATE allocation_events
		 SET attempts = ?, last_error = ?, next_attempt_at = ?
		 WHERE id = ? AND published = ?`,
		attempts, summary, next, event.ID, false,
	).Error; err != nil {
		return "", err
	}

	outcome := obsmetrics.OutboxOutcomeRetry
	if attempts >= d.maxAttempts {
		outcome = obsmetrics.OutboxOutcomeParked
		d.log.Error("outbox event parked",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempts),
			zap.String("error", summary),
		)
	} else {
		d.log.Warn("outbox event failed",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(cause),
		)
	}
	d.metrics.IncOutboxDispatch(event.EventType, outcome)
	return outcome, nil
}

// backoff doubles from baseBackoff per attempt, capped at maxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := d.db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN published = ? AND attempts < ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN published = ? AND attempts >= ? THEN 1 ELSE 0 END), 0) AS parked,
			COALESCE(SUM(CASE WHEN published = ? THEN 1 ELSE 0 END), 0) AS published
		 FROM allocation_events`,
		false, d.maxAttempts,
		false, d.maxAttempts,
		true,
	).Scan(&stats).Error
	return stats, err
}

// Recent lists the newest events, optionally only those that have failed.
func (d *Dispatcher) Recent(ctx context.Context, limit int, failedOnly bool) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	stmt := d.db.WithContext(ctx).Model(&Event{})
	if failedOnly {
		stmt = stmt.Where("published = ? AND last_error IS NOT NULL", false)
	}
	var items []Event
	if err := stmt.Order("created_at DESC, id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Retry makes a parked or failing event due immediately with a fresh budget.
func (d *Dispatcher) Retry(ctx context.Context, id snowflake.ID) error {
	res := d.db.WithContext(ctx).Exec(
		`UPDATE allocation_events
		 SET attempts = 0, next_attempt_at = ?
		 WHERE id = ? AND published = ?`,
		d.clock.Now(), id, false,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func errorSummary(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "deadline exceeded: " + msg
	}
	if len(msg) > errorSummaryMax {
		return msg[:errorSummaryMax]
	}
	return msg
}
