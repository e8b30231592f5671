package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"github.com/smallbiznis/allocledger/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	outbox     *Outbox
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	conn := db.NewTest(t, &Event{})
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{Outbox: config.OutboxConfig{
		Enabled:     true,
		Interval:    time.Second,
		BatchSize:   10,
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Second,
	}}
	d := NewDispatcher(DispatcherParams{
		DB:      conn,
		Log:     zap.NewNop(),
		Config:  cfg,
		Clock:   clk,
		Metrics: obsmetrics.NewLedgerMetricsForTest(prometheus.NewRegistry()),
	})
	return fixture{db: conn, clock: clk, outbox: NewOutbox(node, clk), dispatcher: d}
}

func TestPublishTxDedupes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	msg := Message{Type: EventBalanceRecompute, DedupeKey: "recompute:1", Payload: ResyncPayload{InvoiceIDs: []snowflake.ID{1}}}
	inserted, err := f.outbox.PublishTx(ctx, f.db, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = f.outbox.PublishTx(ctx, f.db, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = f.outbox.PublishTx(ctx, f.db, Message{Type: EventBalanceRecompute, Payload: ResyncPayload{}})
	require.NoError(t, err)
	_, err = f.outbox.PublishTx(ctx, f.db, Message{Type: EventBalanceRecompute, Payload: ResyncPayload{}})
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&Event{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	_, err = f.outbox.PublishTx(ctx, f.db, Message{Type: " "})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRunOncePublishesAndDecodes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var seen []ResyncPayload
	f.dispatcher.Register(EventRepresentativeResync, func(ctx context.Context, tx *gorm.DB, event Event) error {
		payload, err := DecodeResync(event)
		if err != nil {
			return err
		}
		seen = append(seen, payload)
		return nil
	})

	_, err := f.outbox.PublishTx(ctx, f.db, Message{
		Type:    EventRepresentativeResync,
		Payload: ResyncPayload{RepresentativeID: 7, InvoiceIDs: []snowflake.ID{11, 12}},
	})
	require.NoError(t, err)

	stats, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
	require.Len(t, seen, 1)
	assert.Equal(t, snowflake.ID(7), seen[0].RepresentativeID)
	assert.Equal(t, []snowflake.ID{11, 12}, seen[0].InvoiceIDs)

	summary, err := f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Pending)
	assert.Equal(t, int64(1), summary.Published)

	stats, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
}

func TestFailedHandlerBacksOffThenParks(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.dispatcher.Register(EventBalanceRecompute, func(ctx context.Context, tx *gorm.DB, event Event) error {
		if err := tx.Exec("UPDATE allocation_events SET event_type = ? WHERE id = ?", "mutated", event.ID).Error; err != nil {
			return err
		}
		return errors.New("cache store unavailable")
	})

	_, err := f.outbox.PublishTx(ctx, f.db, Message{Type: EventBalanceRecompute, Payload: ResyncPayload{InvoiceIDs: []snowflake.ID{1}}})
	require.NoError(t, err)

	stats, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	var event Event
	require.NoError(t, f.db.First(&event).Error)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, EventBalanceRecompute, event.EventType, "handler writes must roll back")
	require.NotNil(t, event.LastError)
	assert.Equal(t, "cache store unavailable", *event.LastError)
	assert.True(t, event.NextAttemptAt.After(f.clock.Now()))

	stats, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed, "event is not due before backoff elapses")

	f.clock.Advance(2 * time.Second)
	stats, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)

	summary, err := f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Parked)
	assert.Equal(t, int64(0), summary.Pending)

	failed, err := f.dispatcher.Recent(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, f.dispatcher.Retry(ctx, failed[0].ID))
	summary, err = f.dispatcher.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Pending)

	assert.ErrorIs(t, f.dispatcher.Retry(ctx, 999), ErrEventNotFound)
}

func TestMissingHandlerRetries(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.outbox.PublishTx(ctx, f.db, Message{Type: "unknown.event", Payload: map[string]any{}})
	require.NoError(t, err)

	stats, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
}

func TestBackoffIsCapped(t *testing.T) {
	f := newFixture(t, 3)
	assert.Equal(t, time.Second, f.dispatcher.backoff(1))
	assert.Equal(t, 4*time.Second, f.dispatcher.backoff(3))
	assert.Equal(t, maxBackoff, f.dispatcher.backoff(40))
}

func TestErrorSummaryTruncates(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, errorSummary(errors.New(string(long))), errorSummaryMax)
	assert.Equal(t, "", errorSummary(nil))
}
