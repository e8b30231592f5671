package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	balancerepo "github.com/smallbiznis/allocledger/internal/balance/repository"
	balanceservice "github.com/smallbiznis/allocledger/internal/balance/service"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	billingrepo "github.com/smallbiznis/allocledger/internal/billing/repository"
	"github.com/smallbiznis/allocledger/internal/cache"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	"github.com/smallbiznis/allocledger/internal/events"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	fixtures "github.com/smallbiznis/allocledger/internal/testutil"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const rep snowflake.ID = 501

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	flags      *fixtures.Flags
	seed       *fixtures.Seeder
	svc        *Service
	balance    balancedomain.Service
	billing    billingdomain.Repository
	debts      cache.DebtCache
	outbox     *events.Outbox
	dispatcher *events.Dispatcher
	reg        *prometheus.Registry
}

func newFixture(t *testing.T, states map[flagsdomain.Name]flagsdomain.State) fixture {
	t.Helper()
	conn := fixtures.NewDB(t)
	node := fixtures.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := obsmetrics.NewLedgerMetricsForTest(reg)
	cfg := config.Config{Allocation: config.AllocationConfig{CanaryPercent: 50, DebtCacheTTL: time.Minute}}

	balance := balanceservice.NewService(balanceservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Repo:    balancerepo.Provide(),
		Clock:   clk,
		Metrics: metrics,
	})
	flags := fixtures.NewFlags(states)
	debts := cache.NewDebtCache(cfg)
	billing := billingrepo.Provide()
	outbox := events.NewOutbox(node, clk)
	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Config:  cfg,
		Repo:    repository.Provide(),
		Billing: billing,
		Flags:   flags,
		Balance: balance,
		Clock:   clk,
		Outbox:  outbox,
		Debts:   debts,
		Metrics: metrics,
	})
	dispatcher := events.NewDispatcher(events.DispatcherParams{DB: conn, Log: zap.NewNop(), Config: cfg, Clock: clk})
	dispatcher.Register(events.EventRepresentativeResync, svc.HandleResync)
	dispatcher.Register(events.EventBalanceRecompute, svc.HandleResync)

	return fixture{
		db:         conn,
		clock:      clk,
		flags:      flags,
		seed:       fixtures.NewSeeder(t, conn, node),
		svc:        svc,
		balance:    balance,
		billing:    billing,
		debts:      debts,
		outbox:     outbox,
		dispatcher: dispatcher,
		reg:        reg,
	}
}

func shadow() map[flagsdomain.Name]flagsdomain.State {
	return map[flagsdomain.Name]flagsdomain.State{flagsdomain.FlagDualWrite: flagsdomain.StateShadow}
}

func (f fixture) payment(t *testing.T, id snowflake.ID) billingdomain.Payment {
	t.Helper()
	payment, err := f.billing.FindPayment(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, payment)
	return *payment
}

func (f fixture) metricSeries(t *testing.T, name string) int {
	t.Helper()
	count, err := testutil.GatherAndCount(f.reg, name)
	require.NoError(t, err)
	return count
}

func TestAllocateFullLegacyOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 1000)

	result, err := f.svc.AllocateFull(ctx, payment.ID, invoice.ID, "ops")
	require.NoError(t, err)
	assert.True(t, result.LegacyUpdated)
	assert.False(t, result.LedgerInserted)
	assert.Equal(t, flagsdomain.StateOff, result.Mode)

	stored := f.payment(t, payment.ID)
	assert.True(t, stored.AllocatedTo(invoice.ID))
	assert.Zero(t, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
}

func TestAllocateFullShadowWritesLedgerAndCache(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 400)

	result, err := f.svc.AllocateFull(ctx, payment.ID, invoice.ID, "ops")
	require.NoError(t, err)
	assert.True(t, result.LegacyUpdated)
	assert.True(t, result.LedgerInserted)

	lines, err := f.svc.LinesForPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, domain.AllocationKey(payment.ID, invoice.ID, 0), lines[0].IdempotencyKey)
	assert.Equal(t, domain.MethodManual, lines[0].Method)
	assert.False(t, lines[0].Synthetic)

	entry, err := f.balance.Get(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, balancedomain.StatusPartial, entry.StatusCached)
	assert.Equal(t, int64(600), entry.RemainingAmount)
}

func TestAllocateFullAlreadyAllocatedIsNoop(t *testing.T) {
	f := newFixture(t, shadow())
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.AllocatedPayment(rep, invoice.ID, 300)

	result, err := f.svc.AllocateFull(context.Background(), payment.ID, invoice.ID, "ops")
	require.NoError(t, err)
	assert.False(t, result.LegacyUpdated)
	assert.Contains(t, result.Messages, "payment already allocated")
	assert.Zero(t, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
}

func TestAllocateFullMissingRows(t *testing.T) {
	f := newFixture(t, nil)
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 100)

	_, err := f.svc.AllocateFull(context.Background(), snowflake.ID(1), invoice.ID, "ops")
	assert.ErrorIs(t, err, billingdomain.ErrPaymentNotFound)

	_, err = f.svc.AllocateFull(context.Background(), payment.ID, snowflake.ID(1), "ops")
	assert.ErrorIs(t, err, billingdomain.ErrInvoiceNotFound)
}

func TestShadowModeSwallowsLedgerFailure(t *testing.T) {
	f := newFixture(t, shadow())
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 1000)
	require.NoError(t, f.db.Exec(`DROP TABLE payment_allocations`).Error)

	result, err := f.svc.AllocateFull(context.Background(), payment.ID, invoice.ID, "ops")
	require.NoError(t, err)
	assert.True(t, result.LegacyUpdated)
	assert.False(t, result.LedgerInserted)
	require.NotEmpty(t, result.Messages)
	assert.True(t, strings.HasPrefix(result.Messages[0], "ledger write skipped"))

	assert.True(t, f.payment(t, payment.ID).IsAllocated)
	assert.Equal(t, 1, f.metricSeries(t, "allocledger_ledger_insert_failures_total"))
	// the cache recompute also fails and is queued for retry
	assert.Equal(t, int64(1), fixtures.Count(t, f.db,
		`SELECT COUNT(*) FROM allocation_events WHERE event_type = ?`, events.EventBalanceRecompute))
}

func TestEnforceModeAbortsOnLedgerFailure(t *testing.T) {
	f := newFixture(t, map[flagsdomain.Name]flagsdomain.State{flagsdomain.FlagDualWrite: flagsdomain.StateEnforce})
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 1000)
	require.NoError(t, f.db.Exec(`DROP TABLE payment_allocations`).Error)

	_, err := f.svc.AllocateFull(context.Background(), payment.ID, invoice.ID, "ops")
	require.Error(t, err)
	assert.False(t, f.payment(t, payment.ID).IsAllocated)
}

func TestGuardEnforceRejectsOverAllocation(t *testing.T) {
	f := newFixture(t, map[flagsdomain.Name]flagsdomain.State{
		flagsdomain.FlagDualWrite:     flagsdomain.StateEnforce,
		flagsdomain.FlagRuntimeGuards: flagsdomain.StateEnforce,
	})
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	first := f.seed.Payment(rep, 80)
	second := f.seed.Payment(rep, 50)

	_, err := f.svc.AllocateFull(ctx, first.ID, invoice.ID, "ops")
	require.NoError(t, err)

	_, err = f.svc.AllocateFull(ctx, second.ID, invoice.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrOverAllocation)
	assert.False(t, f.payment(t, second.ID).IsAllocated)
	assert.Equal(t, int64(1), fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
	assert.Equal(t, 1, f.metricSeries(t, "allocledger_guard_violations_total"))
}

func TestGuardEnforceUsesLegacyTotalsBeforeEnforceWrites(t *testing.T) {
	f := newFixture(t, map[flagsdomain.Name]flagsdomain.State{flagsdomain.FlagRuntimeGuards: flagsdomain.StateEnforce})
	invoice := f.seed.Invoice(rep, 100, 0)
	f.seed.AllocatedPayment(rep, invoice.ID, 80)
	payment := f.seed.Payment(rep, 50)

	_, err := f.svc.AllocateFull(context.Background(), payment.ID, invoice.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrOverAllocation)
}

func TestGuardWarnAllowsAndReports(t *testing.T) {
	f := newFixture(t, map[flagsdomain.Name]flagsdomain.State{
		flagsdomain.FlagDualWrite:     flagsdomain.StateShadow,
		flagsdomain.FlagRuntimeGuards: flagsdomain.StateWarn,
	})
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	first := f.seed.Payment(rep, 80)
	second := f.seed.Payment(rep, 50)

	_, err := f.svc.AllocateFull(ctx, first.ID, invoice.ID, "ops")
	require.NoError(t, err)
	result, err := f.svc.AllocateFull(ctx, second.ID, invoice.ID, "ops")
	require.NoError(t, err)
	assert.Contains(t, result.Messages, "guard warning: over-allocation on invoice")

	entry, err := f.balance.Get(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, balancedomain.StatusAnomaly, entry.StatusCached)
}

func TestApplyStepReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	payment := f.seed.Payment(rep, 100)
	payment.IsAllocated = true
	payment.InvoiceID = &invoice.ID
	step := domain.Step{Payment: payment, Invoice: invoice, Amount: 100, Origin: domain.Auto{}}
	snap := f.flags.Snapshot()

	var first, second domain.StepResult
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = f.svc.ApplyStep(ctx, tx, snap, step)
		if err != nil {
			return err
		}
		second, err = f.svc.ApplyStep(ctx, tx, snap, step)
		return err
	}))
	assert.True(t, first.LedgerInserted)
	assert.True(t, second.Replayed)
	assert.False(t, second.LedgerInserted)
	assert.Equal(t, int64(1), fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
}

func TestApplyStepValidatesInput(t *testing.T) {
	f := newFixture(t, shadow())
	invoice := f.seed.Invoice(rep, 100, 0)
	payment := f.seed.Payment(snowflake.ID(999), 100)
	snap := f.flags.Snapshot()

	_, err := f.svc.ApplyStep(context.Background(), f.db, snap, domain.Step{Payment: payment, Invoice: invoice, Amount: 0, Origin: domain.Manual{}})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.ApplyStep(context.Background(), f.db, snap, domain.Step{Payment: payment, Invoice: invoice, Amount: 10, Origin: domain.Manual{}})
	assert.ErrorIs(t, err, domain.ErrRepresentativeMismatch)

	_, err = f.svc.ApplyStep(context.Background(), f.db, snap, domain.Step{Payment: payment, Invoice: invoice, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidOrigin)
}

func TestReversalAdvancesKeyGeneration(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	payment := f.seed.Payment(rep, 100)

	_, err := f.svc.AllocateFull(ctx, payment.ID, invoice.ID, "ops")
	require.NoError(t, err)

	stored := f.payment(t, payment.ID)
	snap := f.flags.Snapshot()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		result, err := f.svc.ApplyReversal(ctx, tx, snap, domain.Reversal{PaymentID: payment.ID, InvoiceID: invoice.ID, PerformedBy: "ops", Reason: "wrong invoice"})
		if err != nil {
			return err
		}
		assert.True(t, result.LedgerInserted)

		again, err := f.svc.ApplyReversal(ctx, tx, snap, domain.Reversal{PaymentID: payment.ID, InvoiceID: invoice.ID})
		if err != nil {
			return err
		}
		assert.False(t, again.LedgerInserted)
		assert.Contains(t, again.Messages, "no ledger amount to reverse")

		step, err := f.svc.ApplyStep(ctx, tx, snap, domain.Step{Payment: stored, Invoice: invoice, Amount: 100, Origin: domain.Manual{}})
		if err != nil {
			return err
		}
		assert.True(t, step.LedgerInserted)
		return nil
	}))

	lines, err := f.svc.LinesForInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	keys := []string{lines[0].IdempotencyKey, lines[1].IdempotencyKey, lines[2].IdempotencyKey}
	assert.ElementsMatch(t, []string{
		domain.AllocationKey(payment.ID, invoice.ID, 0),
		domain.ReversalKey(payment.ID, invoice.ID, 0),
		domain.AllocationKey(payment.ID, invoice.ID, 1),
	}, keys)
}

func TestReversalWithLedgerOffWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.svc.ApplyReversal(context.Background(), f.db, f.flags.Snapshot(), domain.Reversal{PaymentID: 1, InvoiceID: 2})
	require.NoError(t, err)
	assert.False(t, result.LedgerInserted)
}

func TestCalculateDebtFollowsReadSwitch(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	a := f.seed.Invoice(rep, 300, 0)
	f.seed.Invoice(rep, 200, 1)
	payment := f.seed.Payment(rep, 300)
	_, err := f.svc.AllocateFull(ctx, payment.ID, a.ID, "ops")
	require.NoError(t, err)

	debt, err := f.svc.CalculateDebt(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, domain.DebtSourceLegacy, debt.Source)
	assert.Equal(t, int64(500), debt.TotalInvoiced)
	assert.Equal(t, int64(200), debt.Outstanding)

	f.flags.Set(flagsdomain.FlagReadSwitch, flagsdomain.StateFull)
	debt, err = f.svc.CalculateDebt(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, domain.DebtSourceCache, debt.Source)
	assert.Equal(t, int64(300), debt.TotalAllocated)
	assert.Equal(t, int64(200), debt.Outstanding)

	memo, ok := f.debts.Get(rep)
	require.True(t, ok)
	assert.Equal(t, domain.DebtSourceCache, memo.Source)

	f.flags.Set(flagsdomain.FlagReadSwitch, flagsdomain.StateCanary)
	debt, err = f.svc.CalculateDebt(ctx, rep)
	require.NoError(t, err)
	expected := domain.DebtSourceLegacy
	if domain.CanaryBucket(rep, 50) {
		expected = domain.DebtSourceCache
	}
	assert.Equal(t, expected, debt.Source)
}

func TestShadowReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Shadow(ctx)
	assert.ErrorIs(t, err, domain.ErrShadowDisabled)

	f.flags.Set(flagsdomain.FlagDualWrite, flagsdomain.StateShadow)
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 300)
	_, err = f.svc.AllocateFull(ctx, payment.ID, invoice.ID, "ops")
	require.NoError(t, err)
	f.seed.AllocatedPayment(rep, invoice.ID, 100)

	report, err := f.svc.Shadow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(400), report.LegacyAllocatedSum)
	assert.Equal(t, int64(2), report.LegacyAllocatedCount)
	assert.Equal(t, int64(300), report.LedgerAllocatedSum)
	assert.Equal(t, int64(1), report.LedgerAllocatedCount)
	assert.Equal(t, int64(100), report.DiffAbs)
	assert.InDelta(t, 0.25, report.DiffRatio, 1e-9)
	assert.Len(t, report.Recent, 1)
}

func TestListLinesRequiresVisibilityAndPaginates(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	_, err := f.svc.ListLines(ctx, domain.ListLinesRequest{})
	assert.ErrorIs(t, err, domain.ErrFeatureDisabled)

	f.flags.Set(flagsdomain.FlagUsageVisibility, flagsdomain.StateOn)
	for i := 0; i < 3; i++ {
		invoice := f.seed.Invoice(rep, 100, i)
		payment := f.seed.Payment(rep, 100)
		_, err := f.svc.AllocateFull(ctx, payment.ID, invoice.ID, "ops")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	page, err := f.svc.ListLines(ctx, domain.ListLinesRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Lines, 2)
	assert.True(t, page.PageInfo.HasMore)
	assert.True(t, page.Lines[0].CreatedAt.After(page.Lines[1].CreatedAt))

	next, err := f.svc.ListLines(ctx, domain.ListLinesRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: page.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, next.Lines, 1)
	assert.False(t, next.PageInfo.HasMore)

	method := domain.MethodAuto
	filtered, err := f.svc.ListLines(ctx, domain.ListLinesRequest{Method: &method})
	require.NoError(t, err)
	assert.Empty(t, filtered.Lines)

	other := snowflake.ID(1)
	filtered, err = f.svc.ListLines(ctx, domain.ListLinesRequest{RepresentativeID: &other})
	require.NoError(t, err)
	assert.Empty(t, filtered.Lines)

	_, err = f.svc.ListLines(ctx, domain.ListLinesRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

func TestResyncHandlerRecomputesAndInvalidates(t *testing.T) {
	f := newFixture(t, shadow())
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	f.debts.Set(rep, domain.Debt{RepresentativeID: rep, Outstanding: 1})

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.outbox.PublishTx(ctx, tx, events.Message{
			Type: events.EventRepresentativeResync,
			Payload: events.ResyncPayload{
				RepresentativeID: rep,
				InvoiceIDs:       []snowflake.ID{invoice.ID, snowflake.ID(12345)},
			},
		})
		return err
	}))

	stats, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)

	entry, err := f.balance.Get(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, balancedomain.StatusUnpaid, entry.StatusCached)

	_, ok := f.debts.Get(rep)
	assert.False(t, ok)
}
