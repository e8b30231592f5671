package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/allocledger/internal/backfill/domain"
	"github.com/smallbiznis/allocledger/internal/backfill/repository"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	balancerepo "github.com/smallbiznis/allocledger/internal/balance/repository"
	balanceservice "github.com/smallbiznis/allocledger/internal/balance/service"
	billingrepo "github.com/smallbiznis/allocledger/internal/billing/repository"
	"github.com/smallbiznis/allocledger/internal/config"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	ledgerrepo "github.com/smallbiznis/allocledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/allocledger/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	fixtures "github.com/smallbiznis/allocledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const rep snowflake.ID = 900

type fixture struct {
	db      *gorm.DB
	flags   *fixtures.Flags
	seed    *fixtures.Seeder
	ledger  *ledgerservice.Service
	balance balancedomain.Service
	svc     domain.Service
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, backfill flagsdomain.State) fixture {
	t.Helper()
	conn := fixtures.NewDB(t)
	node := fixtures.NewNode(t)
	reg := prometheus.NewRegistry()
	metrics := obsmetrics.NewLedgerMetricsForTest(reg)
	cfg := config.Config{Backfill: config.BackfillConfig{BatchSize: 3, DryRunSampleCap: 5}}

	flags := fixtures.NewFlags(map[flagsdomain.Name]flagsdomain.State{
		flagsdomain.FlagDualWrite: flagsdomain.StateShadow,
		flagsdomain.FlagBackfill:  backfill,
	})
	balance := balanceservice.NewService(balanceservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Repo:    balancerepo.Provide(),
		Metrics: metrics,
	})
	billing := billingrepo.Provide()
	lines := ledgerrepo.Provide()
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Config:  cfg,
		Repo:    lines,
		Billing: billing,
		Flags:   flags,
		Balance: balance,
		Metrics: metrics,
	})
	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Config:  cfg,
		Repo:    repository.Provide(),
		Billing: billing,
		Ledger:  ledger,
		Lines:   lines,
		Balance: balance,
		Flags:   flags,
		Metrics: metrics,
	})

	return fixture{
		db:      conn,
		flags:   flags,
		seed:    fixtures.NewSeeder(t, conn, node),
		ledger:  ledger,
		balance: balance,
		svc:     svc,
		reg:     reg,
	}
}

func (f fixture) seedLegacy(t *testing.T, n int) []snowflake.ID {
	t.Helper()
	ids := make([]snowflake.ID, 0, n)
	for i := 0; i < n; i++ {
		invoice := f.seed.Invoice(rep, 1000, i)
		ids = append(ids, f.seed.AllocatedPayment(rep, invoice.ID, 1000).ID)
	}
	return ids
}

func TestDryRunCountsOnlyUnmigratedPayments(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	ctx := context.Background()

	f.seedLegacy(t, 3)
	migrated, err := f.svc.Active(ctx, domain.ActiveRequest{})
	require.NoError(t, err)
	require.Equal(t, 3, migrated.Inserted)

	f.seedLegacy(t, 10)
	f.flags.Set(flagsdomain.FlagBackfill, flagsdomain.StateReadOnly)
	before := fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`)

	result, err := f.svc.DryRun(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 10, result.CandidateCount)
	assert.EqualValues(t, 10, result.WithInvoice)
	assert.Len(t, result.Sample, 5)
	assert.Equal(t, flagsdomain.StateReadOnly, result.State)
	assert.Equal(t, before, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
}

func TestBackfillRejectsWrongState(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	ctx := context.Background()

	_, err := f.svc.DryRun(ctx, 10)
	assert.ErrorIs(t, err, domain.ErrBackfillState)

	f.flags.Set(flagsdomain.FlagBackfill, flagsdomain.StateReadOnly)
	_, err = f.svc.Active(ctx, domain.ActiveRequest{})
	assert.ErrorIs(t, err, domain.ErrBackfillState)
	_, err = f.svc.DistributePartialOrphans(ctx, domain.OrphanRequest{})
	assert.ErrorIs(t, err, domain.ErrBackfillState)

	f.flags.Set(flagsdomain.FlagBackfill, flagsdomain.StateActive)
	f.flags.Set(flagsdomain.FlagDualWrite, flagsdomain.StateOff)
	_, err = f.svc.Active(ctx, domain.ActiveRequest{})
	assert.ErrorIs(t, err, domain.ErrWritesDisabled)
}

func TestActiveBackfillIsIdempotent(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	ctx := context.Background()
	ids := f.seedLegacy(t, 7)

	first, err := f.svc.Active(ctx, domain.ActiveRequest{})
	require.NoError(t, err)
	assert.Equal(t, 7, first.Inserted)
	assert.Equal(t, 3, first.Batches)

	for _, id := range ids {
		assert.EqualValues(t, 1, fixtures.Count(t, f.db,
			`SELECT COUNT(*) FROM payment_allocations WHERE payment_id = ? AND method = 'backfill' AND synthetic = ?`, id, true))
	}

	second, err := f.svc.Active(ctx, domain.ActiveRequest{})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Zero(t, second.Failed)
	assert.EqualValues(t, 7, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))

	rows, err := testutil.GatherAndCount(f.reg, "allocledger_backfill_rows_total")
	require.NoError(t, err)
	assert.Positive(t, rows)
}

func TestActiveBackfillHonoursMaxBatches(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	f.seedLegacy(t, 7)

	result, err := f.svc.Active(context.Background(), domain.ActiveRequest{BatchSize: 2, MaxBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 2, result.Inserted)
}

func TestActiveBackfillSkipsLinesThatOverAllocateInvoice(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	ctx := context.Background()

	invoice := f.seed.Invoice(rep, 1000, 0)
	allocated := f.seed.Payment(rep, 800)
	_, err := f.ledger.AllocateFull(ctx, allocated.ID, invoice.ID, "ops")
	require.NoError(t, err)
	legacy := f.seed.AllocatedPayment(rep, invoice.ID, 500)

	result, err := f.svc.Active(ctx, domain.ActiveRequest{})
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations WHERE payment_id = ?`, legacy.ID))
}

func TestDistributePartialOrphans(t *testing.T) {
	f := newFixture(t, flagsdomain.StateActive)
	ctx := context.Background()

	older := f.seed.Invoice(rep, 300, 0)
	newer := f.seed.Invoice(rep, 500, 5)
	first := f.seed.OrphanPayment(rep, 600)
	f.seed.OrphanPayment(rep, 400)

	result, err := f.svc.DistributePartialOrphans(ctx, domain.OrphanRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Representatives)
	assert.Equal(t, 2, result.Payments)
	assert.Equal(t, 3, result.Lines)
	assert.EqualValues(t, 200, result.Unplaced)
	assert.Equal(t, 2, result.TouchedInvoices)

	assert.EqualValues(t, 1, fixtures.Count(t, f.db,
		`SELECT COUNT(*) FROM payment_allocations WHERE payment_id = ? AND invoice_id = ? AND allocated_amount = 300 AND from_orphan = ?`, first.ID, older.ID, true))

	entry, err := f.balance.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, entry.AllocatedTotal)
	assert.Zero(t, entry.RemainingAmount)

	again, err := f.svc.DistributePartialOrphans(ctx, domain.OrphanRequest{})
	require.NoError(t, err)
	assert.Zero(t, again.Lines)
	assert.EqualValues(t, 200, again.Unplaced)
	assert.EqualValues(t, 3, fixtures.Count(t, f.db, `SELECT COUNT(*) FROM payment_allocations`))
}
