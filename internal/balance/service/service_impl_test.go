package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/allocledger/internal/balance/domain"
	"github.com/smallbiznis/allocledger/internal/balance/repository"
	"github.com/smallbiznis/allocledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	fixtures "github.com/smallbiznis/allocledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const rep snowflake.ID = 42

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	seed *fixtures.Seeder
	svc  domain.Service
	reg  *prometheus.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := fixtures.NewDB(t)
	node := fixtures.NewNode(t)
	reg := prometheus.NewRegistry()
	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Repo:    repository.Provide(),
		Clock:   clock.NewFakeClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		Metrics: obsmetrics.NewLedgerMetricsForTest(reg),
	})
	return fixture{db: conn, node: node, seed: fixtures.NewSeeder(t, conn, node), svc: svc, reg: reg}
}

func (f fixture) line(t *testing.T, paymentID, invoiceID snowflake.ID, amount int64, kind ledgerdomain.Kind) {
	t.Helper()
	line := ledgerdomain.Line{
		ID:              f.node.Generate(),
		PaymentID:       paymentID,
		InvoiceID:       invoiceID,
		AllocatedAmount: amount,
		Method:          ledgerdomain.MethodManual,
		Kind:            kind,
		IdempotencyKey:  f.node.Generate().String(),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&line).Error)
}

func TestRecomputeDerivesStatusFromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 1000, 0)
	payment := f.seed.Payment(rep, 1000)

	entry, err := f.svc.Recompute(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnpaid, entry.StatusCached)
	assert.Equal(t, int64(1000), entry.RemainingAmount)
	assert.Equal(t, int64(1), entry.Version)

	f.line(t, payment.ID, invoice.ID, 400, ledgerdomain.KindAllocation)
	entry, err = f.svc.Recompute(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, entry.StatusCached)
	assert.Equal(t, int64(400), entry.AllocatedTotal)
	assert.Equal(t, int64(600), entry.RemainingAmount)
	assert.Equal(t, int64(2), entry.Version)

	f.line(t, payment.ID, invoice.ID, 600, ledgerdomain.KindAllocation)
	entry, err = f.svc.Recompute(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, entry.StatusCached)
	assert.Zero(t, entry.RemainingAmount)
	assert.Equal(t, int64(3), entry.Version)
}

func TestRecomputeCountsReversalsNegatively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 500, 0)
	payment := f.seed.Payment(rep, 500)

	f.line(t, payment.ID, invoice.ID, 500, ledgerdomain.KindAllocation)
	f.line(t, payment.ID, invoice.ID, 500, ledgerdomain.KindReversal)

	entry, err := f.svc.Recompute(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnpaid, entry.StatusCached)
	assert.Zero(t, entry.AllocatedTotal)
}

func TestRecomputeFlagsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seed.Invoice(rep, 100, 0)
	payment := f.seed.Payment(rep, 300)
	f.line(t, payment.ID, invoice.ID, 300, ledgerdomain.KindAllocation)

	entry, err := f.svc.Recompute(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnomaly, entry.StatusCached)
	assert.Equal(t, int64(-200), entry.RemainingAmount)

	count, err := testutil.GatherAndCount(f.reg, "allocledger_balance_cache_anomalies_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecomputeMissingInvoice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Recompute(context.Background(), nil, snowflake.ID(999))
	assert.True(t, errors.Is(err, domain.ErrInvoiceNotFound))

	_, err = f.svc.Get(context.Background(), snowflake.ID(999))
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestRecomputeManyDeduplicates(t *testing.T) {
	f := newFixture(t)
	a := f.seed.Invoice(rep, 100, 0)
	b := f.seed.Invoice(rep, 200, 1)

	entries, err := f.svc.RecomputeMany(context.Background(), nil, []snowflake.ID{b.ID, a.ID, b.ID, 0})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a.ID, entries[0].InvoiceID)
	assert.Equal(t, b.ID, entries[1].InvoiceID)
}

func TestRecomputeAllRebuildsInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.seed.Invoice(rep, 100, i)
	}
	other := f.seed.Invoice(snowflake.ID(77), 100, 0)

	result, err := f.svc.RecomputeAll(ctx, domain.RebuildRequest{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, int64(6), fixtures.Count(t, f.db, `SELECT COUNT(*) FROM invoice_balance_cache`))

	repID := rep
	dropped, err := f.svc.Drop(ctx, &repID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), dropped)

	_, err = f.svc.Get(ctx, other.ID)
	require.NoError(t, err)

	result, err = f.svc.RecomputeAll(ctx, domain.RebuildRequest{BatchSize: 10, RepresentativeID: &repID, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Batches)
}

func TestAggregateTreatsMissingRowsAsOutstanding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paid := f.seed.Invoice(rep, 300, 0)
	f.seed.Invoice(rep, 200, 1)
	payment := f.seed.Payment(rep, 300)
	f.line(t, payment.ID, paid.ID, 300, ledgerdomain.KindAllocation)

	_, err := f.svc.Recompute(ctx, nil, paid.ID)
	require.NoError(t, err)

	agg, err := f.svc.Aggregate(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Invoices)
	assert.Equal(t, int64(500), agg.TotalInvoiced)
	assert.Equal(t, int64(300), agg.TotalAllocated)
	assert.Equal(t, int64(200), agg.Outstanding)
}
