package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityKeys(t *testing.T) {
	got := FilterAttributes(
		attribute.String("method", "fifo"),
		attribute.String("invoice_id", "42"),
		attribute.String("mode", "warn"),
	)
	require.Len(t, got, 2)
	require.Equal(t, attribute.Key("method"), got[0].Key)
	require.Equal(t, attribute.Key("mode"), got[1].Key)
}

func TestNewBuildsInstrumentsOnNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m.allocations)
	require.NotNil(t, m.flagChanges)

	m.RecordAllocation(context.Background(), "fifo", 500)
	m.RecordGuardViolation(context.Background(), "invoice", "warn")

	var nilMetrics *Metrics
	nilMetrics.RecordLedgerLine(context.Background(), "fifo", "shadow")
}

func TestNewProviderDisabledIsNoop(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, provider)
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	_, err := newExporter("udp", "")
	require.ErrorContains(t, err, "udp")
}
