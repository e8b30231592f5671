package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level OTLP instruments.
type Metrics struct {
	allocations     metric.Int64Counter
	allocatedAmount metric.Int64Counter
	ledgerLines     metric.Int64Counter
	guardViolations metric.Int64Counter
	flagChanges     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		var provider metric.MeterProvider = noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "allocledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	instruments := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.allocations, "allocledger_allocations_total", "Committed allocation runs.", "{run}"},
		{&m.allocatedAmount, "allocledger_allocated_minor_units_total", "Amount allocated to invoices.", "{minor_unit}"},
		{&m.ledgerLines, "allocledger_ledger_lines_total", "Ledger lines written.", "{line}"},
		{&m.guardViolations, "allocledger_guard_violations_total", "Ceiling breaches seen by runtime guards.", "{violation}"},
		{&m.flagChanges, "allocledger_flag_changes_total", "Accepted feature flag transitions.", "{change}"},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name,
			metric.WithDescription(inst.desc),
			metric.WithUnit(inst.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", inst.name, err)
		}
		*inst.target = counter
	}
	return m, nil
}

// RecordAllocation counts one committed allocation run and its amount.
func (m *Metrics) RecordAllocation(ctx context.Context, method string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount > 0 {
		m.allocatedAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

// RecordLedgerLine counts ledger lines by origin method and write mode.
func (m *Metrics) RecordLedgerLine(ctx context.Context, method, mode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("mode", strings.TrimSpace(mode)),
	)
	m.ledgerLines.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGuardViolation counts ceiling breaches observed by runtime guards.
func (m *Metrics) RecordGuardViolation(ctx context.Context, side, mode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("side", strings.TrimSpace(side)),
		attribute.String("mode", strings.TrimSpace(mode)),
	)
	m.guardViolations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFlagChange counts accepted flag transitions.
func (m *Metrics) RecordFlagChange(ctx context.Context, flag, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("flag", strings.TrimSpace(flag)),
		attribute.String("state", strings.TrimSpace(state)),
	)
	m.flagChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", p)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"method":      {},
	"mode":        {},
	"side":        {},
	"flag":        {},
	"state":       {},
	"endpoint":    {},
	"status_code": {},
	"event_type":  {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
