package observability

import (
	"github.com/smallbiznis/allocledger/internal/observability/logger"
	"github.com/smallbiznis/allocledger/internal/observability/metrics"
	"github.com/smallbiznis/allocledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var loggingModule = fx.Options(
	fx.Provide(func(cfg Config) logger.Config {
		return logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			SamplingInitial:     cfg.LogSampleFirst,
			SamplingThereafter:  cfg.LogSampleThereafter,
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		}
	}),
	fx.Provide(logger.New),
)

var tracingModule = fx.Options(
	fx.Provide(func(cfg Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		}
	}),
	fx.Provide(tracing.NewProvider),
	// the provider registers itself globally, so force construction
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

var metricsModule = fx.Options(
	fx.Provide(func(cfg Config) metrics.Config {
		return metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		}
	}),
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.LedgerWithConfig,
		metrics.SchedulerWithConfig,
	),
)

// Module wires logging, tracing and metrics from one environment-derived
// Config.
var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	loggingModule,
	tracingModule,
	metricsModule,
)
