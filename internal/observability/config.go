package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/allocledger/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel            string
	LogFormat           string
	LogSampleFirst      int
	LogSampleThereafter int

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

const defaultSamplingRatio = 0.1

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "allocledger"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          firstEnv(cfg.Environment, "DEPLOYMENT_ENV"),
		Version:              firstEnv(cfg.AppVersion, "SERVICE_VERSION"),
		LogLevel:             strings.ToLower(firstEnv("info", "LOG_LEVEL")),
		LogFormat:            strings.ToLower(firstEnv("json", "LOG_FORMAT")),
		LogSampleFirst:       envInt("LOG_SAMPLE_FIRST", 100),
		LogSampleThereafter:  envInt("LOG_SAMPLE_THEREAFTER", 100),
		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: firstEnv(cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OtelExporterProtocol: strings.ToLower(firstEnv("grpc", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL")),
		OtelSamplingRatio:    samplingRatio(os.Getenv("OTEL_SAMPLING_RATIO")),
	}
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// firstEnv returns the first non-blank variable among keys, else def.
func firstEnv(def string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(def)
}

func envBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	switch strings.ToLower(value) {
	case "y", "yes", "on":
		return true
	case "n", "no", "off":
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func envInt(key string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// samplingRatio parses a trace sampling ratio and clamps it to [0, 1].
func samplingRatio(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSamplingRatio
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultSamplingRatio
	}
	switch {
	case parsed < 0:
		return 0
	case parsed > 1:
		return 1
	}
	return parsed
}
