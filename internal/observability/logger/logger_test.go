package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampleBelowWarnKeepsEveryWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	wrap := sampleBelowWarn(Config{SamplingInitial: 2, SamplingThereafter: 1000, SamplingWindow: time.Minute})
	log := zap.New(wrap(core))

	for i := 0; i < 10; i++ {
		log.Info("allocation applied")
		log.Warn("guard violation")
	}

	require.Equal(t, 2, logs.FilterMessage("allocation applied").Len())
	require.Equal(t, 10, logs.FilterMessage("guard violation").Len())
}

func TestSampleBelowWarnRespectsBaseLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(sampleBelowWarn(Config{})(core))

	log.Info("dropped")
	log.Error("kept")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "kept", logs.All()[0].Message)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	require.Error(t, err)
}

func TestNormalizeFormat(t *testing.T) {
	require.Equal(t, "console", normalizeFormat(" Console "))
	require.Equal(t, "json", normalizeFormat(""))
	require.Equal(t, "json", normalizeFormat("logfmt"))
}

func TestSampleBelowWarnKeepsDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(sampleBelowWarn(Config{})(core))

	log.Debug("cache lookup")

	require.Equal(t, 1, logs.Len())
}
