package main

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigKey(t *testing.T) {
	assert.Equal(t, "database.host", configKey("database-host"))
	assert.Equal(t, "actor", configKey("actor"))
}

func TestLoadConfigOverlaysViperValues(t *testing.T) {
	v := viper.New()
	v.Set("database.type", "sqlite")
	v.Set("database.name", "ops.db")
	v.Set("redis.addr", "  ")
	v.Set("auto.migrate", true)

	cfg := loadConfig(v)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, "ops.db", cfg.DBName)
	assert.False(t, cfg.Outbox.Enabled)
	assert.True(t, cfg.DBRunMigrations)
}

func TestParseOptionalID(t *testing.T) {
	id, err := parseOptionalID("")
	require.NoError(t, err)
	assert.Nil(t, id)

	id, err = parseOptionalID(" 42 ")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(42), id.Int64())

	_, err = parseOptionalID("abc")
	assert.Error(t, err)
	_, err = parseOptionalID("-3")
	assert.Error(t, err)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud")
	assert.Error(t, err)

	log, err := newLogger("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestFlagsSetRejectsUnknownFlagBeforeConnecting(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"flags", "set", "no_such_flag", "on", "--actor", "ops"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_flag")
}

func TestMutatingCommandsRequireActor(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"backfill", "active", "--actor", " "})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--actor is required")
}
