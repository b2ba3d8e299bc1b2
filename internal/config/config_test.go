package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Database.DSN)
	assert.True(t, cfg.Matching.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Matching.Interval)
	assert.Equal(t, []string{"BTC-USDT"}, cfg.Matching.Symbols)
	assert.Positive(t, cfg.Matching.MaxOrdersPerBatch)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("DATABASE_DSN", "postgres://override/db")
	t.Setenv("MATCHING_ENABLED", "false")
	t.Setenv("MATCHING_INTERVAL_SECONDS", "12")
	t.Setenv("MATCHING_SYMBOLS", "ETH-USDT,BTC-USDT")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres://override/db", cfg.Database.DSN)
	assert.False(t, cfg.Matching.Enabled)
	assert.Equal(t, 12*time.Second, cfg.Matching.Interval)
	assert.Equal(t, []string{"ETH-USDT", "BTC-USDT"}, cfg.Matching.Symbols)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Server.Port = 8080
	cfg.Matching.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg.Matching.Interval = time.Second
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())
}
