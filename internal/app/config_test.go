package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.SerialWidth)
	assert.Equal(t, 2*time.Hour, cfg.ReservationTTL)
	assert.Equal(t, 3*time.Second, cfg.LoanServiceTimeout)
	assert.False(t, cfg.CentralizedDay)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERIAL_WIDTH", "3")
	t.Setenv("CENTRALIZED_DAY", "true")
	t.Setenv("LOAN_SERVICE_TIMEOUT", "500ms")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.SerialWidth)
	assert.True(t, cfg.CentralizedDay)
	assert.Equal(t, 500*time.Millisecond, cfg.LoanServiceTimeout)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidWidth(t *testing.T) {
	t.Setenv("SERIAL_WIDTH", "0")
	_, err := LoadConfig()
	assert.Error(t, err)
}
