package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WALLET_API_URL", "http://localhost:5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "bolt", cfg.StoreDriver)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.TopUpInterval)
	assert.Equal(t, 10, cfg.TopUpAttempts)
	assert.Equal(t, "0.01", cfg.TopUpEpsilon.String())
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileWindow)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileGrace)
	assert.False(t, cfg.FareSettlement)
	assert.False(t, cfg.Production())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WALLET_API_URL", "http://wallet")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DB_SOURCE", "postgresql://localhost/farepay")
	t.Setenv("TOPUP_POLL_INTERVAL", "500ms")
	t.Setenv("TOPUP_MAX_ATTEMPTS", "4")
	t.Setenv("FARE_SETTLEMENT", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 500*time.Millisecond, cfg.TopUpInterval)
	assert.Equal(t, 4, cfg.TopUpAttempts)
	assert.True(t, cfg.FareSettlement)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.Production())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing wallet url", map[string]string{"WALLET_API_URL": ""}},
		{"postgres without dsn", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "redis"}},
		{"bad duration", map[string]string{"REFRESH_INTERVAL": "soon"}},
		{"negative duration", map[string]string{"TOPUP_POLL_INTERVAL": "-1s"}},
		{"bad attempts", map[string]string{"TOPUP_MAX_ATTEMPTS": "0"}},
		{"bad epsilon", map[string]string{"TOPUP_EPSILON": "-0.5"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WALLET_API_URL", "http://wallet")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
