package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "stock.db", cfg.SQLitePath)
	assert.Equal(t, "0.15", cfg.VAT().String())
	assert.Equal(t, 3, cfg.StorageRetries)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("VAT_RATE", "0.2")
	t.Setenv("STORAGE_RETRIES", "5")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "0.2", cfg.VAT().String())
	assert.Equal(t, 5, cfg.StorageRetries)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"STORE_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"STORE_DRIVER": "postgres", "PG_DSN": ""}},
		{"negative vat", map[string]string{"VAT_RATE": "-0.1"}},
		{"unparseable vat", map[string]string{"VAT_RATE": "fifteen"}},
		{"zero retries", map[string]string{"STORAGE_RETRIES": "0"}},
		{"zero interval", map[string]string{"RECONCILE_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
