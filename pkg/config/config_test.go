package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Equal(t, 30, cfg.Commission.HoldbackDays)
	require.Equal(t, "KRW", cfg.Commission.Currency)
	require.True(t, decimal.NewFromInt(10).Equal(cfg.Commission.DefaultRatePercentage()))
	require.Equal(t, 30*24*time.Hour, cfg.Commission.HoldbackWindow())
	require.Equal(t, "0 1 * * *", cfg.Holdback.Schedule)
	require.Equal(t, 500, cfg.Holdback.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative holdback", func(c *Config) { c.Commission.HoldbackDays = -1 }},
		{"rate not a number", func(c *Config) { c.Commission.DefaultRate = "ten" }},
		{"rate above 100", func(c *Config) { c.Commission.DefaultRate = "100.5" }},
		{"missing currency", func(c *Config) { c.Commission.Currency = " " }},
		{"zero batch", func(c *Config) { c.Holdback.BatchSize = 0 }},
		{"tls without cert", func(c *Config) { c.TLS.Enable = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COMMISSION_HOLDBACK_DAYS=7\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("COMMISSION_HOLDBACK_DAYS") })

	cfg, err := LoadConfig(Params{})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Commission.HoldbackDays)
	require.Equal(t, "KRW", cfg.Commission.Currency)
}
