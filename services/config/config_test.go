package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
symbol: ETHUSDT
risk:
  per_trade_fraction: 0.01
  max_positions: 3
stops:
  type: atr
  atr_multiplier: 2.5
shock:
  gap_threshold: 0.03
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 0.01, cfg.Risk.PerTradeFraction)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, StopATR, cfg.Stops.Type)
	assert.Equal(t, 2.5, cfg.Stops.ATRMultiplier)
	assert.Equal(t, 0.03, cfg.Shock.GapThreshold)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.05, cfg.Risk.MaxDailyLossFraction)
	assert.Equal(t, 14, cfg.Indicators.RSIPeriod)
	assert.Equal(t, 100_000.0, cfg.Execution.InitialCash)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "SOLUSDT")
	t.Setenv("CLICKHOUSE_ADDR", "ch.internal:9000")
	t.Setenv("CLICKHOUSE_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", cfg.Symbol)
	assert.Equal(t, "ch.internal:9000", cfg.ClickHouse.Addr)
	assert.Equal(t, "hunter2", cfg.ClickHouse.Password)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty symbol":         func(c *Config) { c.Symbol = "" },
		"per trade over one":   func(c *Config) { c.Risk.PerTradeFraction = 1.5 },
		"zero max positions":   func(c *Config) { c.Risk.MaxPositions = 0 },
		"unknown stop type":    func(c *Config) { c.Stops.Type = "mental" },
		"macd fast above slow": func(c *Config) { c.Indicators.MACDFast = 30 },
		"unknown provider":     func(c *Config) { c.Execution.Provider = "psychic" },
		"zero initial cash":    func(c *Config) { c.Execution.InitialCash = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWarmupBarsCoversEveryWindow(t *testing.T) {
	cfg := Default()
	warm := cfg.WarmupBars()
	assert.GreaterOrEqual(t, warm, cfg.Indicators.EMAPeriod)
	assert.GreaterOrEqual(t, warm, cfg.Indicators.MACDSlow+cfg.Indicators.MACDSignal)
	assert.GreaterOrEqual(t, warm, cfg.Shock.StatsWindow+1)

	cfg.Indicators.EMAPeriod = 10
	assert.Equal(t, cfg.Indicators.MACDSlow+cfg.Indicators.MACDSignal, cfg.WarmupBars())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
