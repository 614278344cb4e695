// Package config loads the one immutable configuration value shared by
// every component. Nothing reads ambient state after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"confluxtrader/services/marketdata"
)

type StopType string

const (
	StopPercent StopType = "percent"
	StopATR     StopType = "atr"
)

type RiskConfig struct {
	PerTradeFraction     float64 `yaml:"per_trade_fraction"`
	MaxPositionFraction  float64 `yaml:"max_position_fraction"`
	MaxPositions         int     `yaml:"max_positions"`
	MaxDailyLossFraction float64 `yaml:"max_daily_loss_fraction"`
	RiskRewardRatio      float64 `yaml:"risk_reward_ratio"`
}

type StopConfig struct {
	Type                  StopType `yaml:"type"`
	LossPct               float64  `yaml:"loss_pct"`
	ShockLossPct          float64  `yaml:"shock_loss_pct"`
	ATRMultiplier         float64  `yaml:"atr_multiplier"`
	TrailingActivationPct float64  `yaml:"trailing_activation_pct"`
	TrailingPct           float64  `yaml:"trailing_pct"`
}

type ShockConfig struct {
	PriceWindow         int     `yaml:"price_window"`
	StatsWindow         int     `yaml:"stats_window"`
	PriceThreshold      float64 `yaml:"price_threshold"`
	VolumeMultiplier    float64 `yaml:"volume_multiplier"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`
	GapThreshold        float64 `yaml:"gap_threshold"`
}

type IndicatorConfig struct {
	RSIPeriod            int     `yaml:"rsi_period"`
	RSIOversold          float64 `yaml:"rsi_oversold"`
	RSIShockOversold     float64 `yaml:"rsi_shock_oversold"`
	RSIOverbought        float64 `yaml:"rsi_overbought"`
	MACDFast             int     `yaml:"macd_fast"`
	MACDSlow             int     `yaml:"macd_slow"`
	MACDSignal           int     `yaml:"macd_signal"`
	ATRPeriod            int     `yaml:"atr_period"`
	SupertrendPeriod     int     `yaml:"supertrend_period"`
	SupertrendMultiplier float64 `yaml:"supertrend_multiplier"`
	EMAPeriod            int     `yaml:"ema_period"`
}

type StrategyConfig struct {
	MinStrength      float64 `yaml:"min_strength"`
	ShockMinStrength float64 `yaml:"shock_min_strength"`
}

type ExecutionConfig struct {
	InitialCash float64 `yaml:"initial_cash"`
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`
	Provider    string  `yaml:"provider"` // "stream" or "series"
}

type LiveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CycleBudget  time.Duration `yaml:"cycle_budget"`
	FeedURL      string        `yaml:"feed_url"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Config is passed by value to every constructor.
type Config struct {
	Symbol     string                 `yaml:"symbol"`
	Risk       RiskConfig             `yaml:"risk"`
	Stops      StopConfig             `yaml:"stops"`
	Shock      ShockConfig            `yaml:"shock"`
	Indicators IndicatorConfig        `yaml:"indicators"`
	Strategy   StrategyConfig         `yaml:"strategy"`
	Execution  ExecutionConfig        `yaml:"execution"`
	Live       LiveConfig             `yaml:"live"`
	Server     ServerConfig           `yaml:"server"`
	ClickHouse marketdata.StoreConfig `yaml:"clickhouse"`
}

// Default returns the documented parameter set.
func Default() Config {
	return Config{
		Symbol: "BTCUSDT",
		Risk: RiskConfig{
			PerTradeFraction:     0.02,
			MaxPositionFraction:  0.10,
			MaxPositions:         5,
			MaxDailyLossFraction: 0.05,
			RiskRewardRatio:      2.0,
		},
		Stops: StopConfig{
			Type:                  StopPercent,
			LossPct:               0.02,
			ShockLossPct:          0.015,
			ATRMultiplier:         2.0,
			TrailingActivationPct: 0.03,
			TrailingPct:           0.015,
		},
		Shock: ShockConfig{
			PriceWindow:         5,
			StatsWindow:         20,
			PriceThreshold:      0.05,
			VolumeMultiplier:    3.0,
			VolatilityThreshold: 0.05,
			GapThreshold:        0.02,
		},
		Indicators: IndicatorConfig{
			RSIPeriod:            14,
			RSIOversold:          30,
			RSIShockOversold:     25,
			RSIOverbought:        70,
			MACDFast:             12,
			MACDSlow:             26,
			MACDSignal:           9,
			ATRPeriod:            14,
			SupertrendPeriod:     10,
			SupertrendMultiplier: 3.0,
			EMAPeriod:            200,
		},
		Strategy: StrategyConfig{
			MinStrength:      0.5,
			ShockMinStrength: 0.7,
		},
		Execution: ExecutionConfig{
			InitialCash: 100_000,
			SlippageBps: 5,
			FeeBps:      4,
			Provider:    "stream",
		},
		Live: LiveConfig{
			PollInterval: time.Minute,
			CycleBudget:  20 * time.Second,
			MetricsAddr:  ":9109",
		},
		Server: ServerConfig{Listen: ":8085"},
		ClickHouse: marketdata.StoreConfig{
			Addr:     "localhost:9000",
			Database: "trading",
			Table:    "bars",
		},
	}
}

// Load reads YAML over the defaults, applies env overrides (a .env file
// is honored when present), and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// Secrets come from the environment, never from YAML committed to
	// the repo.
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		cfg.Symbol = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("config: symbol required")
	case c.Risk.PerTradeFraction <= 0 || c.Risk.PerTradeFraction > 1:
		return fmt.Errorf("config: per_trade_fraction %v out of (0,1]", c.Risk.PerTradeFraction)
	case c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1:
		return fmt.Errorf("config: max_position_fraction %v out of (0,1]", c.Risk.MaxPositionFraction)
	case c.Risk.MaxPositions < 1:
		return fmt.Errorf("config: max_positions %d < 1", c.Risk.MaxPositions)
	case c.Risk.MaxDailyLossFraction <= 0:
		return fmt.Errorf("config: max_daily_loss_fraction must be positive")
	case c.Stops.Type != StopPercent && c.Stops.Type != StopATR:
		return fmt.Errorf("config: unknown stop type %q", c.Stops.Type)
	case c.Stops.LossPct <= 0 || c.Stops.ShockLossPct <= 0:
		return fmt.Errorf("config: stop percentages must be positive")
	case c.Indicators.MACDFast >= c.Indicators.MACDSlow:
		return fmt.Errorf("config: macd_fast %d must be below macd_slow %d",
			c.Indicators.MACDFast, c.Indicators.MACDSlow)
	case c.Execution.Provider != "stream" && c.Execution.Provider != "series":
		return fmt.Errorf("config: unknown indicator provider %q", c.Execution.Provider)
	case c.Execution.InitialCash <= 0:
		return fmt.Errorf("config: initial_cash must be positive")
	}
	return nil
}

// WarmupBars is the minimum history needed before the first snapshot.
func (c Config) WarmupBars() int {
	warm := c.Indicators.EMAPeriod
	for _, n := range []int{
		c.Indicators.RSIPeriod + 1,
		c.Indicators.MACDSlow + c.Indicators.MACDSignal,
		c.Indicators.ATRPeriod + 1,
		c.Indicators.SupertrendPeriod + 1,
		c.Shock.StatsWindow + 1,
	} {
		if n > warm {
			warm = n
		}
	}
	return warm
}
