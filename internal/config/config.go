package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration. Unknown keys in the config file
// are errors, not warnings: silent drift is how paper configs end up
// driving live money.
type Config struct {
	Mode            string   `mapstructure:"mode"`              // "paper" or "live"
	PaperBalanceUSD float64  `mapstructure:"paper_balance_usd"` // initial cash in paper mode
	Symbols         []string `mapstructure:"symbols"`           // allow-list, exchange-native convention
	Timezone        string   `mapstructure:"timezone"`          // daily boundaries + snapshot window
	DataDir         string   `mapstructure:"data_dir"`          // sqlite + pidfile home

	// Optional clamp over the strategy's requested scan cadence, minutes.
	ScanIntervalMinutesOverride int `mapstructure:"scan_interval_minutes_override"`

	Log      LogConfig      `mapstructure:"log"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ExchangeConfig contains connectivity and fee settings.
type ExchangeConfig struct {
	RestURL   string `mapstructure:"rest_url"`
	WSURL     string `mapstructure:"ws_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	// Streaming ticker: after this many consecutive reconnect failures the
	// feed degrades to REST polling at rest_poll_seconds cadence.
	WSMaxFailures   int `mapstructure:"ws_max_failures"`
	RestPollSeconds int `mapstructure:"rest_poll_seconds"`

	// Horizon after which unfilled limit orders expire (paper mode).
	LimitExpiryMinutes int `mapstructure:"limit_expiry_minutes"`

	Fees FeeOverrides `mapstructure:"fees"`
}

// FeeOverrides pins maker/taker tiers when the exchange query is
// unavailable. Zero means "ask the exchange".
type FeeOverrides struct {
	Maker float64 `mapstructure:"maker"`
	Taker float64 `mapstructure:"taker"`
}

// StrategyConfig selects the strategy implementation.
type StrategyConfig struct {
	Name string `mapstructure:"name"` // built-in registry name
	Path string `mapstructure:"path"` // subprocess strategy source; empty = built-in only
}

// RiskConfig contains the hard limits the gate enforces.
type RiskConfig struct {
	MaxPositionPct  float64 `mapstructure:"max_position_pct"`
	MaxPositions    int     `mapstructure:"max_positions"`
	MaxTradePct     float64 `mapstructure:"max_trade_pct"`
	DefaultTradePct float64 `mapstructure:"default_trade_pct"`

	MaxDailyLossPct float64 `mapstructure:"max_daily_loss_pct"` // required, no default
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`

	RollbackDailyLossPct     float64 `mapstructure:"rollback_daily_loss_pct"`
	ConsecutiveLossesDisable int     `mapstructure:"consecutive_losses_disable"` // 0 = off

	DefaultStopLossPct   float64 `mapstructure:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `mapstructure:"default_take_profit_pct"`

	MinNotionalUSD float64 `mapstructure:"min_notional_usd"`
}

// TelegramConfig configures the operator notification bot.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// Load reads the config file, applies HALCYON_* environment overrides and
// validates the result. A bad config is fatal at startup.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("halcyon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("HALCYON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	// Keys with no default are invisible to Unmarshal unless bound.
	for _, k := range noDefaultKeys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := rejectUnknownKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("paper_balance_usd", 1000.0)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("data_dir", "data")
	v.SetDefault("scan_interval_minutes_override", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("exchange.rest_url", "https://api.kraken.com")
	v.SetDefault("exchange.ws_url", "wss://ws.kraken.com/v2")
	v.SetDefault("exchange.ws_max_failures", 5)
	v.SetDefault("exchange.rest_poll_seconds", 5)
	v.SetDefault("exchange.limit_expiry_minutes", 60)
	v.SetDefault("exchange.fees.maker", 0.0)
	v.SetDefault("exchange.fees.taker", 0.0)

	v.SetDefault("strategy.name", "baseline")
	v.SetDefault("strategy.path", "")

	v.SetDefault("risk.max_position_pct", 0.25)
	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.max_trade_pct", 0.10)
	v.SetDefault("risk.default_trade_pct", 0.05)
	v.SetDefault("risk.max_daily_trades", 20)
	v.SetDefault("risk.max_drawdown_pct", 0.20)
	v.SetDefault("risk.rollback_daily_loss_pct", 0.15)
	v.SetDefault("risk.consecutive_losses_disable", 0)
	v.SetDefault("risk.default_stop_loss_pct", 0.05)
	v.SetDefault("risk.default_take_profit_pct", 0.10)
	v.SetDefault("risk.min_notional_usd", 1.0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.chat_id", 0)
}

// noDefaultKeys are schema keys setDefaults leaves unset: required values
// and secrets.
var noDefaultKeys = []string{
	"symbols",
	"risk.max_daily_loss_pct",
	"exchange.api_key",
	"exchange.api_secret",
	"telegram.token",
}

// knownKeys is the closed schema. setDefaults covers most of it; keys
// without defaults are listed explicitly.
func knownKeys(v *viper.Viper) map[string]bool {
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	for _, k := range noDefaultKeys {
		known[k] = true
	}
	return known
}

func rejectUnknownKeys(v *viper.Viper) error {
	// Defaults have already been set, so AllKeys on a fresh viper with only
	// defaults gives the schema; diff the loaded keys against it.
	schema := viper.New()
	setDefaults(schema)
	known := knownKeys(schema)

	var unknown []string
	for _, k := range v.AllKeys() {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Validate enforces startup invariants. Any failure is ConfigInvalid:
// the process exits non-zero with a single-line reason.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols allow-list is empty")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("empty symbol in allow-list")
		}
		if seen[s] {
			return fmt.Errorf("duplicate symbol %q in allow-list", s)
		}
		seen[s] = true
	}
	if c.Mode == "paper" && c.PaperBalanceUSD <= 0 {
		return fmt.Errorf("paper_balance_usd must be positive, got %v", c.PaperBalanceUSD)
	}
	if c.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("live mode requires exchange.api_key and exchange.api_secret")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.ScanIntervalMinutesOverride < 0 {
		return fmt.Errorf("scan_interval_minutes_override must be >= 0")
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.enabled requires telegram.token")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	// The source documents disagreed on this number; the engine takes
	// exactly one value and refuses to guess.
	if r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct is required and must be in (0,1), got %v", r.MaxDailyLossPct)
	}
	for name, val := range map[string]float64{
		"risk.max_position_pct":        r.MaxPositionPct,
		"risk.max_trade_pct":           r.MaxTradePct,
		"risk.default_trade_pct":       r.DefaultTradePct,
		"risk.max_drawdown_pct":        r.MaxDrawdownPct,
		"risk.rollback_daily_loss_pct": r.RollbackDailyLossPct,
	} {
		if val <= 0 || val >= 1 {
			return fmt.Errorf("%s must be in (0,1), got %v", name, val)
		}
	}
	if r.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions must be >= 1")
	}
	if r.MaxDailyTrades < 1 {
		return fmt.Errorf("risk.max_daily_trades must be >= 1")
	}
	if r.DefaultTradePct > r.MaxTradePct {
		return fmt.Errorf("risk.default_trade_pct %v exceeds risk.max_trade_pct %v", r.DefaultTradePct, r.MaxTradePct)
	}
	if r.ConsecutiveLossesDisable < 0 {
		return fmt.Errorf("risk.consecutive_losses_disable must be >= 0")
	}
	return nil
}

// Location resolves the configured timezone. Validate has already proven
// it loads.
func (c *Config) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Timezone)
	return loc
}

// IsLive reports whether the live adapter is selected.
func (c *Config) IsLive() bool { return c.Mode == "live" }
