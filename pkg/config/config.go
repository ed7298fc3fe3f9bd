package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Execution modes understood by the order router.
const (
	ModeDry   = "dry"
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds file + environment driven settings for the execution engine.
type Config struct {
	Mode    string   `yaml:"mode"`
	DBPath  string   `yaml:"db_path"`
	Symbols []string `yaml:"symbols"`

	Log        LogConfig        `yaml:"log"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Paper      PaperConfig      `yaml:"paper"`
	Risk       RiskConfig       `yaml:"risk"`
	TakeProfit TakeProfitConfig `yaml:"take_profit"`
	Trailing   TrailingConfig   `yaml:"trailing"`
	Cooldown   CooldownConfig   `yaml:"cooldown"`
	Order      OrderConfig      `yaml:"order"`
	Leverage   LeverageConfig   `yaml:"leverage"`
	Protect    ProtectConfig    `yaml:"protect"`
	UserStream UserStreamConfig `yaml:"userstream"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	API        APIConfig        `yaml:"api"`
	Telegram   TelegramConfig   `yaml:"telegram"`

	// Secrets never live in the YAML file.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
	JWTSecret string `yaml:"-"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console
}

type ExchangeConfig struct {
	Testnet      bool  `yaml:"testnet"`
	RecvWindowMs int64 `yaml:"recv_window_ms"`
	TimeoutSec   int   `yaml:"timeout_sec"`
	RequestsPerS int   `yaml:"requests_per_sec"`
}

// PaperConfig tunes the in-process fill simulator.
type PaperConfig struct {
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`
}

type RiskConfig struct {
	DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct"`
	GlobalDDLimitPct  float64 `yaml:"global_kill_switch_drawdown_pct"`
	StartEquityUSDT   float64 `yaml:"start_equity_usdt"`
	RiskPerTradePct   float64 `yaml:"risk_per_trade_pct"`
	MaxOpenPositions  int     `yaml:"max_open_positions"`
	MaxNotionalUSDT   float64 `yaml:"max_notional_usdt"`
	CheckIntervalSec  int     `yaml:"check_interval_sec"`
	AutoDailyReset    bool    `yaml:"auto_daily_reset"`
}

type TakeProfitConfig struct {
	Mode              string  `yaml:"mode"` // percent | rr
	Pct               float64 `yaml:"pct"`
	RR                float64 `yaml:"rr"`
	BookDepth         int     `yaml:"book_depth"`
	Snap              string  `yaml:"snap"` // none | nearest | favorable
	MinMovePct        float64 `yaml:"min_move_pct"`
	DebounceSec       int     `yaml:"debounce_sec"`
	UpdateIntervalSec int     `yaml:"update_interval_sec"`
}

type TrailingConfig struct {
	Type              string  `yaml:"type"` // step | atr | off
	StepPct           float64 `yaml:"step_pct"`
	ATRPeriod         int     `yaml:"atr_period"`
	ATRMult           float64 `yaml:"atr_mult"`
	Interval          string  `yaml:"interval"` // kline interval used for ATR
	UpdateIntervalSec int     `yaml:"update_interval_sec"`
}

// Band is a low/high threshold pair mapped onto low/high multipliers.
type Band struct {
	Low        float64 `yaml:"low"`
	High       float64 `yaml:"high"`
	LowFactor  float64 `yaml:"low_factor"`
	HighFactor float64 `yaml:"high_factor"`
}

type CooldownConfig struct {
	Mode       string             `yaml:"mode"` // fixed | dynamic
	BaseSec    float64            `yaml:"base_sec"`
	MinSec     float64            `yaml:"min_sec"`
	MaxSec     float64            `yaml:"max_sec"`
	TFScale    map[string]float64 `yaml:"tf_scale"`
	Volatility Band               `yaml:"volatility"`
	Frequency  Band               `yaml:"frequency"`
	Signal     Band               `yaml:"signal"`
	WindowSec  int                `yaml:"window_sec"` // lookback for entry attempts
}

type OrderConfig struct {
	TimeInForce          string  `yaml:"time_in_force"`
	SLPct                float64 `yaml:"sl_pct"`
	TPRR                 float64 `yaml:"tp_rr"`
	IdempotencyWindowSec int     `yaml:"idempotency_window_sec"`
}

// LeverageConfig is decoded from `leverage: {default: 5, BTCUSDT: 10}`.
type LeverageConfig struct {
	Default   int
	PerSymbol map[string]int
}

// UnmarshalYAML splits the `default` key from per-symbol overrides.
func (l *LeverageConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]int{}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("leverage: %w", err)
	}
	if l.PerSymbol == nil {
		l.PerSymbol = map[string]int{}
	}
	for k, v := range raw {
		if strings.EqualFold(k, "default") {
			l.Default = v
			continue
		}
		l.PerSymbol[strings.ToUpper(k)] = v
	}
	return nil
}

// For returns the leverage configured for symbol, falling back to the default.
func (l LeverageConfig) For(symbol string) int {
	if v, ok := l.PerSymbol[strings.ToUpper(symbol)]; ok && v > 0 {
		return v
	}
	if l.Default > 0 {
		return l.Default
	}
	return 1
}

type ProtectConfig struct {
	OCOIntervalSec     int `yaml:"oco_interval_sec"`
	SweeperIntervalSec int `yaml:"sweeper_interval_sec"`
}

type UserStreamConfig struct {
	KeepaliveMin      int `yaml:"keepalive_min"`
	BackoffInitialSec int `yaml:"backoff_initial_sec"`
	BackoffMaxSec     int `yaml:"backoff_max_sec"`
}

type ReconcileConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

type APIConfig struct {
	Addr         string  `yaml:"addr"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// envOverrides is filled by envconfig; unset values leave the file config intact.
type envOverrides struct {
	Mode           string  `envconfig:"ENGINE_MODE"`
	DBPath         string  `envconfig:"DB_PATH"`
	Symbols        string  `envconfig:"SYMBOLS"`
	LogLevel       string  `envconfig:"LOG_LEVEL"`
	APIKey         string  `envconfig:"BINANCE_API_KEY"`
	APISecret      string  `envconfig:"BINANCE_API_SECRET"`
	Testnet        *bool   `envconfig:"BINANCE_TESTNET"`
	JWTSecret      string  `envconfig:"JWT_SECRET"`
	TelegramToken  string  `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64   `envconfig:"TELEGRAM_CHAT_ID"`
	APIAddr        string  `envconfig:"API_ADDR"`
	StartEquity    float64 `envconfig:"START_EQUITY_USDT"`
}

// Default returns a config populated with conservative defaults.
func Default() *Config {
	return &Config{
		Mode:    ModeDry,
		DBPath:  "./data/engine.db",
		Symbols: []string{"BTCUSDT"},
		Log:     LogConfig{Level: "info", Encoding: "json"},
		Exchange: ExchangeConfig{
			RecvWindowMs: 5000,
			TimeoutSec:   10,
			RequestsPerS: 10,
		},
		Paper: PaperConfig{SlippageBps: 2, FeeBps: 4},
		Risk: RiskConfig{
			DailyLossLimitPct: 3,
			GlobalDDLimitPct:  10,
			StartEquityUSDT:   1000,
			RiskPerTradePct:   1,
			MaxOpenPositions:  3,
			CheckIntervalSec:  10,
		},
		TakeProfit: TakeProfitConfig{
			Mode:              "rr",
			Pct:               1.5,
			RR:                1.5,
			BookDepth:         20,
			Snap:              "none",
			MinMovePct:        0.05,
			DebounceSec:       60,
			UpdateIntervalSec: 30,
		},
		Trailing: TrailingConfig{
			Type:              "step",
			StepPct:           0.5,
			ATRPeriod:         14,
			ATRMult:           2,
			Interval:          "15m",
			UpdateIntervalSec: 15,
		},
		Cooldown: CooldownConfig{
			Mode:       "dynamic",
			BaseSec:    900,
			MinSec:     120,
			MaxSec:     7200,
			Volatility: Band{Low: 0.5, High: 3, LowFactor: 0.6, HighFactor: 1.5},
			Frequency:  Band{Low: 1, High: 6, LowFactor: 1, HighFactor: 2},
			Signal:     Band{Low: 0.3, High: 0.9, LowFactor: 0.7, HighFactor: 1.3},
			WindowSec:  3600,
		},
		Order: OrderConfig{
			TimeInForce:          "GTC",
			SLPct:                1,
			TPRR:                 1.5,
			IdempotencyWindowSec: 86400,
		},
		Leverage:   LeverageConfig{Default: 5, PerSymbol: map[string]int{}},
		Protect:    ProtectConfig{OCOIntervalSec: 5, SweeperIntervalSec: 20},
		UserStream: UserStreamConfig{KeepaliveMin: 30, BackoffInitialSec: 1, BackoffMaxSec: 60},
		Reconcile:  ReconcileConfig{IntervalSec: 60},
		API:        APIConfig{Addr: ":8080", RateLimitRPS: 20},
	}
}

// Load reads an optional YAML file, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyEnv(env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env envOverrides) {
	if env.Mode != "" {
		c.Mode = env.Mode
	}
	if env.DBPath != "" {
		c.DBPath = env.DBPath
	}
	if env.Symbols != "" {
		c.Symbols = splitAndTrim(env.Symbols)
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.Testnet != nil {
		c.Exchange.Testnet = *env.Testnet
	}
	if env.TelegramToken != "" {
		c.Telegram.Token = env.TelegramToken
	}
	if env.TelegramChatID != 0 {
		c.Telegram.ChatID = env.TelegramChatID
	}
	if env.APIAddr != "" {
		c.API.Addr = env.APIAddr
	}
	if env.StartEquity > 0 {
		c.Risk.StartEquityUSDT = env.StartEquity
	}
	c.APIKey = env.APIKey
	c.APISecret = env.APISecret
	c.JWTSecret = env.JWTSecret
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(s)
	}
}

// Validate rejects configurations the engine must not start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDry, ModePaper, ModeLive:
	default:
		errs = append(errs, fmt.Errorf("mode: unknown value %q", c.Mode))
	}
	if c.Mode == ModeLive && (c.APIKey == "" || c.APISecret == "") {
		errs = append(errs, errors.New("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("symbols: at least one symbol required"))
	}
	if c.Risk.DailyLossLimitPct < 0 || c.Risk.GlobalDDLimitPct < 0 {
		errs = append(errs, errors.New("risk: limits must be >= 0 (0 disables)"))
	}
	if c.Risk.StartEquityUSDT <= 0 {
		errs = append(errs, errors.New("risk.start_equity_usdt must be > 0"))
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 100 {
		errs = append(errs, errors.New("risk.risk_per_trade_pct must be in (0,100]"))
	}
	switch c.TakeProfit.Mode {
	case "percent", "rr":
	default:
		errs = append(errs, fmt.Errorf("take_profit.mode: unknown value %q", c.TakeProfit.Mode))
	}
	switch c.TakeProfit.Snap {
	case "", "none", "nearest", "favorable":
	default:
		errs = append(errs, fmt.Errorf("take_profit.snap: unknown value %q", c.TakeProfit.Snap))
	}
	if c.TakeProfit.MinMovePct < 0 || c.TakeProfit.DebounceSec < 0 {
		errs = append(errs, errors.New("take_profit: min_move_pct and debounce_sec must be >= 0"))
	}
	switch c.Trailing.Type {
	case "step", "atr", "off":
	default:
		errs = append(errs, fmt.Errorf("trailing.type: unknown value %q", c.Trailing.Type))
	}
	if c.Trailing.Type == "atr" && (c.Trailing.ATRPeriod <= 0 || c.Trailing.ATRMult <= 0) {
		errs = append(errs, errors.New("trailing: atr_period and atr_mult must be > 0"))
	}
	switch c.Cooldown.Mode {
	case "fixed", "dynamic":
	default:
		errs = append(errs, fmt.Errorf("cooldown.mode: unknown value %q", c.Cooldown.Mode))
	}
	if c.Cooldown.MinSec < 0 || c.Cooldown.MaxSec <= 0 || c.Cooldown.MinSec > c.Cooldown.MaxSec {
		errs = append(errs, errors.New("cooldown: need 0 <= min_sec <= max_sec and max_sec > 0"))
	}
	if c.Order.SLPct <= 0 || c.Order.TPRR <= 0 {
		errs = append(errs, errors.New("order: sl_pct and tp_rr must be > 0"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
