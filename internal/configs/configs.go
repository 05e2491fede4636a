package configs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/pricing"
)

const (
	LogQuiet   = "quiet"
	LogNormal  = "normal"
	LogVerbose = "verbose"
)

// Environment variables read for secrets.
const (
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvSecretKey     = "BINANCE_SECRET_KEY"
	EnvTestnet       = "BINANCE_TESTNET"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat  = "TELEGRAM_CHAT_ID"
)

type Config struct {
	// 交易参数
	Trading TradingConfig `json:"trading" yaml:"trading"`

	// 保护性退出
	Protection ProtectionConfig `json:"protection" yaml:"protection"`

	// 卖单监控
	Supervision SupervisionConfig `json:"supervision" yaml:"supervision"`

	// 交易所配置
	ExchangeConfig ExchangeConfig `json:"exchange_config" yaml:"exchange_config"`

	Database Database       `json:"database" yaml:"database"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`

	DataDir  string `json:"data_dir" yaml:"data_dir"`   // 历史与统计文件目录
	LogLevel string `json:"log_level" yaml:"log_level"` // quiet | normal | verbose
	Proxy    string `json:"proxy" yaml:"proxy"`         // HTTP(S) 代理
}

type TradingConfig struct {
	Symbol    string            `json:"symbol" yaml:"symbol"`
	BuyAmount decimal.Decimal   `json:"buy_amount" yaml:"buy_amount"` // 每轮买入金额(计价资产)
	Profit    models.ProfitSpec `json:"profit" yaml:"profit"`         // "0.001" 或 "1.5%"
	Cycles    int               `json:"cycles" yaml:"cycles"`         // 0 表示不限
	Delay     Duration          `json:"delay" yaml:"delay"`           // 两轮之间的间隔

	BuyFee  decimal.Decimal `json:"buy_fee" yaml:"buy_fee"`
	SellFee decimal.Decimal `json:"sell_fee" yaml:"sell_fee"`

	DryRun             bool            `json:"dry_run" yaml:"dry_run"`
	DryRunQuoteBalance decimal.Decimal `json:"dry_run_quote_balance" yaml:"dry_run_quote_balance"`
	SimulateFallback   bool            `json:"simulate_fallback" yaml:"simulate_fallback"`
	SkipBalanceCheck   bool            `json:"skip_balance_check" yaml:"skip_balance_check"`
}

type ProtectionConfig struct {
	// StopLoss is disabled when nil.
	StopLoss     *models.ProfitSpec        `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TrailingStop models.TrailingStopSpec   `json:"trailing_stop" yaml:"trailing_stop"`
	PriceDrop    models.PriceDropGuardSpec `json:"price_drop" yaml:"price_drop"`
}

type SupervisionConfig struct {
	Strategy          string   `json:"strategy" yaml:"strategy"` // guard | events
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxStatusErrors   int      `json:"max_status_errors" yaml:"max_status_errors"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectAttempts int      `json:"reconnect_attempts" yaml:"reconnect_attempts"`
}

type ExchangeConfig struct {
	Testnet   bool   `json:"testnet" yaml:"testnet"`
	APIKey    string `json:"api_key" yaml:"api_key"`       // 交易所API密钥
	SecretKey string `json:"secret_key" yaml:"secret_key"` // 交易所密钥
}

type Database struct {
	ConnStr string `json:"conn_str" yaml:"conn_str"` // 数据库连接字符串，为空时只写文件
}

type TelegramConfig struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			Symbol:             "BTCUSDT",
			BuyAmount:          decimal.NewFromInt(10),
			Profit:             models.Fixed(decimal.RequireFromString("0.001")),
			Delay:              Duration(5 * time.Second),
			BuyFee:             pricing.DefaultFees().BuyRate,
			SellFee:            pricing.DefaultFees().SellRate,
			DryRunQuoteBalance: decimal.NewFromInt(100),
		},
		Supervision: SupervisionConfig{
			Strategy:          "guard",
			PollInterval:      Duration(10 * time.Second),
			MaxStatusErrors:   30,
			HeartbeatInterval: Duration(30 * time.Minute),
			ReconnectAttempts: 5,
		},
		DataDir:  "data",
		LogLevel: LogNormal,
	}
}

// Load reads a JSON or YAML parameter file over the defaults. The format
// follows the file extension.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Save writes the configuration without secrets.
func Save(path string, cfg *Config) error {
	out := *cfg
	out.ExchangeConfig.APIKey = ""
	out.ExchangeConfig.SecretKey = ""
	out.Telegram.Token = ""
	out.Database.ConnStr = ""

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&out)
	} else {
		data, err = json.MarshalIndent(&out, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadEnv loads .env style files into the process environment. Missing files
// are skipped; existing variables are never overwritten.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv fills secrets and endpoints from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.ExchangeConfig.APIKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.ExchangeConfig.SecretKey = v
	}
	if v := os.Getenv(EnvTestnet); v != "" {
		testnet, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTestnet, err)
		}
		c.ExchangeConfig.Testnet = testnet
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.ConnStr = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv(EnvTelegramChat); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTelegramChat, err)
		}
		c.Telegram.ChatID = id
	}
	return nil
}

// Validate checks the trading parameters. Credentials are checked by the
// commands that need them.
func (c *Config) Validate() error {
	t := c.Trading
	if _, _, err := models.SplitSymbol(t.Symbol); err != nil {
		return err
	}
	if t.BuyAmount.IsNegative() {
		return fmt.Errorf("buy amount must be >= 0, got %s", t.BuyAmount)
	}
	if err := t.Profit.Validate(); err != nil {
		return fmt.Errorf("profit: %w", err)
	}
	if t.Cycles < 0 {
		return fmt.Errorf("cycles must be >= 0, got %d", t.Cycles)
	}
	if t.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %s", t.Delay)
	}
	if err := c.Fees().Validate(); err != nil {
		return err
	}

	p := c.Protection
	if p.StopLoss != nil {
		if err := p.StopLoss.Validate(); err != nil {
			return fmt.Errorf("stop loss: %w", err)
		}
	}
	if p.TrailingStop.Enabled {
		dist := p.TrailingStop.DistancePercent
		if !dist.IsPositive() || dist.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return fmt.Errorf("trailing distance must be in (0, 100), got %s", dist)
		}
	}
	for name, v := range map[string]*decimal.Decimal{
		"absolute drop threshold": p.PriceDrop.AbsoluteThreshold,
		"percent drop threshold":  p.PriceDrop.PercentThreshold,
	} {
		if v != nil && !v.IsPositive() {
			return fmt.Errorf("%s must be > 0, got %s", name, v)
		}
	}

	switch c.Supervision.Strategy {
	case "guard", "events":
	default:
		return fmt.Errorf("unknown supervision strategy: %q", c.Supervision.Strategy)
	}
	switch c.LogLevel {
	case LogQuiet, LogNormal, LogVerbose:
	default:
		return fmt.Errorf("unknown log level: %q", c.LogLevel)
	}
	return nil
}

func (c *Config) Fees() pricing.Fees {
	return pricing.Fees{BuyRate: c.Trading.BuyFee, SellRate: c.Trading.SellFee}
}

func (c *Config) StopLossSpec() models.StopLossSpec {
	if c.Protection.StopLoss == nil {
		return models.StopLossSpec{}
	}
	return models.StopLossSpec{Enabled: true, Limit: *c.Protection.StopLoss}
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case LogQuiet:
		return slog.LevelWarn
	case LogVerbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration written as "5s" in parameter files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
