// Package config loads engine settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/challenge-engine/internal/challenge"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/retry"
	"github.com/atmx/challenge-engine/internal/rules"
)

type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Log     LogConfig             `mapstructure:"log"`
	DB      DBConfig              `mapstructure:"db"`
	Redis   RedisConfig           `mapstructure:"redis"`
	Gateway GatewayConfig         `mapstructure:"gateway"`
	Monitor MonitorConfig         `mapstructure:"monitor"`
	Tiers   map[string]TierConfig `mapstructure:"tiers"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DBConfig configures Postgres. An empty URL selects the in-memory store.
type DBConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	Migrate          bool          `mapstructure:"migrate"`
}

// RedisConfig configures the market data cache. An empty URL keeps the cache
// in process.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// GatewayConfig configures the market data source. An empty URL selects the
// in-memory gateway.
type GatewayConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	Attempts       int           `mapstructure:"attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Backoff        time.Duration `mapstructure:"backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepSpec     string        `mapstructure:"sweep"`
	RolloverSpec  string        `mapstructure:"rollover"`
	ReconcileSpec string        `mapstructure:"reconcile"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	EvalTimeout   time.Duration `mapstructure:"eval_timeout"`
}

// TierConfig overrides fields of a tier. Unset fields keep the built-in value,
// or the trader tier's value for a tier that is not built in.
type TierConfig struct {
	StartingBalance               *float64           `mapstructure:"starting_balance"`
	ProfitTargetPercent           *float64           `mapstructure:"profit_target_percent"`
	MaxDailyDrawdownPercent       *float64           `mapstructure:"max_daily_drawdown_percent"`
	MaxTotalDrawdownPercent       *float64           `mapstructure:"max_total_drawdown_percent"`
	MaxPositionSizePercent        *float64           `mapstructure:"max_position_size_percent"`
	MaxCategoryExposurePercent    *float64           `mapstructure:"max_category_exposure_percent"`
	MaxOpenPositions              *int               `mapstructure:"max_open_positions"`
	LiquidityDepthFraction        *float64           `mapstructure:"liquidity_depth_fraction"`
	VolumeTiers                   []VolumeTierConfig `mapstructure:"volume_tiers"`
	DurationDays                  *int               `mapstructure:"duration_days"`
	FundedMaxDailyDrawdownPercent *float64           `mapstructure:"funded_max_daily_drawdown_percent"`
	FundedMaxTotalDrawdownPercent *float64           `mapstructure:"funded_max_total_drawdown_percent"`
	ProfitSplit                   *float64           `mapstructure:"profit_split"`
	PayoutCap                     *float64           `mapstructure:"payout_cap"`
	MinPayoutTradingDays          *int               `mapstructure:"min_payout_trading_days"`
}

type VolumeTierConfig struct {
	MinVolume float64 `mapstructure:"min_volume"`
	MaxOrder  float64 `mapstructure:"max_order"`
}

// envBindings maps config keys to the unprefixed variable names operators
// already use. Every other key is read from CHALLENGE_<SECTION>_<KEY>.
var envBindings = map[string]string{
	"server.port": "PORT",
	"db.url":      "DATABASE_URL",
	"redis.url":   "REDIS_URL",
	"log.level":   "LOG_LEVEL",
	"gateway.url": "GATEWAY_URL",
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHALLENGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "CHALLENGE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.statement_timeout", "5s")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "challenge:")
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.timeout", "5s")
	v.SetDefault("gateway.cache_ttl", "2s")

	rc := retry.DefaultConfig()
	v.SetDefault("gateway.attempts", rc.Attempts)
	v.SetDefault("gateway.attempt_timeout", rc.AttemptTimeout.String())
	v.SetDefault("gateway.backoff", rc.Backoff.String())
	v.SetDefault("gateway.max_backoff", rc.MaxBackoff.String())

	mc := challenge.DefaultMonitorConfig()
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.sweep", mc.SweepSpec)
	v.SetDefault("monitor.rollover", mc.RolloverSpec)
	v.SetDefault("monitor.reconcile", mc.ReconcileSpec)
	v.SetDefault("monitor.job_timeout", mc.JobTimeout.String())
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.queue_size", 1024)
	v.SetDefault("monitor.eval_timeout", "10s")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return Config{}, err
	}
	if cfg.Monitor.Workers < 1 || cfg.Monitor.QueueSize < 1 {
		return Config{}, fmt.Errorf("config: monitor needs at least one worker and queue slot")
	}
	return cfg, nil
}

// SlogLevel parses Level as debug, info, warn or error.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", c.Level, err)
	}
	return l, nil
}

// Retry returns the gateway retry policy.
func (c GatewayConfig) Retry() retry.Config {
	return retry.Config{
		Attempts:       c.Attempts,
		AttemptTimeout: c.AttemptTimeout,
		Backoff:        c.Backoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

// Schedule returns the cron schedule for the challenge monitor.
func (c MonitorConfig) Schedule() challenge.MonitorConfig {
	return challenge.MonitorConfig{
		SweepSpec:     c.SweepSpec,
		RolloverSpec:  c.RolloverSpec,
		ReconcileSpec: c.ReconcileSpec,
		JobTimeout:    c.JobTimeout,
	}
}

// TierTable builds the tier table with the configured overrides applied.
func (c Config) TierTable() (*rules.Table, error) {
	overrides := make(map[string]model.Rules, len(c.Tiers))
	defaults := rules.Defaults()
	for name, tc := range c.Tiers {
		base, ok := defaults[name]
		if !ok {
			base = defaults["trader"]
		}
		overrides[name] = tc.apply(rules.Clone(base))
	}
	t, err := rules.NewTable(overrides)
	if err != nil {
		return nil, fmt.Errorf("config: tiers: %w", err)
	}
	return t, nil
}

func (tc TierConfig) apply(r model.Rules) model.Rules {
	setDec := func(dst *decimal.Decimal, src *float64) {
		if src != nil {
			*dst = decimal.NewFromFloat(*src)
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}

	setDec(&r.StartingBalance, tc.StartingBalance)
	setDec(&r.ProfitTargetPercent, tc.ProfitTargetPercent)
	setDec(&r.MaxDailyDrawdownPercent, tc.MaxDailyDrawdownPercent)
	setDec(&r.MaxTotalDrawdownPercent, tc.MaxTotalDrawdownPercent)
	setDec(&r.MaxPositionSizePercent, tc.MaxPositionSizePercent)
	setDec(&r.MaxCategoryExposurePercent, tc.MaxCategoryExposurePercent)
	setInt(&r.MaxOpenPositions, tc.MaxOpenPositions)
	setDec(&r.LiquidityDepthFraction, tc.LiquidityDepthFraction)
	setInt(&r.DurationDays, tc.DurationDays)
	setDec(&r.FundedMaxDailyDrawdownPercent, tc.FundedMaxDailyDrawdownPercent)
	setDec(&r.FundedMaxTotalDrawdownPercent, tc.FundedMaxTotalDrawdownPercent)
	setDec(&r.ProfitSplit, tc.ProfitSplit)
	setDec(&r.PayoutCap, tc.PayoutCap)
	setInt(&r.MinPayoutTradingDays, tc.MinPayoutTradingDays)

	if len(tc.VolumeTiers) > 0 {
		r.VolumeTiers = make([]model.VolumeTier, 0, len(tc.VolumeTiers))
		for _, vt := range tc.VolumeTiers {
			r.VolumeTiers = append(r.VolumeTiers, model.VolumeTier{
				MinVolume: decimal.NewFromFloat(vt.MinVolume),
				MaxOrder:  decimal.NewFromFloat(vt.MaxOrder),
			})
		}
	}
	return r
}
