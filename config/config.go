package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polyfollow/internal/application/engine"
	"github.com/alejandrodnm/polyfollow/internal/follower"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
	"github.com/alejandrodnm/polyfollow/internal/shockguard"
)

// Config is the full configuration of the follower process.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Feed       FeedConfig       `yaml:"feed"`
	Buy        BuyConfig        `yaml:"buy"`
	Sell       SellConfig       `yaml:"sell"`
	ShockGuard ShockGuardConfig `yaml:"shock_guard"`
	Engine     EngineConfig     `yaml:"engine"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Seconds is a YAML duration written as (fractional) seconds.
type Seconds float64

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

func seconds(d time.Duration) Seconds {
	return Seconds(d.Seconds())
}

// APIConfig holds endpoints and credentials.
type APIConfig struct {
	CLOBBase   string `yaml:"clob_base"`
	WSBase     string `yaml:"ws_base"`
	RPCURL     string `yaml:"rpc_url"` // Polygon JSON-RPC, enables position probes
	PrivateKey string `yaml:"-"`       // only from POLY_PRIVATE_KEY
}

// FeedConfig tunes the price feed and the market websocket.
type FeedConfig struct {
	WSEnabled        bool    `yaml:"ws_enabled"`
	PushNoneFallback int     `yaml:"push_none_fallback"`
	BackoffBase      Seconds `yaml:"backoff_base"`
	BackoffCap       Seconds `yaml:"backoff_cap"`
	RateLimitFloor   Seconds `yaml:"rate_limit_floor"`
	NotFoundLimit    int     `yaml:"not_found_limit"`
	NoneStreakExit   int     `yaml:"none_streak_exit"` // 0 disables
	QuoteMaxAge      Seconds `yaml:"quote_max_age"`
	WSPing           Seconds `yaml:"ws_ping"`
}

// BuyConfig tunes the buy follower.
type BuyConfig struct {
	PollInterval   Seconds `yaml:"poll_interval"`
	MinOrderSize   float64 `yaml:"min_order_size"`
	MinNotional    float64 `yaml:"min_notional"`
	SizeDecimals   int     `yaml:"size_decimals"`
	PriceCap       float64 `yaml:"price_cap"` // 0 disables
	PriceTimeout   Seconds `yaml:"price_timeout"`
	ShrinkHalvings int     `yaml:"shrink_halvings"`
	ShrinkStep     float64 `yaml:"shrink_step"`
	ShrinkInterval Seconds `yaml:"shrink_interval"`
	StallPolls     int     `yaml:"stall_polls"`
}

// SellConfig tunes the sell follower.
type SellConfig struct {
	PollInterval      Seconds `yaml:"poll_interval"`
	MinOrderSize      float64 `yaml:"min_order_size"`
	SizeDecimals      int     `yaml:"size_decimals"`
	SpreadFloorBps    float64 `yaml:"spread_floor_bps"`
	Mode              string  `yaml:"mode"` // conservative | aggressive
	StepSize          float64 `yaml:"step_size"`
	StepTimeout       Seconds `yaml:"step_timeout"`
	BackoffBase       Seconds `yaml:"backoff_base"`
	BackoffCap        Seconds `yaml:"backoff_cap"`
	BackoffMaxLevel   int     `yaml:"backoff_max_level"`
	PositionRefresh   Seconds `yaml:"position_refresh"`
	AskValidation     Seconds `yaml:"ask_validation_interval"`
	PriceTimeout      Seconds `yaml:"price_timeout"`
	InactivityTimeout Seconds `yaml:"inactivity_timeout"` // 0 disables
	RetryBase         Seconds `yaml:"retry_base"`
	RetryCap          Seconds `yaml:"retry_cap"`
	ShrinkAfter       int     `yaml:"shrink_after"`
	UnreachableAfter  int     `yaml:"unreachable_after"`
	ShrinkHalvings    int     `yaml:"shrink_halvings"`
	ShrinkStep        float64 `yaml:"shrink_step"`
}

// ShockGuardConfig holds the shock and recovery thresholds. It is the only
// section applied live by Watch.
type ShockGuardConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Window            Seconds `yaml:"window"`
	DropPct           float64 `yaml:"drop_pct"`
	Velocity          float64 `yaml:"velocity"`  // price units per second, 0 disables
	AbsFloor          float64 `yaml:"abs_floor"` // 0 disables
	Hold              Seconds `yaml:"hold"`
	ReboundPct        float64 `yaml:"rebound_pct"`
	Reconfirm         Seconds `yaml:"reconfirm"`
	SpreadCap         float64 `yaml:"spread_cap"`
	RequireConditions int     `yaml:"require_conditions"`
	Cooldown          Seconds `yaml:"cooldown"`
}

// EngineConfig tunes the buy gate loop.
type EngineConfig struct {
	GateTimeout Seconds `yaml:"gate_timeout"`
	GatePoll    Seconds `yaml:"gate_poll"`
}

// StorageConfig controls where runs are journaled.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// Default returns the configuration used for every key the YAML omits.
func Default() *Config {
	feed := pricefeed.DefaultConfig()
	buy := follower.DefaultBuyConfig()
	sell := follower.DefaultSellConfig()
	guard := shockguard.DefaultConfig()
	eng := engine.DefaultConfig()

	return &Config{
		API: APIConfig{
			CLOBBase: "https://clob.polymarket.com",
			WSBase:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Feed: FeedConfig{
			WSEnabled:        true,
			PushNoneFallback: feed.PushNoneFallback,
			BackoffBase:      seconds(feed.BackoffBase),
			BackoffCap:       seconds(feed.BackoffCap),
			RateLimitFloor:   seconds(feed.RateLimitFloor),
			NotFoundLimit:    feed.NotFoundLimit,
			NoneStreakExit:   feed.NoneStreakExit,
			QuoteMaxAge:      10,
			WSPing:           10,
		},
		Buy: BuyConfig{
			PollInterval:   seconds(buy.PollInterval),
			MinOrderSize:   buy.MinOrderSize,
			MinNotional:    buy.MinNotional,
			SizeDecimals:   buy.SizeDecimals,
			PriceCap:       buy.PriceCap,
			PriceTimeout:   seconds(buy.PriceTimeout),
			ShrinkHalvings: buy.ShrinkHalvings,
			ShrinkStep:     buy.ShrinkStep,
			ShrinkInterval: seconds(buy.ShrinkInterval),
			StallPolls:     buy.StallPolls,
		},
		Sell: SellConfig{
			PollInterval:      seconds(sell.PollInterval),
			MinOrderSize:      sell.MinOrderSize,
			SizeDecimals:      sell.SizeDecimals,
			SpreadFloorBps:    sell.SpreadFloorBps,
			Mode:              string(sell.Mode),
			StepSize:          sell.StepSize,
			StepTimeout:       seconds(sell.StepTimeout),
			BackoffBase:       seconds(sell.BackoffBase),
			BackoffCap:        seconds(sell.BackoffCap),
			BackoffMaxLevel:   sell.BackoffMaxLevel,
			PositionRefresh:   seconds(sell.PositionRefresh),
			AskValidation:     seconds(sell.AskValidation),
			PriceTimeout:      seconds(sell.PriceTimeout),
			InactivityTimeout: seconds(sell.InactivityTimeout),
			RetryBase:         seconds(sell.RetryBase),
			RetryCap:          seconds(sell.RetryCap),
			ShrinkAfter:       sell.ShrinkAfter,
			UnreachableAfter:  sell.UnreachableAfter,
			ShrinkHalvings:    sell.ShrinkHalvings,
			ShrinkStep:        sell.ShrinkStep,
		},
		ShockGuard: ShockGuardConfig{
			Enabled:           guard.Enabled,
			Window:            seconds(guard.Window),
			DropPct:           guard.DropPct,
			Velocity:          guard.Velocity,
			AbsFloor:          guard.AbsFloor,
			Hold:              seconds(guard.Hold),
			ReboundPct:        guard.ReboundPct,
			Reconfirm:         seconds(guard.Reconfirm),
			SpreadCap:         guard.SpreadCap,
			RequireConditions: guard.RequireConditions,
			Cooldown:          seconds(guard.Cooldown),
		},
		Engine: EngineConfig{
			GateTimeout: seconds(eng.GateTimeout),
			GatePoll:    seconds(eng.GatePoll),
		},
		Storage: StorageConfig{DSN: "polyfollow.db"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file over Default and then applies the .env file and
// environment overrides. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default, applies env overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the followers cannot run with.
func (c *Config) Validate() error {
	switch follower.SellMode(c.Sell.Mode) {
	case follower.SellConservative, follower.SellAggressive:
	default:
		return fmt.Errorf("sell.mode: unknown mode %q", c.Sell.Mode)
	}
	if c.ShockGuard.DropPct < 0 || c.ShockGuard.DropPct >= 1 {
		return fmt.Errorf("shock_guard.drop_pct: %v outside [0, 1)", c.ShockGuard.DropPct)
	}
	if c.ShockGuard.RequireConditions < 0 || c.ShockGuard.RequireConditions > 3 {
		return fmt.Errorf("shock_guard.require_conditions: %d outside [0, 3]", c.ShockGuard.RequireConditions)
	}
	if c.Buy.PriceCap < 0 || c.Buy.PriceCap > 1 {
		return fmt.Errorf("buy.price_cap: %v outside [0, 1]", c.Buy.PriceCap)
	}
	return nil
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.API.PrivateKey = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.API.RPCURL = v
	}
}

// setDefaults restores required values an explicit empty key cleared.
func setDefaults(cfg *Config) {
	def := Default()
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = def.API.CLOBBase
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = def.API.WSBase
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = def.Storage.DSN
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Sell.Mode == "" {
		cfg.Sell.Mode = def.Sell.Mode
	}
	if cfg.Buy.PollInterval <= 0 {
		cfg.Buy.PollInterval = def.Buy.PollInterval
	}
	if cfg.Sell.PollInterval <= 0 {
		cfg.Sell.PollInterval = def.Sell.PollInterval
	}
	if cfg.Feed.QuoteMaxAge <= 0 {
		cfg.Feed.QuoteMaxAge = def.Feed.QuoteMaxAge
	}
	if cfg.Feed.WSPing <= 0 {
		cfg.Feed.WSPing = def.Feed.WSPing
	}
}

// PriceFeed converts the feed section.
func (c FeedConfig) PriceFeed() pricefeed.Config {
	cfg := pricefeed.DefaultConfig()
	cfg.PushNoneFallback = c.PushNoneFallback
	cfg.BackoffBase = c.BackoffBase.Duration()
	cfg.BackoffCap = c.BackoffCap.Duration()
	cfg.RateLimitFloor = c.RateLimitFloor.Duration()
	cfg.NotFoundLimit = c.NotFoundLimit
	cfg.NoneStreakExit = c.NoneStreakExit
	return cfg
}

// Follower converts the buy section.
func (c BuyConfig) Follower() follower.BuyConfig {
	return follower.BuyConfig{
		PollInterval:   c.PollInterval.Duration(),
		MinOrderSize:   c.MinOrderSize,
		MinNotional:    c.MinNotional,
		SizeDecimals:   c.SizeDecimals,
		PriceCap:       c.PriceCap,
		PriceTimeout:   c.PriceTimeout.Duration(),
		ShrinkHalvings: c.ShrinkHalvings,
		ShrinkStep:     c.ShrinkStep,
		ShrinkInterval: c.ShrinkInterval.Duration(),
		StallPolls:     c.StallPolls,
	}
}

// Follower converts the sell section.
func (c SellConfig) Follower() follower.SellConfig {
	return follower.SellConfig{
		PollInterval:      c.PollInterval.Duration(),
		MinOrderSize:      c.MinOrderSize,
		SizeDecimals:      c.SizeDecimals,
		SpreadFloorBps:    c.SpreadFloorBps,
		Mode:              follower.SellMode(c.Mode),
		StepSize:          c.StepSize,
		StepTimeout:       c.StepTimeout.Duration(),
		BackoffBase:       c.BackoffBase.Duration(),
		BackoffCap:        c.BackoffCap.Duration(),
		BackoffMaxLevel:   c.BackoffMaxLevel,
		PositionRefresh:   c.PositionRefresh.Duration(),
		AskValidation:     c.AskValidation.Duration(),
		PriceTimeout:      c.PriceTimeout.Duration(),
		InactivityTimeout: c.InactivityTimeout.Duration(),
		RetryBase:         c.RetryBase.Duration(),
		RetryCap:          c.RetryCap.Duration(),
		ShrinkAfter:       c.ShrinkAfter,
		UnreachableAfter:  c.UnreachableAfter,
		ShrinkHalvings:    c.ShrinkHalvings,
		ShrinkStep:        c.ShrinkStep,
	}
}

// Guard converts the shock_guard section.
func (c ShockGuardConfig) Guard() shockguard.Config {
	return shockguard.Config{
		Enabled:           c.Enabled,
		Window:            c.Window.Duration(),
		DropPct:           c.DropPct,
		Velocity:          c.Velocity,
		AbsFloor:          c.AbsFloor,
		Hold:              c.Hold.Duration(),
		ReboundPct:        c.ReboundPct,
		Reconfirm:         c.Reconfirm.Duration(),
		SpreadCap:         c.SpreadCap,
		RequireConditions: c.RequireConditions,
		Cooldown:          c.Cooldown.Duration(),
	}
}

// Engine converts the engine section.
func (c EngineConfig) Engine() engine.Config {
	return engine.Config{
		GateTimeout: c.GateTimeout.Duration(),
		GatePoll:    c.GatePoll.Duration(),
	}
}
