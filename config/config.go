// Package config centralises runtime configuration for the mirroring daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings contains the configuration tree loaded from defaults, an optional
// YAML file, and environment overrides. Components receive the sub-structs
// they need at construction; nothing reads configuration ambiently.
type Settings struct {
	Feed      FeedConfig      `yaml:"feed"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Risk      RiskConfig      `yaml:"risk"`
	Retry     RetryConfig     `yaml:"retry"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     bool            `yaml:"debug"`
}

// FeedConfig declares the event feed subscription.
type FeedConfig struct {
	WebsocketURL     string        `yaml:"websocketUrl"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	Markets          []string      `yaml:"markets"`
	SourceWallets    []string      `yaml:"sourceWallets"`
}

// SizingConfig controls how observed source orders are scaled into mirror actions.
type SizingConfig struct {
	CopyRatio      decimal.Decimal `yaml:"copyRatio"`
	TickSize       decimal.Decimal `yaml:"tickSize"`
	RespectBalance bool            `yaml:"respectBalance"`
	EnforceMinimum bool            `yaml:"enforceMinimum"`
}

// RiskConfig defines the portfolio limits enforced before every submission.
type RiskConfig struct {
	// MinBalance stops mirroring entirely once the collateral balance
	// falls below this floor.
	MinBalance decimal.Decimal `yaml:"minBalance"`

	// MinOrderSize is the smallest base size accepted per action.
	MinOrderSize decimal.Decimal `yaml:"minOrderSize"`

	// MaxPositionSize caps the resulting per-market position notional.
	MaxPositionSize decimal.Decimal `yaml:"maxPositionSize"`

	// MaxTotalExposure caps aggregate notional across all markets.
	MaxTotalExposure decimal.Decimal `yaml:"maxTotalExposure"`

	// MaxMarketConcentration caps a single market's share of total
	// exposure. Zero disables the check.
	MaxMarketConcentration decimal.Decimal `yaml:"maxMarketConcentration"`

	// CollateralAsset names the quote asset margined against.
	CollateralAsset string `yaml:"collateralAsset"`

	// OrderThrottle is the maximum rate of submissions per second.
	OrderThrottle float64 `yaml:"orderThrottle"`

	MarketWhitelist []string `yaml:"marketWhitelist"`
	MarketBlacklist []string `yaml:"marketBlacklist"`
}

// RetryConfig governs submission retries and the circuit breaker.
type RetryConfig struct {
	BaseDelay         time.Duration `yaml:"baseDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerWindow     time.Duration `yaml:"breakerWindow"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown"`
}

// PostgresConfig declares the optional persistence backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures the OTLP metric exporter. An empty endpoint
// leaves telemetry disabled.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Default returns the baseline configuration.
func Default() Settings {
	return Settings{
		Feed: FeedConfig{
			WebsocketURL:     "",
			HandshakeTimeout: 10 * time.Second,
			Markets:          nil,
			SourceWallets:    nil,
		},
		Sizing: SizingConfig{
			CopyRatio:      decimal.NewFromInt(1),
			TickSize:       decimal.Zero,
			RespectBalance: false,
			EnforceMinimum: true,
		},
		Risk: RiskConfig{
			MinBalance:             decimal.Zero,
			MinOrderSize:           decimal.NewFromInt(10),
			MaxPositionSize:        decimal.NewFromInt(1000),
			MaxTotalExposure:       decimal.NewFromInt(5000),
			MaxMarketConcentration: decimal.Zero,
			CollateralAsset:        "USDC",
			OrderThrottle:          5,
			MarketWhitelist:        nil,
			MarketBlacklist:        nil,
		},
		Retry: RetryConfig{
			BaseDelay:         time.Second,
			BackoffMultiplier: 2,
			MaxAttempts:       3,
			BreakerThreshold:  10,
			BreakerWindow:     time.Minute,
			BreakerCooldown:   5 * time.Minute,
		},
		Postgres:  PostgresConfig{DSN: ""},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "kurumirror"},
		Debug:     false,
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error; the defaults stand.
func Load(path string) (Settings, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("MIRROR_WS_URL")); v != "" {
		cfg.Feed.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_MARKETS")); v != "" {
		cfg.Feed.Markets = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_SOURCE_WALLETS")); v != "" {
		cfg.Feed.SourceWallets = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_COPY_RATIO")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Sizing.CopyRatio = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_PG_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (s Settings) Validate() error {
	if s.Sizing.CopyRatio.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: copy ratio must be positive, got %s", s.Sizing.CopyRatio)
	}
	if s.Risk.MinOrderSize.IsNegative() {
		return fmt.Errorf("config: min order size must not be negative, got %s", s.Risk.MinOrderSize)
	}
	if s.Risk.MaxPositionSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: max position size must be positive, got %s", s.Risk.MaxPositionSize)
	}
	if s.Risk.MaxTotalExposure.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: max total exposure must be positive, got %s", s.Risk.MaxTotalExposure)
	}
	if s.Risk.MaxMarketConcentration.IsNegative() || s.Risk.MaxMarketConcentration.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: market concentration must be within [0,1], got %s", s.Risk.MaxMarketConcentration)
	}
	if s.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: retry base delay must be positive, got %s", s.Retry.BaseDelay)
	}
	if s.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("config: backoff multiplier must be >= 1, got %g", s.Retry.BackoffMultiplier)
	}
	if s.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.BreakerThreshold <= 0 {
		return fmt.Errorf("config: breaker threshold must be positive, got %d", s.Retry.BreakerThreshold)
	}
	return nil
}
