// Package config reads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the server configuration. Zero values are never used directly;
// Load fills defaults for anything unset.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration

	CoinGeckoAPI string
	StaticPrices string
	PriceTTL     time.Duration

	TickInterval     time.Duration
	WatchdogInterval time.Duration
	RoundCooldown    time.Duration
	RetryDelay       time.Duration
	MaxMultiplier    int64
	GrowthFactor     decimal.Decimal

	MinStake decimal.Decimal
	MaxStake decimal.Decimal
}

// Load reads the environment. Invalid values are reported together.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		Port:             p.str("PORT", "8080"),
		DatabaseURL:      p.str("DATABASE_URL", ""),
		RedisURL:         p.str("REDIS_URL", ""),
		RedisTTL:         p.duration("REDIS_TTL", 30*time.Second),
		CoinGeckoAPI:     p.str("COINGECKO_API", ""),
		StaticPrices:     p.str("STATIC_PRICES", "BTC=50000,ETH=3000"),
		PriceTTL:         p.duration("PRICE_TTL", 10*time.Second),
		TickInterval:     p.duration("TICK_INTERVAL", 100*time.Millisecond),
		WatchdogInterval: p.duration("WATCHDOG_INTERVAL", 3*time.Second),
		RoundCooldown:    p.duration("ROUND_COOLDOWN", time.Second),
		RetryDelay:       p.duration("RETRY_DELAY", 2*time.Second),
		MaxMultiplier:    p.int("MAX_MULTIPLIER", 100),
		GrowthFactor:     p.decimal("GROWTH_FACTOR", "1.01"),
		MinStake:         p.decimal("MIN_STAKE", "0.01"),
		MaxStake:         p.decimal("MAX_STAKE", "0"),
	}

	if cfg.MaxMultiplier < 2 {
		p.fail("MAX_MULTIPLIER", "must be at least 2")
	}
	if !cfg.GrowthFactor.GreaterThan(decimal.NewFromInt(1)) {
		p.fail("GROWTH_FACTOR", "must be greater than 1")
	}
	if cfg.MinStake.IsNegative() {
		p.fail("MIN_STAKE", "must not be negative")
	}
	if cfg.MaxStake.IsNegative() {
		p.fail("MAX_STAKE", "must not be negative")
	}
	if cfg.MaxStake.IsPositive() && cfg.MaxStake.LessThan(cfg.MinStake) {
		p.fail("MAX_STAKE", "must not be below MIN_STAKE")
	}
	if cfg.RoundCooldown < time.Second {
		p.fail("ROUND_COOLDOWN", "must be at least 1s")
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, fmt.Errorf("config: %s %s", key, msg))
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, fmt.Sprintf("must be a positive duration, got %q", v))
		return def
	}
	return d
}

func (p *parser) int(key string, def int64) int64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, fmt.Sprintf("must be an integer, got %q", v))
		return def
	}
	return n
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v := p.getenv(key)
	if v == "" {
		return decimal.RequireFromString(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, fmt.Sprintf("must be a number, got %q", v))
		return decimal.RequireFromString(def)
	}
	return d
}
