package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.TickInterval != 100*time.Millisecond || cfg.WatchdogInterval != 3*time.Second {
		t.Errorf("intervals = %v / %v", cfg.TickInterval, cfg.WatchdogInterval)
	}
	if cfg.RoundCooldown != time.Second || cfg.RetryDelay != 2*time.Second {
		t.Errorf("cooldown/retry = %v / %v", cfg.RoundCooldown, cfg.RetryDelay)
	}
	if cfg.MaxMultiplier != 100 {
		t.Errorf("MaxMultiplier = %d", cfg.MaxMultiplier)
	}
	if !cfg.GrowthFactor.Equal(decimal.RequireFromString("1.01")) {
		t.Errorf("GrowthFactor = %s", cfg.GrowthFactor)
	}
	if cfg.PriceTTL != 10*time.Second || cfg.RedisTTL != 30*time.Second {
		t.Errorf("ttls = %v / %v", cfg.PriceTTL, cfg.RedisTTL)
	}
	if cfg.StaticPrices != "BTC=50000,ETH=3000" {
		t.Errorf("StaticPrices = %q", cfg.StaticPrices)
	}
	if !cfg.MaxStake.IsZero() {
		t.Errorf("MaxStake = %s, want unlimited", cfg.MaxStake)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"PORT":           "9090",
		"DATABASE_URL":   "postgres://localhost/crash",
		"TICK_INTERVAL":  "50ms",
		"MAX_MULTIPLIER": "1000",
		"GROWTH_FACTOR":  "1.02",
		"MAX_STAKE":      "500",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.DatabaseURL != "postgres://localhost/crash" {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
	if cfg.TickInterval != 50*time.Millisecond || cfg.MaxMultiplier != 1000 {
		t.Errorf("tick = %v, max = %d", cfg.TickInterval, cfg.MaxMultiplier)
	}
	if !cfg.MaxStake.Equal(decimal.NewFromInt(500)) {
		t.Errorf("MaxStake = %s", cfg.MaxStake)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TICK_INTERVAL", "fast"},
		{"TICK_INTERVAL", "-1s"},
		{"MAX_MULTIPLIER", "1"},
		{"MAX_MULTIPLIER", "ten"},
		{"GROWTH_FACTOR", "1"},
		{"GROWTH_FACTOR", "x"},
		{"MIN_STAKE", "-1"},
		{"ROUND_COOLDOWN", "500ms"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			_, err := load(env(map[string]string{tt.key: tt.value}))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q should name %s", err, tt.key)
			}
		})
	}
}

func TestLoadReportsAllErrors(t *testing.T) {
	_, err := load(env(map[string]string{
		"PRICE_TTL":     "soon",
		"GROWTH_FACTOR": "0.5",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"PRICE_TTL", "GROWTH_FACTOR"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should name %s", err, key)
		}
	}
}
