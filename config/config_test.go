package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `balanceflow:
  name: "TestApp"
  version: "1.0"
engine:
  cycle_timeout: 60
  min_disbalance_usd: 500
channels:
  event_buffer: 16
venues:
  binance:
    enabled: true
    symbols:
      BTC: "BTCUSDT"
      ETH: "ETHUSDT"
audit:
  kafka:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Balanceflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Balanceflow.Name)
	}
	if cfg.Engine.CycleTimeout.Std() != 60*time.Second {
		t.Errorf("unexpected cycle timeout: %s", cfg.Engine.CycleTimeout.Std())
	}
	if cfg.Engine.MinDisbalanceUSD != 500 {
		t.Errorf("unexpected threshold: %f", cfg.Engine.MinDisbalanceUSD)
	}
	// defaults
	if cfg.Engine.BalanceDropRatio != 0.99 {
		t.Errorf("unexpected balance drop ratio: %f", cfg.Engine.BalanceDropRatio)
	}
	if cfg.Engine.PriceOffsetTicks != 5 {
		t.Errorf("unexpected price offset ticks: %d", cfg.Engine.PriceOffsetTicks)
	}
	if got := cfg.EnabledVenues(); len(got) != 1 || got[0] != "binance" {
		t.Errorf("unexpected enabled venues: %v", got)
	}
}

func TestLoadConfigRejectsMissingThreshold(t *testing.T) {
	content := `balanceflow:
  name: "TestApp"
  version: "1.0"
engine:
  cycle_timeout: 60
venues:
  binance:
    enabled: true
    symbols:
      BTC: "BTCUSDT"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil || !strings.Contains(err.Error(), "min_disbalance_usd") {
		t.Fatalf("expected min_disbalance_usd error, got %v", err)
	}
}

func TestLoadConfigRejectsNoVenues(t *testing.T) {
	content := `balanceflow:
  name: "TestApp"
  version: "1.0"
engine:
  cycle_timeout: 60
  min_disbalance_usd: 100
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil || !strings.Contains(err.Error(), "venue") {
		t.Fatalf("expected venue error, got %v", err)
	}
}

func TestCredentialEnvOverride(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")

	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venues.Binance.APIKey != "env-key" {
		t.Errorf("env override not applied: %q", cfg.Venues.Binance.APIKey)
	}
}

func TestDurationForms(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"cycle_timeout: 90", 90 * time.Second},
		{"cycle_timeout: 90s", 90 * time.Second},
		{"cycle_timeout: 2m", 2 * time.Minute},
	}
	for _, c := range cases {
		var out struct {
			CycleTimeout Duration `yaml:"cycle_timeout"`
		}
		if err := yaml.Unmarshal([]byte(c.in), &out); err != nil {
			t.Fatalf("unmarshal %q: %v", c.in, err)
		}
		if out.CycleTimeout.Std() != c.want {
			t.Errorf("duration %q = %s, want %s", c.in, out.CycleTimeout.Std(), c.want)
		}
	}
}
