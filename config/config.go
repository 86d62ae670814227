package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Balanceflow BalanceflowConfig `yaml:"balanceflow"`
	Engine      EngineConfig      `yaml:"engine"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Venues      VenuesConfig      `yaml:"venues"`
	Audit       AuditConfig       `yaml:"audit"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type BalanceflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// EngineConfig carries the reconciliation parameters: how often a cycle
// runs, how large a net exposure must grow before the engine acts, and
// the pricing safety margins used when ranking venues.
type EngineConfig struct {
	CycleTimeout     Duration `yaml:"cycle_timeout"`
	StartupDelay     Duration `yaml:"startup_delay"`
	MinDisbalanceUSD float64  `yaml:"min_disbalance_usd"`
	BalanceDropRatio float64  `yaml:"balance_drop_ratio"`
	OrderPause       Duration `yaml:"order_pause"`
	PriceOffsetTicks int      `yaml:"price_offset_ticks"`
	SizeTolerance    float64  `yaml:"size_tolerance"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	Kucoin  VenueConfig `yaml:"kucoin"`
}

// VenueConfig describes one exchange account. Symbols maps canonical
// asset codes to the venue-native symbol (e.g. BTC -> XBTUSDTM).
type VenueConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	APIPassphrase  string               `yaml:"api_passphrase"`
	Symbols        map[string]string    `yaml:"symbols"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Timeout        Duration             `yaml:"timeout"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"`
}

type AuditConfig struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Telegram TelegramConfig `yaml:"telegram"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	OrdersTopic      string   `yaml:"orders_topic"`
	DisbalancesTopic string   `yaml:"disbalances_topic"`
	BalancesTopic    string   `yaml:"balances_topic"`
}

type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	AlertChatID int64  `yaml:"alert_chat_id"`
}

type ArchiveConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Bucket          string   `yaml:"bucket"`
	Region          string   `yaml:"region"`
	Prefix          string   `yaml:"prefix"`
	FlushInterval   Duration `yaml:"flush_interval"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Duration decodes either a Go duration string ("90s") or a bare number
// of seconds, matching the operator habit of writing plain seconds for
// the cycle timeout.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Engine: EngineConfig{
			BalanceDropRatio: 0.99,
			PriceOffsetTicks: 5,
			SizeTolerance:    0.01,
			OrderPause:       Duration(time.Second),
		},
		Channels: ChannelsConfig{
			EventBuffer: 256,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets credentials come from the environment so they
// never have to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	setFromEnv(&cfg.Venues.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&cfg.Venues.Binance.APISecret, "BINANCE_API_SECRET")
	setFromEnv(&cfg.Venues.Bybit.APIKey, "BYBIT_API_KEY")
	setFromEnv(&cfg.Venues.Bybit.APISecret, "BYBIT_API_SECRET")
	setFromEnv(&cfg.Venues.Kucoin.APIKey, "KUCOIN_API_KEY")
	setFromEnv(&cfg.Venues.Kucoin.APISecret, "KUCOIN_API_SECRET")
	setFromEnv(&cfg.Venues.Kucoin.APIPassphrase, "KUCOIN_API_PASSPHRASE")
	setFromEnv(&cfg.Audit.Telegram.Token, "TELEGRAM_TOKEN")

	if cfg.Audit.Archive.Enabled {
		setFromEnv(&cfg.Audit.Archive.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setFromEnv(&cfg.Audit.Archive.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setFromEnv(&cfg.Audit.Archive.Region, "AWS_REGION")
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

// EnabledVenues returns the names of all venues switched on in the
// configuration, in fixed iteration order.
func (c *Config) EnabledVenues() []string {
	names := []string{}
	if c.Venues.Binance.Enabled {
		names = append(names, "binance")
	}
	if c.Venues.Bybit.Enabled {
		names = append(names, "bybit")
	}
	if c.Venues.Kucoin.Enabled {
		names = append(names, "kucoin")
	}
	return names
}

func validateConfig(cfg *Config) error {
	if cfg.Balanceflow.Name == "" {
		return fmt.Errorf("balanceflow.name is required")
	}

	if cfg.Balanceflow.Version == "" {
		return fmt.Errorf("balanceflow.version is required")
	}

	if cfg.Engine.CycleTimeout.Std() <= 0 {
		return fmt.Errorf("engine.cycle_timeout must be greater than 0")
	}

	if cfg.Engine.MinDisbalanceUSD <= 0 {
		return fmt.Errorf("engine.min_disbalance_usd must be greater than 0")
	}

	if cfg.Engine.BalanceDropRatio <= 0 || cfg.Engine.BalanceDropRatio >= 1 {
		return fmt.Errorf("engine.balance_drop_ratio must be between 0 and 1")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if len(cfg.EnabledVenues()) == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}

	for _, vc := range []struct {
		name string
		cfg  VenueConfig
	}{
		{"binance", cfg.Venues.Binance},
		{"bybit", cfg.Venues.Bybit},
		{"kucoin", cfg.Venues.Kucoin},
	} {
		if vc.cfg.Enabled && len(vc.cfg.Symbols) == 0 {
			return fmt.Errorf("venues.%s.symbols is required when the venue is enabled", vc.name)
		}
	}

	if cfg.Audit.Kafka.Enabled && len(cfg.Audit.Kafka.Brokers) == 0 {
		return fmt.Errorf("audit.kafka.brokers is required when kafka is enabled")
	}

	if cfg.Audit.Telegram.Enabled {
		if cfg.Audit.Telegram.Token == "" {
			return fmt.Errorf("audit.telegram.token is required when telegram is enabled")
		}
		if cfg.Audit.Telegram.ChatID == 0 {
			return fmt.Errorf("audit.telegram.chat_id is required when telegram is enabled")
		}
	}

	if cfg.Audit.Archive.Enabled {
		if cfg.Audit.Archive.Bucket == "" {
			return fmt.Errorf("audit.archive.bucket is required when the archive is enabled")
		}
		if cfg.Audit.Archive.Region == "" {
			return fmt.Errorf("audit.archive.region is required when the archive is enabled")
		}
	}

	return nil
}
