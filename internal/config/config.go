package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cedear-arbitrage/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	FX        FXConfig        `mapstructure:"fx"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	BYMA      BYMAConfig      `mapstructure:"byma"`
	Finnhub   FinnhubConfig   `mapstructure:"finnhub"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Ratios    RatiosConfig    `mapstructure:"ratios"`
	Arbitrage ArbitrageConfig `mapstructure:"arbitrage"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs scan cadence. Cron, when set, replaces the interval.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	Cron            string        `mapstructure:"cron"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HTTPConfig is shared by every outbound client.
type HTTPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// CacheConfig selects the resolver cache backend.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"redis_password"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// FXConfig covers the exchange-rate sources.
type FXConfig struct {
	AggregatorURL   string        `mapstructure:"aggregator_url"`
	PreferredSource string        `mapstructure:"preferred_source"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	BondLocal       string        `mapstructure:"bond_local"`
	BondForeign     string        `mapstructure:"bond_foreign"`
}

// PricingConfig covers certificate price resolution.
type PricingConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// BYMAConfig captures the public market data endpoints.
type BYMAConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	HistoricalURL string        `mapstructure:"historical_url"`
	FeedTTL       time.Duration `mapstructure:"feed_ttl"`
	Holidays      []string      `mapstructure:"holidays"`
}

// FinnhubConfig captures the international price source.
type FinnhubConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// BrokerConfig holds a pre-issued broker token. An empty token means limited mode.
type BrokerConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AccessToken string `mapstructure:"access_token"`
	Market      string `mapstructure:"market"`
}

// RatiosConfig locates the conversion ratio document.
type RatiosConfig struct {
	Path string `mapstructure:"path"`
}

// ArbitrageConfig defines detection parameters.
type ArbitrageConfig struct {
	Threshold float64  `mapstructure:"threshold"`
	Symbols   []string `mapstructure:"symbols"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, .env, environment and defaults.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CEDEARWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cedearwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63656465))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.user_agent", "")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.prefix", "cedearwatch:cache")
	v.SetDefault("cache.retention", "24h")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.open_timeout", "30s")

	v.SetDefault("fx.aggregator_url", "https://dolarapi.com")
	v.SetDefault("fx.preferred_source", "dolarapi_ccl")
	v.SetDefault("fx.cache_ttl", "5m")
	v.SetDefault("fx.bond_local", "AL30")
	v.SetDefault("fx.bond_foreign", "AL30D")

	v.SetDefault("pricing.cache_ttl", "3m")

	v.SetDefault("byma.base_url", "https://open.bymadata.com.ar/vanoms-be-core/rest/api/bymadata/free")
	v.SetDefault("byma.historical_url", "https://data-widgets.byma.com.ar/wp-admin/admin-ajax.php")
	v.SetDefault("byma.feed_ttl", "5m")
	v.SetDefault("byma.holidays", []string{})

	v.SetDefault("finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("finnhub.api_key", "")
	v.SetDefault("finnhub.requests_per_minute", 60)

	v.SetDefault("broker.base_url", "https://api.invertironline.com")
	v.SetDefault("broker.access_token", "")
	v.SetDefault("broker.market", "bCBA")

	v.SetDefault("ratios.path", "data/cedeares.json")

	v.SetDefault("arbitrage.threshold", 0.005)
	v.SetDefault("arbitrage.symbols", []string{})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log", "telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Arbitrage.Threshold < 0 {
		return fmt.Errorf("arbitrage.threshold cannot be negative")
	}
	if c.FX.CacheTTL <= 0 || c.Pricing.CacheTTL <= 0 {
		return fmt.Errorf("fx.cache_ttl and pricing.cache_ttl must be greater than zero")
	}
	switch c.FX.PreferredSource {
	case "dolarapi_ccl", "ccl_bond":
	default:
		return fmt.Errorf("fx.preferred_source %q is not one of dolarapi_ccl, ccl_bond", c.FX.PreferredSource)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, redis", c.Cache.Backend)
	}
	if c.Finnhub.RequestsPerMinute <= 0 {
		return fmt.Errorf("finnhub.requests_per_minute must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveSymbols returns the override when given, otherwise the configured list.
func (c *Config) ResolveSymbols(override []string) []string {
	if len(override) > 0 {
		return normalizeSymbols(override)
	}
	return normalizeSymbols(c.Arbitrage.Symbols)
}

func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			s := strings.ToUpper(strings.TrimSpace(part))
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
