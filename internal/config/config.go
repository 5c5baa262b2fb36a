package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cron      CronConfig      `mapstructure:"cron"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Collector CollectorConfig `mapstructure:"collector"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Report    ReportConfig    `mapstructure:"report"`
	Notify    NotifyConfig    `mapstructure:"notify"`

	Instruments   []InstrumentConfig   `mapstructure:"instruments"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

// ServerConfig.APIToken guards /api and /swagger when set.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	APIToken        string        `mapstructure:"api_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// RedisConfig is optional; an empty Addr keeps job locks in-process.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Collector string `mapstructure:"collector"`
	Reconcile string `mapstructure:"reconcile"`
}

type BrokerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	AccountID         string        `mapstructure:"account_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	SessionRefresh    time.Duration `mapstructure:"session_refresh"`
	ReportingTimezone string        `mapstructure:"reporting_timezone"`
	SizeStep          float64       `mapstructure:"size_step"`
	MinSize           float64       `mapstructure:"min_size"`
}

type CollectorConfig struct {
	MaxAttempts int             `mapstructure:"max_attempts"`
	RetryDelays []time.Duration `mapstructure:"retry_delays"`
}

type ReconcileConfig struct {
	ReportMinClosed int `mapstructure:"report_min_closed"`
	ReportWindow    int `mapstructure:"report_window"`
}

type ReportConfig struct {
	Provider  string          `mapstructure:"provider"`
	Model     string          `mapstructure:"model"`
	APIKey    string          `mapstructure:"api_key"`
	BaseURL   string          `mapstructure:"base_url"`
	MaxTokens int64           `mapstructure:"max_tokens"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Archive   S3ArchiveConfig `mapstructure:"archive"`
}

type S3ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type NotifyConfig struct {
	SlackWebhookURL     string `mapstructure:"slack_webhook_url"`
	DiscordWebhookID    string `mapstructure:"discord_webhook_id"`
	DiscordWebhookToken string `mapstructure:"discord_webhook_token"`
}

// InstrumentConfig describes one tradeable instrument. DataTimezone is the zone
// the broker uses for the instrument's price timestamps.
type InstrumentConfig struct {
	Symbol       string             `mapstructure:"symbol"`
	DataTimezone string             `mapstructure:"data_timezone"`
	TradingHours TradingHoursConfig `mapstructure:"trading_hours"`
}

// TradingHoursConfig is either weekly (open/close day, hour and timezone) or
// daily (one timezone, open and close hour, weekends closed).
type TradingHoursConfig struct {
	Type          string `mapstructure:"type"`
	Timezone      string `mapstructure:"timezone"`
	OpenDay       string `mapstructure:"open_day"`
	OpenHour      int    `mapstructure:"open_hour"`
	OpenTimezone  string `mapstructure:"open_timezone"`
	CloseDay      string `mapstructure:"close_day"`
	CloseHour     int    `mapstructure:"close_hour"`
	CloseTimezone string `mapstructure:"close_timezone"`
}

type SubscriptionConfig struct {
	Instrument  string   `mapstructure:"instrument"`
	Resolutions []string `mapstructure:"resolutions"`
}

func Load(path string, envOnly bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "20m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.collector", "0 * * * * *")
	v.SetDefault("cron.reconcile", "0 */15 * * * *")
	v.SetDefault("broker.base_url", "https://demo-api.ig.com/gateway/deal")
	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.account_id", "")
	v.SetDefault("broker.timeout", "15s")
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.retry_backoff", "2s")
	v.SetDefault("broker.session_refresh", "5h")
	v.SetDefault("broker.reporting_timezone", "Europe/London")
	v.SetDefault("broker.size_step", 0.01)
	v.SetDefault("broker.min_size", 0.01)
	v.SetDefault("collector.max_attempts", 4)
	v.SetDefault("collector.retry_delays", []string{"1m", "2m", "5m", "10m"})
	v.SetDefault("reconcile.report_min_closed", 1)
	v.SetDefault("reconcile.report_window", 20)
	v.SetDefault("report.provider", "")
	v.SetDefault("report.model", "")
	v.SetDefault("report.api_key", "")
	v.SetDefault("report.base_url", "")
	v.SetDefault("report.max_tokens", 1024)
	v.SetDefault("report.timeout", "60s")
	v.SetDefault("report.archive.enabled", false)
	v.SetDefault("report.archive.endpoint", "")
	v.SetDefault("report.archive.region", "")
	v.SetDefault("report.archive.bucket", "")
	v.SetDefault("report.archive.prefix", "performance-reports")
	v.SetDefault("report.archive.access_key", "")
	v.SetDefault("report.archive.secret_key", "")
	v.SetDefault("report.archive.force_path_style", false)
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.discord_webhook_id", "")
	v.SetDefault("notify.discord_webhook_token", "")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the parts of the config that would otherwise only fail once
// a job runs.
func (c Config) Validate() error {
	var errs []error
	seen := map[string]struct{}{}
	for i, inst := range c.Instruments {
		sym := strings.TrimSpace(inst.Symbol)
		if sym == "" {
			errs = append(errs, fmt.Errorf("instruments[%d]: symbol is required", i))
			continue
		}
		if _, dup := seen[sym]; dup {
			errs = append(errs, fmt.Errorf("instruments[%d]: duplicate symbol %q", i, sym))
		}
		seen[sym] = struct{}{}
		switch strings.ToLower(inst.TradingHours.Type) {
		case "weekly", "daily":
		default:
			errs = append(errs, fmt.Errorf("instrument %s: trading_hours.type must be weekly or daily", sym))
		}
	}
	for i, sub := range c.Subscriptions {
		if _, ok := seen[strings.TrimSpace(sub.Instrument)]; !ok {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: unknown instrument %q", i, sub.Instrument))
		}
	}
	if c.Collector.MaxAttempts <= 0 {
		errs = append(errs, errors.New("collector.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}
