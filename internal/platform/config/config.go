package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	JWT       JWTConfig                 `mapstructure:"jwt"`
	Security  SecurityConfig            `mapstructure:"security"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	Sync      SyncConfig                `mapstructure:"sync"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline"`
	Insights  InsightsConfig            `mapstructure:"insights"`
	Webhooks  WebhooksConfig            `mapstructure:"webhooks"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects the store. Driver is "sqlite3" or "postgres".
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	StateTTL       time.Duration `mapstructure:"state_ttl"`
}

type SecurityConfig struct {
	// TokenEncryptionKey is a hex encoded 32 byte key. Empty disables sealing.
	TokenEncryptionKey string `mapstructure:"token_encryption_key"`
}

type RateLimitConfig struct {
	WebhookPerMinute  int `mapstructure:"webhook_per_minute"`
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

type SyncConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RecurringInterval time.Duration `mapstructure:"recurring_interval"`
	ScheduleInterval  time.Duration `mapstructure:"schedule_interval"`
	RefreshMargin     time.Duration `mapstructure:"refresh_margin"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

type PipelineConfig struct {
	SummaryThreshold int `mapstructure:"summary_threshold"`
}

type InsightsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebhooksConfig struct {
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	Retention    time.Duration `mapstructure:"retention"`
	NotifyURL    string        `mapstructure:"notify_url"`
	NotifySecret string        `mapstructure:"notify_secret"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// ProviderConfig holds the OAuth client and webhook secret for one provider.
type ProviderConfig struct {
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	AuthURL            string        `mapstructure:"auth_url"`
	TokenURL           string        `mapstructure:"token_url"`
	RedirectURI        string        `mapstructure:"redirect_uri"`
	Scopes             []string      `mapstructure:"scopes"`
	APIKey             string        `mapstructure:"api_key"`
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	BaseURL            string        `mapstructure:"base_url"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:data/actsync.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("jwt.access_token_ttl", time.Hour)
	v.SetDefault("jwt.state_ttl", 10*time.Minute)

	v.SetDefault("rate_limit.webhook_per_minute", 600)
	v.SetDefault("rate_limit.api_read_per_minute", 300)
	v.SetDefault("rate_limit.api_write_per_minute", 60)

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.poll_interval", 2*time.Second)
	v.SetDefault("sync.lease_duration", 15*time.Minute)
	v.SetDefault("sync.job_timeout", 10*time.Minute)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.max_backoff", 6*time.Hour)
	v.SetDefault("sync.recurring_interval", time.Hour)
	v.SetDefault("sync.schedule_interval", 5*time.Minute)
	v.SetDefault("sync.refresh_margin", 2*time.Minute)
	v.SetDefault("sync.http_timeout", 30*time.Second)

	v.SetDefault("pipeline.summary_threshold", 4000)
	v.SetDefault("insights.timeout", 20*time.Second)

	v.SetDefault("webhooks.replay_window", 60*time.Second)
	v.SetDefault("webhooks.retention", 30*24*time.Hour)
	v.SetDefault("webhooks.max_body_bytes", 1<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Provider returns the configuration for a provider, or a zero value when absent.
func (c *Config) Provider(name string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}
