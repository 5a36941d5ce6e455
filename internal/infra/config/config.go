package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTPClient HTTPClientConfig `mapstructure:"http_client"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Generation GenerationConfig `mapstructure:"generation"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Billing    BillingConfig    `mapstructure:"billing"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPClientConfig holds HTTP client configuration for connection pooling.
type HTTPClientConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`

	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`

	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// GlobalLimit is the per IP limit on every route.
	GlobalLimit  int           `mapstructure:"global_limit"`
	GlobalWindow time.Duration `mapstructure:"global_window"`
	// SubmitLimit is the per account limit on generation submissions.
	SubmitLimit    int           `mapstructure:"submit_limit"`
	SubmitWindow   time.Duration `mapstructure:"submit_window"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds bearer token validation settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// ProviderConfig holds the image provider API settings.
type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// GenerationConfig holds task orchestration settings.
type GenerationConfig struct {
	CostPerImage        int64         `mapstructure:"cost_per_image"`
	MaxImagesPerRequest int           `mapstructure:"max_images_per_request"`
	DefaultModel        string        `mapstructure:"default_model"`
	DefaultSize         string        `mapstructure:"default_size"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	MaxPollDuration     time.Duration `mapstructure:"max_poll_duration"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	SubmitRetries       int           `mapstructure:"submit_retries"`
	FinalizeTimeout     time.Duration `mapstructure:"finalize_timeout"`
	ReservationGrace    time.Duration `mapstructure:"reservation_grace"`
	RehostResults       bool          `mapstructure:"rehost_results"`
}

// CreditsConfig holds credit accounting settings.
type CreditsConfig struct {
	InitialGrant int64         `mapstructure:"initial_grant"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// PlanConfig describes one paid tier.
type PlanConfig struct {
	MonthlyCredits int64  `mapstructure:"monthly_credits"`
	PriceID        string `mapstructure:"price_id"`
}

// BillingConfig holds plan grants and portal settings.
type BillingConfig struct {
	Plans           map[string]PlanConfig `mapstructure:"plans"`
	PortalReturnURL string                `mapstructure:"portal_return_url"`
}

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// StorageConfig holds object storage configuration for re-hosted results.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	Prefix          string `mapstructure:"prefix"`
}

// Enabled reports whether a bucket is configured.
func (c *StorageConfig) Enabled() bool {
	return c.Bucket != ""
}

// JobsConfig holds cron schedules for background jobs.
type JobsConfig struct {
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`
	SettleSchedule    string `mapstructure:"settle_schedule"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/imagegen")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("IMAGEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applySecretEnv(&cfg)

	return &cfg, nil
}

// applySecretEnv overrides sensitive values from short environment names.
func applySecretEnv(cfg *Config) {
	if secret := os.Getenv("IMAGEGEN_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if password := os.Getenv("IMAGEGEN_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("IMAGEGEN_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("IMAGEGEN_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("IMAGEGEN_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}
	if secretKey := os.Getenv("IMAGEGEN_STRIPE_SECRET_KEY"); secretKey != "" {
		cfg.Stripe.SecretKey = secretKey
	}
	if webhookSecret := os.Getenv("IMAGEGEN_STRIPE_WEBHOOK_SECRET"); webhookSecret != "" {
		cfg.Stripe.WebhookSecret = webhookSecret
	}
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if c.Generation.CostPerImage < 0 {
		errs = append(errs, errors.New("generation.cost_per_image must not be negative"))
	}
	if c.Generation.PollInterval <= 0 {
		errs = append(errs, errors.New("generation.poll_interval must be positive"))
	}
	if c.Generation.MaxPollDuration <= 0 {
		errs = append(errs, errors.New("generation.max_poll_duration must be positive"))
	}
	if c.Generation.RehostResults && !c.Storage.Enabled() {
		errs = append(errs, errors.New("generation.rehost_results needs storage.bucket"))
	}
	for tier, plan := range c.Billing.Plans {
		if plan.MonthlyCredits < 0 {
			errs = append(errs, fmt.Errorf("billing.plans.%s.monthly_credits must not be negative", tier))
		}
	}
	return errors.Join(errs...)
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "imagegen")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// HTTP client defaults
	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 20)
	v.SetDefault("http_client.max_conns_per_host", 50)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 60*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.global_limit", 300)
	v.SetDefault("rate_limit.global_window", time.Minute)
	v.SetDefault("rate_limit.submit_limit", 30)
	v.SetDefault("rate_limit.submit_window", time.Minute)
	v.SetDefault("rate_limit.idempotency_ttl", 24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Provider defaults
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.circuit_timeout", 30*time.Second)

	// Generation defaults
	v.SetDefault("generation.cost_per_image", 1)
	v.SetDefault("generation.max_images_per_request", 4)
	v.SetDefault("generation.default_model", "default")
	v.SetDefault("generation.default_size", "1024x1024")
	v.SetDefault("generation.max_concurrent", 10)
	v.SetDefault("generation.poll_interval", 3*time.Second)
	v.SetDefault("generation.max_backoff", time.Minute)
	v.SetDefault("generation.max_poll_duration", 15*time.Minute)
	v.SetDefault("generation.submit_timeout", 30*time.Second)
	v.SetDefault("generation.submit_retries", 2)
	v.SetDefault("generation.finalize_timeout", 30*time.Second)
	v.SetDefault("generation.reservation_grace", 5*time.Minute)
	v.SetDefault("generation.rehost_results", false)

	// Credits defaults
	v.SetDefault("credits.initial_grant", 0)
	v.SetDefault("credits.cache_ttl", 30*time.Second)

	// Billing defaults
	v.SetDefault("billing.plans", map[string]any{
		"pro":       map[string]any{"monthly_credits": 500},
		"unlimited": map[string]any{"monthly_credits": 0},
	})

	// Storage defaults
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.prefix", "generations/")

	// Job defaults
	v.SetDefault("jobs.reconcile_schedule", "@every 1h")
	v.SetDefault("jobs.settle_schedule", "@every 1m")
}
