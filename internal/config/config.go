package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the runtime environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration
type Config struct {
	Environment Environment
	Server      ServerConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Webhook     WebhookConfig
	Billing     BillingConfig
	Queue       QueueConfig
	Reconcile   ReconcileConfig
	Kafka       KafkaConfig
	Dashboard   DashboardConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ProxyHeader  string
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// AuthConfig holds tenant token verification configuration.
// Tokens are minted by the external identity service; this service only
// verifies them and extracts the organization id claim.
type AuthConfig struct {
	JWTSecret string
}

// WebhookConfig holds webhook intake configuration.
// Secrets maps a provider name (the :provider path segment) to its shared
// HMAC secret. Providers without a secret are rejected.
type WebhookConfig struct {
	Secrets       map[string]string
	TimestampSkew time.Duration
}

// BillingConfig holds billing defaults applied when an event payload
// does not carry a resolved per-tenant value.
type BillingConfig struct {
	DefaultRatePencePerMinute int64
	DefaultDebtLimitPence     int64
}

// QueueConfig holds webhook job queue worker configuration
type QueueConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// ReconcileConfig holds reconciliation worker configuration
type ReconcileConfig struct {
	Interval     time.Duration
	StuckTimeout time.Duration
}

// KafkaConfig holds the ledger event stream configuration.
// Publishing is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers      []string
	EntriesTopic string
	AlertsTopic  string
}

// DashboardConfig holds dashboard CORS configuration
type DashboardConfig struct {
	AllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() *Config {
	// Default to production for safety - explicit opt-in to development mode
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ProxyHeader:  getEnv("SERVER_PROXY_HEADER", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "switchboard"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "switchboard"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Webhook: WebhookConfig{
			Secrets:       getSecretMap("WEBHOOK_SECRETS"),
			TimestampSkew: getDuration("WEBHOOK_TIMESTAMP_SKEW", 5*time.Minute),
		},
		Billing: BillingConfig{
			DefaultRatePencePerMinute: getInt64("BILLING_DEFAULT_RATE_PENCE_PER_MINUTE", 70),
			DefaultDebtLimitPence:     getInt64("BILLING_DEFAULT_DEBT_LIMIT_PENCE", 500),
		},
		Queue: QueueConfig{
			PollInterval: getDuration("QUEUE_POLL_INTERVAL", 1*time.Second),
			BatchSize:    getInt("QUEUE_BATCH_SIZE", 50),
			MaxAttempts:  getInt("QUEUE_MAX_ATTEMPTS", 8),
			BaseBackoff:  getDuration("QUEUE_BASE_BACKOFF", 1*time.Second),
			MaxBackoff:   getDuration("QUEUE_MAX_BACKOFF", 60*time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval:     getDuration("RECONCILE_INTERVAL", 5*time.Minute),
			StuckTimeout: getDuration("RECONCILE_STUCK_TIMEOUT", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvSlice("KAFKA_BROKERS", nil),
			EntriesTopic: getEnv("KAFKA_ENTRIES_TOPIC", "ledger.entries"),
			AlertsTopic:  getEnv("KAFKA_ALERTS_TOPIC", "billing.alerts"),
		},
		Dashboard: DashboardConfig{
			AllowedOrigins: getEnvSlice("DASHBOARD_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// getSecretMap parses "provider=secret,provider2=secret2" pairs.
func getSecretMap(key string) map[string]string {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		name, secret, ok := strings.Cut(pair, "=")
		if !ok || name == "" || secret == "" {
			continue
		}
		secrets[strings.TrimSpace(name)] = secret
	}
	return secrets
}

// Validate checks that all required configuration is present.
// In production, missing critical values will return an error.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.JWTSecret == "" {
		if c.Environment == EnvProduction {
			errs = append(errs, "JWT_SECRET is required in production")
		}
	} else if c.Environment == EnvProduction && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	if c.Database.Password == "" && c.Environment == EnvProduction {
		errs = append(errs, "DB_PASSWORD is required in production")
	}

	if len(c.Webhook.Secrets) == 0 && c.Environment == EnvProduction {
		errs = append(errs, "WEBHOOK_SECRETS is required in production")
	}

	if c.Billing.DefaultRatePencePerMinute < 0 {
		errs = append(errs, "BILLING_DEFAULT_RATE_PENCE_PER_MINUTE cannot be negative")
	}
	if c.Billing.DefaultDebtLimitPence < 0 {
		errs = append(errs, "BILLING_DEFAULT_DEBT_LIMIT_PENCE cannot be negative")
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, "QUEUE_MAX_BACKOFF cannot be smaller than QUEUE_BASE_BACKOFF")
	}

	// Wildcard origins are rejected because the wallet endpoints are credentialed.
	for _, origin := range c.Dashboard.AllowedOrigins {
		if origin == "*" {
			errs = append(errs, "DASHBOARD_ALLOWED_ORIGINS cannot contain wildcard '*'")
			break
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
