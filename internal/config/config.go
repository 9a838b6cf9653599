package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Port        int
	Environment string
	LogLevel    string
	AppURL      string
	CORSOrigins []string
	// WebhookURL is the notification URL registered with the platform; it is
	// part of the signed payload.
	WebhookURL  string
	HTTPTimeout time.Duration
	Database    DatabaseConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Platform    PlatformConfig
	OAuth       OAuthConfig
	StateStore  StateStoreConfig
	Credentials CredentialsConfig
	RateLimits  map[string]RateLimitConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS SDK settings
type AWSConfig struct {
	Region string
}

// PlatformConfig describes the commerce platform API
type PlatformConfig struct {
	BaseURL    string
	APIVersion string
}

// OAuthConfig holds OAuth2 settings for the platform login
type OAuthConfig struct {
	RedirectURL         string
	AppScheme           string
	Scopes              []string
	PKCEEnabled         bool
	AllowSecretFallback bool
	StateTTL            time.Duration
}

// StateStoreConfig selects the OAuth state backend
type StateStoreConfig struct {
	Backend         string // postgres, redis, dynamodb, memory
	Table           string
	CleanupSchedule string
}

// CredentialsConfig selects where application credentials come from
type CredentialsConfig struct {
	Source            string // env, secretsmanager
	SecretID          string
	TTL               time.Duration
	ApplicationID     string
	ApplicationSecret string
	WebhookKey        string
}

// RateLimitConfig sizes one outbound token bucket
type RateLimitConfig struct {
	Capacity          float64
	RefillPerInterval float64
	Interval          time.Duration
}

// DefaultRateLimits are the per-category bucket sizes; token-exchange is the
// most conservative.
var DefaultRateLimits = map[string]RateLimitConfig{
	"catalog":        {Capacity: 30, RefillPerInterval: 15, Interval: time.Second},
	"orders":         {Capacity: 25, RefillPerInterval: 10, Interval: time.Second},
	"locations":      {Capacity: 25, RefillPerInterval: 10, Interval: time.Second},
	"merchant":       {Capacity: 25, RefillPerInterval: 10, Interval: time.Second},
	"token-exchange": {Capacity: 20, RefillPerInterval: 5, Interval: time.Second},
	"default":        {Capacity: 20, RefillPerInterval: 10, Interval: time.Second},
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	env := v.GetString("ENVIRONMENT")
	appURL := strings.TrimRight(v.GetString("APP_URL"), "/")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		Environment: env,
		LogLevel:    v.GetString("LOG_LEVEL"),
		AppURL:      appURL,
		CORSOrigins: splitAndTrim(v.GetString("CORS_ORIGINS")),
		WebhookURL:  v.GetString("WEBHOOK_NOTIFICATION_URL"),
		HTTPTimeout: v.GetDuration("HTTP_TIMEOUT"),
		Database: DatabaseConfig{
			Type:         v.GetString("DATABASE_TYPE"),
			DSN:          v.GetString("DATABASE_DSN"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		AWS: AWSConfig{
			Region: v.GetString("AWS_REGION"),
		},
		Platform: PlatformConfig{
			BaseURL:    strings.TrimRight(v.GetString("PLATFORM_BASE_URL"), "/"),
			APIVersion: v.GetString("PLATFORM_API_VERSION"),
		},
		OAuth: OAuthConfig{
			RedirectURL:         v.GetString("OAUTH_REDIRECT_URL"),
			AppScheme:           v.GetString("APP_SCHEME"),
			Scopes:              splitAndTrim(v.GetString("OAUTH_SCOPES")),
			PKCEEnabled:         v.GetBool("OAUTH_PKCE_ENABLED"),
			AllowSecretFallback: v.GetBool("OAUTH_ALLOW_SECRET_FALLBACK"),
			StateTTL:            v.GetDuration("OAUTH_STATE_TTL"),
		},
		StateStore: StateStoreConfig{
			Backend:         v.GetString("STATE_STORE"),
			Table:           v.GetString("STATE_TABLE"),
			CleanupSchedule: v.GetString("STATE_CLEANUP_SCHEDULE"),
		},
		Credentials: CredentialsConfig{
			Source:            v.GetString("CREDENTIALS_SOURCE"),
			SecretID:          v.GetString("CREDENTIALS_SECRET_ID"),
			TTL:               v.GetDuration("CREDENTIALS_TTL"),
			ApplicationID:     v.GetString("SQUARE_APPLICATION_ID"),
			ApplicationSecret: v.GetString("SQUARE_APPLICATION_SECRET"),
			WebhookKey:        v.GetString("SQUARE_WEBHOOK_SIGNATURE_KEY"),
		},
		RateLimits: loadRateLimits(v),
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = buildPostgresDSN(v)
	}
	if cfg.OAuth.RedirectURL == "" {
		cfg.OAuth.RedirectURL = appURL + "/api/auth/square/callback"
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = appURL + "/api/webhooks/square"
	}
	if len(cfg.CORSOrigins) == 0 && appURL != "" {
		cfg.CORSOrigins = []string{appURL}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_URL", "http://localhost:8080")
	v.SetDefault("HTTP_TIMEOUT", 10*time.Second)
	v.SetDefault("DATABASE_TYPE", "postgres")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AWS_REGION", "us-west-1")
	v.SetDefault("PLATFORM_BASE_URL", "https://connect.squareup.com")
	v.SetDefault("PLATFORM_API_VERSION", "2025-01-23")
	v.SetDefault("APP_SCHEME", "joylabs")
	v.SetDefault("OAUTH_SCOPES", "MERCHANT_PROFILE_READ,ITEMS_READ,ITEMS_WRITE,INVENTORY_READ")
	v.SetDefault("OAUTH_PKCE_ENABLED", true)
	v.SetDefault("OAUTH_ALLOW_SECRET_FALLBACK", false)
	v.SetDefault("OAUTH_STATE_TTL", 10*time.Minute)
	v.SetDefault("STATE_STORE", "postgres")
	v.SetDefault("STATE_TABLE", "oauth_states")
	v.SetDefault("STATE_CLEANUP_SCHEDULE", "*/10 * * * *")
	v.SetDefault("CREDENTIALS_SOURCE", "env")
	v.SetDefault("CREDENTIALS_SECRET_ID", "square-credentials-production")
	v.SetDefault("CREDENTIALS_TTL", 24*time.Hour)
}

// loadRateLimits applies RATE_LIMIT_<CATEGORY>_{CAPACITY,REFILL,INTERVAL_MS}
// overrides on top of DefaultRateLimits.
func loadRateLimits(v *viper.Viper) map[string]RateLimitConfig {
	limits := make(map[string]RateLimitConfig, len(DefaultRateLimits))
	for category, def := range DefaultRateLimits {
		prefix := "RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(category, "-", "_"))
		limit := def
		if v.IsSet(prefix + "_CAPACITY") {
			limit.Capacity = v.GetFloat64(prefix + "_CAPACITY")
		}
		if v.IsSet(prefix + "_REFILL") {
			limit.RefillPerInterval = v.GetFloat64(prefix + "_REFILL")
		}
		if v.IsSet(prefix + "_INTERVAL_MS") {
			limit.Interval = time.Duration(v.GetInt64(prefix+"_INTERVAL_MS")) * time.Millisecond
		}
		limits[category] = limit
	}
	return limits
}

func buildPostgresDSN(v *viper.Viper) string {
	host := getOr(v, "POSTGRES_HOST", "localhost")
	port := getOr(v, "POSTGRES_PORT", "5432")
	user := getOr(v, "POSTGRES_USER", "bridge")
	password := getOr(v, "POSTGRES_PASSWORD", "secret")
	dbName := getOr(v, "POSTGRES_DB", "bridge")
	sslMode := getOr(v, "POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.StateStore.Backend {
	case "postgres":
		if c.Database.Type != "postgres" {
			return fmt.Errorf("unsupported database type: %s", c.Database.Type)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STATE_STORE=redis")
		}
	case "dynamodb":
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS_REGION is required when STATE_STORE=dynamodb")
		}
	case "memory":
		if c.Environment == "production" {
			return fmt.Errorf("STATE_STORE=memory is not allowed in production: state must be shared across instances")
		}
	default:
		return fmt.Errorf("unsupported state store: %s", c.StateStore.Backend)
	}

	if c.StateStore.Table == "" {
		return fmt.Errorf("STATE_TABLE must not be empty")
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive")
	}
	if c.OAuth.AppScheme == "" {
		return fmt.Errorf("APP_SCHEME must not be empty")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("PLATFORM_BASE_URL must not be empty")
	}

	switch c.Credentials.Source {
	case "env":
		if c.Environment == "production" && (c.Credentials.ApplicationID == "" || c.Credentials.ApplicationSecret == "") {
			return fmt.Errorf("SQUARE_APPLICATION_ID and SQUARE_APPLICATION_SECRET are required when CREDENTIALS_SOURCE=env")
		}
	case "secretsmanager":
		if c.Credentials.SecretID == "" {
			return fmt.Errorf("CREDENTIALS_SECRET_ID is required when CREDENTIALS_SOURCE=secretsmanager")
		}
	default:
		return fmt.Errorf("unsupported credentials source: %s", c.Credentials.Source)
	}

	for category, limit := range c.RateLimits {
		if limit.Capacity < 1 || limit.RefillPerInterval <= 0 || limit.Interval <= 0 {
			return fmt.Errorf("invalid rate limit for %s: capacity, refill and interval must be positive", category)
		}
	}

	return nil
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func splitAndTrim(s string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func getOr(v *viper.Viper, key, fallback string) string {
	if value := v.GetString(key); value != "" {
		return value
	}
	return fallback
}
