// Package config builds the immutable runtime configuration from the process
// environment. It is loaded once at startup and passed by value to the
// components that need it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minSecretBytes = 32

type Config struct {
	Environment string
	Port        string
	LogLevel    string
	ServiceName string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool

	RedisURL      string
	MongoURI      string
	MongoDatabase string

	JWT      JWTConfig
	Security SecurityConfig
	SMTP     SMTPConfig

	GoogleClientID string

	SentryDSN         string
	TelemetryEndpoint string
	TelemetryInsecure bool

	CronSecret            string
	LoginAttemptRetention time.Duration
	CleanupBatchSize      int
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	Algorithm     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type SecurityConfig struct {
	LoginMaxAttempts    int
	LoginLockDuration   time.Duration
	LoginRatePerMinute  int
	OTPTTL              time.Duration
	OTPMaxAttempts      int
	StoreTimeout        time.Duration
	NotificationTimeout time.Duration
	BcryptCost          int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether outbound mail is configured. When it is not, OTP
// codes are written to the log instead.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

type Options struct {
	LoadDotEnv bool
}

// Load reads the configuration from the process environment, optionally
// overlaying a local .env file first.
func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config using getenv for every key.
func FromLookup(getenv func(string) string) (Config, error) {
	env := lookup(getenv)

	cfg := Config{
		Environment: env.str("APP_ENV", "development"),
		Port:        env.str("PORT", "5050"),
		LogLevel:    env.str("LOG_LEVEL", "info"),
		ServiceName: env.str("SERVICE_NAME", "timenest-backend"),

		DatabaseURL:       env.str("DATABASE_URL", ""),
		DBMaxOpenConns:    env.integer("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    env.integer("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: env.minutes("DB_CONN_MAX_LIFETIME_MINUTES", 60),
		DBConnMaxIdleTime: env.minutes("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:     env.flag("RUN_MIGRATIONS_ON_STARTUP", true),

		RedisURL:      env.str("REDIS_URL", "redis://localhost:6379/0"),
		MongoURI:      env.str("MONGODB_URI", ""),
		MongoDatabase: env.str("MONGODB_DATABASE", "timenest"),

		JWT: JWTConfig{
			AccessSecret:  env.str("JWT_SECRET_KEY", ""),
			RefreshSecret: env.str("JWT_REFRESH_SECRET_KEY", ""),
			Algorithm:     strings.ToUpper(env.str("JWT_ALGORITHM", "HS256")),
			AccessTTL:     env.minutes("ACCESS_TOKEN_TTL_MINUTES", 30),
			RefreshTTL:    env.days("REFRESH_TOKEN_TTL_DAYS", 7),
		},
		Security: SecurityConfig{
			LoginMaxAttempts:    env.integer("LOGIN_MAX_ATTEMPTS", 5),
			LoginLockDuration:   env.minutes("LOGIN_LOCK_MINUTES", 15),
			LoginRatePerMinute:  env.integer("LOGIN_RATE_LIMIT_PER_MINUTE", 60),
			OTPTTL:              env.seconds("OTP_TTL_SECONDS", 60),
			OTPMaxAttempts:      env.integer("OTP_MAX_ATTEMPTS", 5),
			StoreTimeout:        env.seconds("STORE_TIMEOUT_SECONDS", 5),
			NotificationTimeout: env.seconds("NOTIFY_TIMEOUT_SECONDS", 10),
			BcryptCost:          env.integer("BCRYPT_COST", 12),
		},
		SMTP: SMTPConfig{
			Host:     env.str("SMTP_HOST", ""),
			Port:     env.integer("SMTP_PORT", 587),
			Username: env.str("SMTP_USERNAME", ""),
			Password: env.str("SMTP_PASSWORD", ""),
			From:     env.str("SMTP_FROM", ""),
		},

		GoogleClientID: env.str("GOOGLE_CLIENT_ID", ""),

		SentryDSN:         env.str("SENTRY_DSN", ""),
		TelemetryEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TelemetryInsecure: env.flag("OTEL_EXPORTER_OTLP_INSECURE", true),

		CronSecret:            env.str("CRON_SECRET", ""),
		LoginAttemptRetention: env.days("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		CleanupBatchSize:      env.integer("AUTH_CLEANUP_BATCH_SIZE", 500),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET_KEY"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_REFRESH_SECRET_KEY"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET_KEY and JWT_REFRESH_SECRET_KEY must differ"))
	}
	if !c.IsDevelopment() {
		if len(c.JWT.AccessSecret) < minSecretBytes || len(c.JWT.RefreshSecret) < minSecretBytes {
			errs = append(errs, fmt.Errorf("jwt secrets must be at least %d bytes", minSecretBytes))
		}
	}
	switch c.JWT.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWT.Algorithm))
	}
	return errors.Join(errs...)
}

type lookup func(string) string

func (l lookup) str(name, fallback string) string {
	value := strings.TrimSpace(l(name))
	if value == "" {
		return fallback
	}
	return value
}

func (l lookup) integer(name string, fallback int) int {
	value := strings.TrimSpace(l(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (l lookup) flag(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(l(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (l lookup) seconds(name string, fallback int) time.Duration {
	return time.Duration(l.integer(name, fallback)) * time.Second
}

func (l lookup) minutes(name string, fallback int) time.Duration {
	return time.Duration(l.integer(name, fallback)) * time.Minute
}

func (l lookup) days(name string, fallback int) time.Duration {
	return time.Duration(l.integer(name, fallback)) * 24 * time.Hour
}
