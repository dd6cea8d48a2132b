// Package config loads process configuration from the environment and the
// admin settings file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds process-level settings decoded from MSU_* environment variables.
type Config struct {
	HTTPAddr     string        `env:"MSU_HTTP_ADDR,default=:8080"`
	ShutdownWait time.Duration `env:"MSU_SHUTDOWN_TIMEOUT,default=30s"`
	StaticPath   string        `env:"MSU_STATIC_PATH,default=/static"`
	SettingsFile string        `env:"MSU_SETTINGS_FILE,default=config/settings.yaml"`

	DatabaseURL string `env:"MSU_DATABASE_URL"`
	Migrate     bool   `env:"MSU_DATABASE_MIGRATE,default=true"`

	RedisAddr     string        `env:"MSU_REDIS_ADDR"`
	RedisPassword string        `env:"MSU_REDIS_PASSWORD"`
	RedisDB       int           `env:"MSU_REDIS_DB,default=0"`
	LockTTL       time.Duration `env:"MSU_LOCK_TTL,default=10s"`

	XSRFSecret    string        `env:"MSU_XSRF_SECRET"`
	SessionSecret string        `env:"MSU_SESSION_SECRET"`
	SessionTTL    time.Duration `env:"MSU_SESSION_TTL,default=12h"`

	EmailOnEveryChange bool   `env:"MSU_EMAIL_ON_EVERY_CHANGE,default=false"`
	EmailAdminList     string `env:"MSU_EMAIL_ADMIN_LIST"`
	EmailSender        string `env:"MSU_EMAIL_SENDER,default=msu-admin@localhost"`
	SMTPHost           string `env:"MSU_SMTP_HOST"`
	SMTPPort           int    `env:"MSU_SMTP_PORT,default=587"`
	SMTPUsername       string `env:"MSU_SMTP_USERNAME"`
	SMTPPassword       string `env:"MSU_SMTP_PASSWORD"`

	CatalogSchedule string        `env:"MSU_CATALOG_SCHEDULE,default=@every 15m"`
	CatalogDelay    time.Duration `env:"MSU_CATALOG_DELAY,default=2s"`

	AuditLogFile string `env:"MSU_AUDIT_LOG_FILE"`

	RateLimitRPS   int `env:"MSU_RATE_LIMIT_RPS,default=5"`
	RateLimitBurst int `env:"MSU_RATE_LIMIT_BURST,default=20"`

	LogLevel  string `env:"MSU_LOG_LEVEL,default=info"`
	LogFormat string `env:"MSU_LOG_FORMAT,default=text"`
}

// Load reads an optional .env file and decodes the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else {
		// A missing default .env is normal outside local development.
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("MSU_HTTP_ADDR is required")
	}
	if c.EmailOnEveryChange && len(c.AdminEmails()) == 0 {
		return fmt.Errorf("MSU_EMAIL_ADMIN_LIST is required when MSU_EMAIL_ON_EVERY_CHANGE is set")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("MSU_LOCK_TTL must be positive")
	}
	return nil
}

// AdminEmails returns the notification recipients.
func (c *Config) AdminEmails() []string {
	return SplitAndTrimCSV(c.EmailAdminList)
}

// SplitAndTrimCSV splits raw on commas, dropping empty entries.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
