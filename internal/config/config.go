package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ehr/queue/internal/domain/queue"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	DBDriver               string        `mapstructure:"DB_DRIVER"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBSchema               string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultAlgorithm       string        `mapstructure:"DEFAULT_ALGORITHM"`
	RecentCompletionWindow time.Duration `mapstructure:"RECENT_COMPLETION_WINDOW"`
	ServiceTimezone        string        `mapstructure:"SERVICE_TIMEZONE"`
	NotifyDebounce         time.Duration `mapstructure:"NOTIFY_DEBOUNCE"`
	CapabilityPoll         time.Duration `mapstructure:"CAPABILITY_POLL_INTERVAL"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DB_DRIVER", "DATABASE_URL", "DB_SCHEMA",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_ALGORITHM", "RECENT_COMPLETION_WINDOW",
	"SERVICE_TIMEZONE", "NOTIFY_DEBOUNCE", "CAPABILITY_POLL_INTERVAL", "REQUEST_TIMEOUT", "AUTH_SIGNING_KEY",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_ALGORITHM", "")
	v.SetDefault("RECENT_COMPLETION_WINDOW", queue.DefaultRecentWindow)
	v.SetDefault("SERVICE_TIMEZONE", "UTC")
	v.SetDefault("NOTIFY_DEBOUNCE", 250*time.Millisecond)
	v.SetDefault("CAPABILITY_POLL_INTERVAL", 30*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: unauthenticated requests get admin access")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location is the time zone that defines the service day.
func (c *Config) Location() (*time.Location, error) {
	if c.ServiceTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.ServiceTimezone)
}

// Algorithm is the configured default algorithm, or "" to defer to the queue
// types' own hints.
func (c *Config) Algorithm() queue.Algorithm {
	if c.DefaultAlgorithm == "" {
		return ""
	}
	a, _ := queue.ParseAlgorithm(c.DefaultAlgorithm)
	return a
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\", \"mysql\" or \"sqlite\", got %q", c.DBDriver)
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DefaultAlgorithm != "" {
		if _, ok := queue.ParseAlgorithm(c.DefaultAlgorithm); !ok {
			return fmt.Errorf("DEFAULT_ALGORITHM %q is not one of %v", c.DefaultAlgorithm, queue.Algorithms())
		}
	}
	if c.RecentCompletionWindow <= 0 {
		return fmt.Errorf("RECENT_COMPLETION_WINDOW must be positive, got %s", c.RecentCompletionWindow)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("SERVICE_TIMEZONE: %w", err)
	}
	if c.NotifyDebounce < 0 {
		return fmt.Errorf("NOTIFY_DEBOUNCE must not be negative, got %s", c.NotifyDebounce)
	}
	if c.CapabilityPoll < 0 {
		return fmt.Errorf("CAPABILITY_POLL_INTERVAL must not be negative, got %s", c.CapabilityPoll)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	return nil
}
