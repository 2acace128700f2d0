package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sequence backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant       string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	SequenceBackend     string        `mapstructure:"SEQUENCE_BACKEND"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	IssueMaxAttempts    int           `mapstructure:"ISSUE_MAX_ATTEMPTS"`
	MaintenanceLockFile string        `mapstructure:"MAINTENANCE_LOCK_FILE"`
	MaintenanceLockTTL  time.Duration `mapstructure:"MAINTENANCE_LOCK_TTL"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "CORS_ORIGINS",
	"SEQUENCE_BACKEND", "REDIS_URL", "TIMEZONE", "ISSUE_MAX_ATTEMPTS",
	"MAINTENANCE_LOCK_FILE", "MAINTENANCE_LOCK_TTL", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SEQUENCE_BACKEND", BackendPostgres)
	v.SetDefault("TIMEZONE", "Asia/Kolkata")
	v.SetDefault("ISSUE_MAX_ATTEMPTS", 25)
	v.SetDefault("MAINTENANCE_LOCK_FILE", filepath.Join(os.TempDir(), "lims", "maintenance.lock"))
	v.SetDefault("MAINTENANCE_LOCK_TTL", "10m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
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

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.SequenceBackend = strings.ToLower(strings.TrimSpace(cfg.SequenceBackend))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SequenceBackend == BackendMemory {
		log.Println("WARNING: SEQUENCE_BACKEND=memory keeps counters in process memory.")
		log.Println("WARNING: Counters reset on restart and are not shared between replicas.")
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

// Location returns the zone counter dates are derived in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. The in-memory
// counter backend is refused in production because it forgets every counter
// on restart.
func (c *Config) Validate() error {
	switch c.SequenceBackend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SEQUENCE_BACKEND is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("SEQUENCE_BACKEND must be %q, %q or %q, got %q",
			BackendPostgres, BackendRedis, BackendMemory, c.SequenceBackend)
	}
	if c.IsProduction() && c.SequenceBackend == BackendMemory {
		return fmt.Errorf("SEQUENCE_BACKEND=memory is not allowed in production")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.IssueMaxAttempts <= 0 {
		return fmt.Errorf("ISSUE_MAX_ATTEMPTS must be positive, got %d", c.IssueMaxAttempts)
	}
	if c.MaintenanceLockTTL <= 0 {
		return fmt.Errorf("MAINTENANCE_LOCK_TTL must be positive, got %s", c.MaintenanceLockTTL)
	}
	if c.RedisURL == "" && c.MaintenanceLockFile == "" {
		return fmt.Errorf("MAINTENANCE_LOCK_FILE is required without REDIS_URL")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
