package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Range matching modes for sub-test name lookups against lab_test_config.
const (
	RangeMatchExact       = "exact"
	RangeMatchInsensitive = "insensitive"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer            string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultFacility       string   `mapstructure:"DEFAULT_FACILITY"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	LabRangeMatch         string   `mapstructure:"LAB_RANGE_MATCH"`
	LabResolveConcurrency int      `mapstructure:"LAB_RESOLVE_CONCURRENCY"`
	MetricsEnabled        bool     `mapstructure:"METRICS_ENABLED"`
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
	v.SetDefault("DEFAULT_FACILITY", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LAB_RANGE_MATCH", RangeMatchExact)
	v.SetDefault("LAB_RESOLVE_CONCURRENCY", 8)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "DEFAULT_FACILITY",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"LAB_RANGE_MATCH", "LAB_RESOLVE_CONCURRENCY", "METRICS_ENABLED",
	} {
		_ = v.BindEnv(key)
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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: lab-server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
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

// CaseInsensitiveRanges reports whether sub-test names are matched against the
// catalog ignoring case.
func (c *Config) CaseInsensitiveRanges() bool {
	return strings.EqualFold(c.LabRangeMatch, RangeMatchInsensitive)
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_ISSUER must be set so that bearer tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set when ENV=%q", c.Env)
	}

	match := strings.ToLower(c.LabRangeMatch)
	if match != RangeMatchExact && match != RangeMatchInsensitive {
		return fmt.Errorf("LAB_RANGE_MATCH must be %q or %q, got %q",
			RangeMatchExact, RangeMatchInsensitive, c.LabRangeMatch)
	}

	if c.LabResolveConcurrency < 1 {
		return fmt.Errorf("LAB_RESOLVE_CONCURRENCY must be at least 1, got %d", c.LabResolveConcurrency)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}
