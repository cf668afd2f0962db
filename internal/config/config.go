package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/receta/receta/internal/platform/mirror"
	"github.com/receta/receta/internal/platform/rxdoc"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	VerifyRateRPS  float64       `mapstructure:"VERIFY_RATE_RPS"`
	VerifyBurst    int           `mapstructure:"VERIFY_RATE_BURST"`

	VerificationBaseURL string `mapstructure:"VERIFICATION_BASE_URL"`
	Timezone            string `mapstructure:"TIMEZONE"`
	DocumentStyle       string `mapstructure:"DOCUMENT_STYLE"`

	AirtableAPIKey string `mapstructure:"AIRTABLE_API_KEY"`
	AirtableBaseID string `mapstructure:"AIRTABLE_BASE_ID"`
	AirtableTable  string `mapstructure:"AIRTABLE_TABLE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"CORS_ORIGINS",
	"BODY_LIMIT",
	"REQUEST_TIMEOUT",
	"VERIFY_RATE_RPS",
	"VERIFY_RATE_BURST",
	"VERIFICATION_BASE_URL",
	"TIMEZONE",
	"DOCUMENT_STYLE",
	"AIRTABLE_API_KEY",
	"AIRTABLE_BASE_ID",
	"AIRTABLE_TABLE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "8M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("VERIFY_RATE_RPS", 5)
	v.SetDefault("VERIFY_RATE_BURST", 20)
	v.SetDefault("VERIFICATION_BASE_URL", "https://energyintelligence.work")
	v.SetDefault("TIMEZONE", "America/Mexico_City")
	v.SetDefault("DOCUMENT_STYLE", string(rxdoc.StyleBoxed))

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

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.RedisURL == "" {
		log.Println("WARNING: REDIS_URL is not set; patient counters and the doctor profile are kept in memory and lost on restart.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Mirror builds the Airtable settings. The mirror is disabled unless all
// three keys are set.
func (c *Config) Mirror() mirror.Config {
	return mirror.Config{
		APIKey: c.AirtableAPIKey,
		BaseID: c.AirtableBaseID,
		Table:  c.AirtableTable,
	}
}

// Validate checks that the configuration is usable before any connection is
// opened.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}
	if c.DBMinConns < 0 || c.DBMaxConns <= 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := rxdoc.ParseStyle(c.DocumentStyle); err != nil {
		return fmt.Errorf("DOCUMENT_STYLE: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	u, err := url.Parse(c.VerificationBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("VERIFICATION_BASE_URL must be an absolute http(s) URL, got %q", c.VerificationBaseURL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}

	set := 0
	for _, s := range []string{c.AirtableAPIKey, c.AirtableBaseID, c.AirtableTable} {
		if s != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("AIRTABLE_API_KEY, AIRTABLE_BASE_ID and AIRTABLE_TABLE must be set together")
	}

	if c.IsProduction() && len(c.CORSOrigins) == 1 && c.CORSOrigins[0] == "*" {
		return fmt.Errorf("CORS_ORIGINS must not be \"*\" in production")
	}

	return nil
}
