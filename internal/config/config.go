package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	LedgerDocstore = "docstore"
	LedgerRedis    = "redis"

	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	LedgerBackend   string        `mapstructure:"LEDGER_BACKEND"`
	LedgerRetention time.Duration `mapstructure:"LEDGER_RETENTION"`
	LedgerLease     time.Duration `mapstructure:"LEDGER_LEASE"`
	RedisURL        string        `mapstructure:"REDIS_URL"`

	MaxResponseKeys                int  `mapstructure:"MAX_RESPONSE_KEYS"`
	RequireSubmittedBeforeComplete bool `mapstructure:"REQUIRE_SUBMITTED_BEFORE_COMPLETE"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevSubject     string `mapstructure:"DEV_SUBJECT"`

	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`

	SMTPAddr      string `mapstructure:"SMTP_ADDR"`
	SMTPFrom      string `mapstructure:"SMTP_FROM"`
	NotifyEmailTo string `mapstructure:"NOTIFY_EMAIL_TO"`

	BackfillDryRun      bool `mapstructure:"BACKFILL_DRY_RUN"`
	BackfillMaxPatients int  `mapstructure:"BACKFILL_MAX_PATIENTS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LEDGER_BACKEND", "LEDGER_RETENTION", "LEDGER_LEASE", "REDIS_URL",
	"MAX_RESPONSE_KEYS", "REQUIRE_SUBMITTED_BEFORE_COMPLETE",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "DEV_SUBJECT",
	"BODY_LIMIT", "REQUEST_TIMEOUT", "CORS_ORIGINS",
	"SMTP_ADDR", "SMTP_FROM", "NOTIFY_EMAIL_TO",
	"BACKFILL_DRY_RUN", "BACKFILL_MAX_PATIENTS",
}

// Load reads the environment, with an optional .env file underneath it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LEDGER_BACKEND", LedgerDocstore)
	v.SetDefault("LEDGER_RETENTION", "0s")
	v.SetDefault("LEDGER_LEASE", "30s")
	v.SetDefault("MAX_RESPONSE_KEYS", 500)
	v.SetDefault("REQUIRE_SUBMITTED_BEFORE_COMPLETE", false)
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DEV_SUBJECT", "dev-practitioner")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BACKFILL_DRY_RUN", true)
	v.SetDefault("BACKFILL_MAX_PATIENTS", 0)

	// Unmarshal only sees env vars that are bound or defaulted.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise development
// environments use the dev identity and everything else verifies JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend)
	}

	switch c.LedgerBackend {
	case LedgerDocstore:
	case LedgerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LEDGER_BACKEND is %q", LedgerRedis)
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", LedgerDocstore, LedgerRedis, c.LedgerBackend)
	}
	if c.LedgerRetention < 0 {
		return fmt.Errorf("LEDGER_RETENTION must not be negative")
	}
	if c.LedgerLease < 0 {
		return fmt.Errorf("LEDGER_LEASE must not be negative")
	}

	if c.MaxResponseKeys <= 0 {
		return fmt.Errorf("MAX_RESPONSE_KEYS must be positive, got %d", c.MaxResponseKeys)
	}
	if c.BackfillMaxPatients < 0 {
		return fmt.Errorf("BACKFILL_MAX_PATIENTS must not be negative")
	}

	switch c.ResolvedAuthMode() {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case AuthJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL is required when AUTH_MODE is %q", AuthJWT)
		}
		if c.AuthJWKSURL != "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set together with AUTH_JWKS_URL")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, c.AuthMode)
	}

	if (c.SMTPAddr == "") != (c.NotifyEmailTo == "") {
		return fmt.Errorf("SMTP_ADDR and NOTIFY_EMAIL_TO must be set together")
	}
	return nil
}
