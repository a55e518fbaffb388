// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type OutboxOptions struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	MaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"0"`
	SingleActive bool          `env:"OUTBOX_SINGLE_ACTIVE" envDefault:"true"`
}

type NotifyOptions struct {
	Workers int `env:"NOTIFY_WORKERS" envDefault:"4"`
	Buffer  int `env:"NOTIFY_BUFFER" envDefault:"1024"`
}

type RateLimitOptions struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	Burst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

// DevSeedOptions pre-funds accounts and grants memberships when the in-process
// ledger and membership store are used. Ignored by the postgres driver.
type DevSeedOptions struct {
	Accounts []string        `env:"DEV_SEED_ACCOUNTS" envSeparator:","`
	Balance  decimal.Decimal `env:"DEV_SEED_BALANCE" envDefault:"0"`
	Partners []string        `env:"DEV_SEED_PARTNERS" envSeparator:","`
	// Contacts entries are id|display name|email|phone; email and phone may
	// be empty.
	Contacts []string `env:"DEV_SEED_CONTACTS" envSeparator:";"`
}

// ContactSeed is one parsed DEV_SEED_CONTACTS entry.
type ContactSeed struct {
	AccountID   string
	DisplayName string
	Email       string
	Phone       string
}

func (o DevSeedOptions) ContactSeeds() ([]ContactSeed, error) {
	out := make([]ContactSeed, 0, len(o.Contacts))
	for _, entry := range o.Contacts {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("config: DEV_SEED_CONTACTS entry %q must be id|name[|email[|phone]]", entry)
		}
		for len(parts) < 4 {
			parts = append(parts, "")
		}
		c := ContactSeed{
			AccountID:   strings.TrimSpace(parts[0]),
			DisplayName: strings.TrimSpace(parts[1]),
			Email:       strings.TrimSpace(parts[2]),
			Phone:       strings.TrimSpace(parts[3]),
		}
		if c.AccountID == "" || c.DisplayName == "" {
			return nil, fmt.Errorf("config: DEV_SEED_CONTACTS entry %q needs an id and a name", entry)
		}
		out = append(out, c)
	}
	return out, nil
}

type Configuration struct {
	Environment string `env:"GO_APP_ENV" envDefault:"development"`
	Port        int    `env:"PORT" envDefault:"8080"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"tourmatch.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Fee debited from the customer on every submitted request.
	ChargeAmount decimal.Decimal `env:"CHARGE_AMOUNT" envDefault:"100"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	MetricsPath        string   `env:"METRICS_PATH" envDefault:"/metrics"`

	RateLimit RateLimitOptions
	Notify    NotifyOptions
	Outbox    OutboxOptions
	DevSeed   DevSeedOptions
}

// LoadEnv loads the given dotenv files that exist and reports how many were read.
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env files (if any) and parses the environment.
func Load() (*Configuration, error) {
	if _, err := LoadEnv([]string{".env", ".env.local"}); err != nil {
		return nil, fmt.Errorf("config: load env files: %w", err)
	}
	return Parse()
}

func Parse() (*Configuration, error) {
	c := &Configuration{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if !c.ChargeAmount.IsPositive() {
		return fmt.Errorf("config: CHARGE_AMOUNT must be positive, got %s", c.ChargeAmount)
	}
	if c.JWTSecret == "" && c.Environment != EnvDevelopment {
		return errors.New("config: JWT_SECRET is required outside development")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate limit values must be non-negative")
	}
	if c.DevSeed.Balance.IsNegative() {
		return fmt.Errorf("config: DEV_SEED_BALANCE must not be negative, got %s", c.DevSeed.Balance)
	}
	if _, err := c.DevSeed.ContactSeeds(); err != nil {
		return err
	}
	if c.Notify.Workers <= 0 {
		return fmt.Errorf("config: NOTIFY_WORKERS must be positive, got %d", c.Notify.Workers)
	}
	return nil
}

func (c *Configuration) Secret() string {
	if c.JWTSecret == "" {
		return "dev-only-secret"
	}
	return c.JWTSecret
}
