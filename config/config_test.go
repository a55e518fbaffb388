package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestParse_Defaults(t *testing.T) {
	unsetEnv(t, "STORE_DRIVER", "CHARGE_AMOUNT", "PORT", "GO_APP_ENV", "JWT_SECRET",
		"CORS_ALLOWED_ORIGINS", "OUTBOX_POLL_INTERVAL", "NOTIFY_WORKERS")

	c, err := Parse()
	require.NoError(t, err)
	require.Equal(t, DriverMemory, c.StoreDriver)
	require.True(t, c.ChargeAmount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, 8080, c.Port)
	require.Equal(t, time.Second, c.Outbox.PollInterval)
	require.Equal(t, []string{"http://localhost:5173"}, c.CORSAllowedOrigins)
	require.Equal(t, "dev-only-secret", c.Secret())
}

func TestParse_Overrides(t *testing.T) {
	unsetEnv(t, "PORT", "GO_APP_ENV", "NOTIFY_WORKERS")
	t.Setenv("STORE_DRIVER", DriverPostgres)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/tour")
	t.Setenv("CHARGE_AMOUNT", "12.50")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "7")

	c, err := Parse()
	require.NoError(t, err)
	require.True(t, c.ChargeAmount.Equal(decimal.RequireFromString("12.5")))
	require.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSAllowedOrigins)
	require.Equal(t, 7, c.Outbox.MaxAttempts)
}

func TestParse_DevSeed(t *testing.T) {
	unsetEnv(t, "STORE_DRIVER", "PORT", "GO_APP_ENV", "NOTIFY_WORKERS", "CHARGE_AMOUNT")
	t.Setenv("DEV_SEED_ACCOUNTS", "cust-1,cust-2")
	t.Setenv("DEV_SEED_BALANCE", "500")
	t.Setenv("DEV_SEED_PARTNERS", "partner-1")

	c, err := Parse()
	require.NoError(t, err)
	require.Equal(t, []string{"cust-1", "cust-2"}, c.DevSeed.Accounts)
	require.True(t, c.DevSeed.Balance.Equal(decimal.NewFromInt(500)))
	require.Equal(t, []string{"partner-1"}, c.DevSeed.Partners)

	t.Setenv("DEV_SEED_BALANCE", "-1")
	_, err = Parse()
	require.Error(t, err)
}

func TestParse_DevSeedContacts(t *testing.T) {
	unsetEnv(t, "STORE_DRIVER", "PORT", "GO_APP_ENV", "NOTIFY_WORKERS", "CHARGE_AMOUNT", "DEV_SEED_BALANCE")
	t.Setenv("DEV_SEED_CONTACTS", "cust-1|Linh Tran|linh@example.com|+84-90-111;cust-2|Minh")

	c, err := Parse()
	require.NoError(t, err)
	seeds, err := c.DevSeed.ContactSeeds()
	require.NoError(t, err)
	require.Equal(t, []ContactSeed{
		{AccountID: "cust-1", DisplayName: "Linh Tran", Email: "linh@example.com", Phone: "+84-90-111"},
		{AccountID: "cust-2", DisplayName: "Minh"},
	}, seeds)

	t.Setenv("DEV_SEED_CONTACTS", "cust-3")
	_, err = Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Configuration {
		return Configuration{
			Environment:  EnvDevelopment,
			Port:         8080,
			StoreDriver:  DriverMemory,
			ChargeAmount: decimal.NewFromInt(100),
			Notify:       NotifyOptions{Workers: 1},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"unknown driver", func(c *Configuration) { c.StoreDriver = "mongo" }},
		{"postgres without dsn", func(c *Configuration) { c.StoreDriver = DriverPostgres }},
		{"zero charge", func(c *Configuration) { c.ChargeAmount = decimal.Zero }},
		{"production without secret", func(c *Configuration) { c.Environment = EnvProduction }},
		{"bad port", func(c *Configuration) { c.Port = 0 }},
		{"no workers", func(c *Configuration) { c.Notify.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	ok := base()
	require.NoError(t, ok.Validate())
}

func TestLoadEnv_SkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TOURMATCH_TEST_VALUE=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TOURMATCH_TEST_VALUE") })

	n, err := LoadEnv([]string{path, filepath.Join(dir, ".env.local")})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "loaded", os.Getenv("TOURMATCH_TEST_VALUE"))
}
