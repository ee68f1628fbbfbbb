package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MONCONNECT_CONFIG", "DEPLOYMENTS_PATH", "CHAIN_RPC_URL", "CHAIN_PRIVATE_KEY",
		"CHAIN_CLEF_URL", "CHAIN_ID", "DEV_ACCOUNT", "ESCROW_ADDRESS", "ORGANIZER_NFT_ADDRESS",
		"SERVICE_PROVIDER_NFT_ADDRESS", "API_HTTP_PORT", "HMAC_SECRET", "HMAC_CLOCK_SKEW_SECONDS",
		"CORS_ALLOWED_ORIGINS", "STORE_DRIVER", "STORE_PATH", "POSTGRES_DSN",
		"IDEMPOTENCY_WINDOW_SECONDS", "SYNC_INTERVAL", "NOTIFICATION_TTL", "CONFIRM_TIMEOUT", "SYNC_MAX_ESCROWS",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.EqualValues(t, 10143, cfg.Chain.ChainID)
	require.Equal(t, "MON", cfg.Chain.NativeSymbol)
	require.Equal(t, 10*time.Second, cfg.Sync.Interval)
	require.Equal(t, 5*time.Second, cfg.Sync.NotificationTTL)
	require.EqualValues(t, 100, cfg.Fees.OrganizerBps)
	require.EqualValues(t, 1500, cfg.Fees.AdvanceBps)
	require.False(t, cfg.Chain.Signing())
}

func TestLoadLayersDeploymentsFileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	deploy := writeFile(t, dir, "deployments.json", `{
		"chainId": 31337,
		"contracts": {"Escrow": "0x00000000000000000000000000000000000000e5"}
	}`)
	file := writeFile(t, dir, "monconnect.toml", `
deployments_path = "`+filepath.ToSlash(deploy)+`"

[chain]
rpc_url = "http://localhost:8545"

[service]
http_port = 4000
cors_origins = ["https://app.example"]
store_driver = "memory"

[sync]
interval = "3s"

[fees]
advance_bps = 2000
`)
	t.Setenv("API_HTTP_PORT", "5000")
	t.Setenv("CONFIRM_TIMEOUT", "45s")

	cfg, err := Load(file)
	require.NoError(t, err)
	require.EqualValues(t, 31337, cfg.Chain.ChainID)
	require.Equal(t, "0x00000000000000000000000000000000000000e5", cfg.Contracts.Escrow)
	require.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	require.Equal(t, 5000, cfg.Service.HTTPPort)
	require.Equal(t, []string{"https://app.example"}, cfg.Service.CORSOrigins)
	require.Equal(t, "memory", cfg.Service.StoreDriver)
	require.Equal(t, 3*time.Second, cfg.Sync.Interval)
	require.Equal(t, 45*time.Second, cfg.Confirm.Timeout)
	require.EqualValues(t, 2000, cfg.Fees.AdvanceBps)
	require.EqualValues(t, 100, cfg.Fees.OrganizerBps)
}

func TestLoadExplicitMissingDeploymentsFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("SYNC_INTERVAL", "soon")

	_, err := Load("")
	require.ErrorContains(t, err, "SYNC_INTERVAL")
}

func TestLoadCORSOriginsFromEnv(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Service.CORSOrigins)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"postgres without dsn": func(c *AppConfig) { c.Service.StoreDriver = "postgres" },
		"unknown driver":       func(c *AppConfig) { c.Service.StoreDriver = "redis" },
		"fee over 100%":        func(c *AppConfig) { c.Fees.OrganizerBps = 10_001 },
		"signer without escrow": func(c *AppConfig) {
			c.Chain.PrivateKey = "0x01"
		},
		"zero interval": func(c *AppConfig) { c.Sync.Interval = 0 },
		"no escrow cap": func(c *AppConfig) { c.Sync.MaxEscrows = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}
