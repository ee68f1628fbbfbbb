package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Escrow             string `json:"Escrow"`
		OrganizerNFT       string `json:"OrganizerNFT"`
		ServiceProviderNFT string `json:"ServiceProviderNFT"`
	} `json:"contracts"`
}

// AppConfig is the resolved configuration: defaults, then deployments.json,
// then the TOML file, then the environment.
type AppConfig struct {
	Deployment DeploymentConfig
	Chain      ChainConfig
	Contracts  ContractsConfig
	Service    ServiceConfig
	Sync       SyncConfig
	Confirm    ConfirmConfig
	Fees       FeesConfig
}

type ChainConfig struct {
	ChainID      int64
	Name         string
	RPCURL       string
	ExplorerURL  string
	NativeSymbol string
	Decimals     int
	PrivateKey   string
	ClefURL      string
	// DevAccount is the session account when no signer is configured.
	DevAccount string
}

// Signing reports whether a real signer is configured.
func (c ChainConfig) Signing() bool { return c.PrivateKey != "" || c.ClefURL != "" }

func (c ChainConfig) ChainIDBig() *big.Int { return big.NewInt(c.ChainID) }

type ContractsConfig struct {
	Escrow             string
	OrganizerNFT       string
	ServiceProviderNFT string
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	CORSOrigins       []string
	StoreDriver       string
	StorePath         string
	PostgresDSN       string
	IdempotencyWindow time.Duration
}

type SyncConfig struct {
	Interval        time.Duration
	NotificationTTL time.Duration
	MaxEscrows      int
}

type ConfirmConfig struct {
	Timeout          time.Duration
	OwnershipTimeout time.Duration
	OwnershipPoll    time.Duration
}

type FeesConfig struct {
	OrganizerBps uint64
	VendorBps    uint64
	AdvanceBps   uint64
}

const defaultDeploymentsPath = "deployments.json"

// Defaults returns the built-in configuration for Monad testnet.
func Defaults() AppConfig {
	return AppConfig{
		Chain: ChainConfig{
			ChainID:      10143,
			Name:         "Monad Testnet",
			RPCURL:       "https://testnet-rpc.monad.xyz",
			ExplorerURL:  "https://testnet.monadexplorer.com",
			NativeSymbol: "MON",
			Decimals:     18,
		},
		Contracts: ContractsConfig{
			OrganizerNFT:       "0xaf9d1d0ea55ddac46b4651a141068d347d0758f7",
			ServiceProviderNFT: "0x9583f66a7d93522093626f6bfba954d830cd0c9b",
		},
		Service: ServiceConfig{
			HTTPPort:          3000,
			HMACClockSkew:     60 * time.Second,
			CORSOrigins:       []string{"http://localhost:5173"},
			StoreDriver:       "file",
			StorePath:         filepath.Join(os.TempDir(), "monconnect-store.json"),
			IdempotencyWindow: 24 * time.Hour,
		},
		Sync: SyncConfig{
			Interval:        10 * time.Second,
			NotificationTTL: 5 * time.Second,
			MaxEscrows:      100_000,
		},
		Confirm: ConfirmConfig{
			Timeout:          2 * time.Minute,
			OwnershipTimeout: 30 * time.Second,
			OwnershipPoll:    2 * time.Second,
		},
		Fees: FeesConfig{
			OrganizerBps: 100,
			VendorBps:    100,
			AdvanceBps:   1500,
		},
	}
}

// Load aggregates configuration from disk and environment. tomlPath may be
// empty, in which case MONCONNECT_CONFIG is consulted.
func Load(tomlPath string) (*AppConfig, error) {
	cfg := Defaults()

	if tomlPath == "" {
		tomlPath = envOr("MONCONNECT_CONFIG", "")
	}
	var overlay *fileConfig
	if tomlPath != "" {
		var err error
		overlay, err = loadTOML(tomlPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", tomlPath, err)
		}
	}

	deploymentsPath, explicit := envOr("DEPLOYMENTS_PATH", ""), true
	if deploymentsPath == "" && overlay != nil {
		deploymentsPath = overlay.DeploymentsPath
	}
	if deploymentsPath == "" {
		deploymentsPath, explicit = defaultDeploymentsPath, false
	}
	deploy, err := loadDeployments(deploymentsPath)
	switch {
	case err == nil:
		cfg.applyDeployment(deploy)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	if overlay != nil {
		if err := cfg.applyFile(overlay); err != nil {
			return nil, fmt.Errorf("apply config %s: %w", tomlPath, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDeployment(d *DeploymentConfig) {
	c.Deployment = *d
	if d.ChainID != 0 {
		c.Chain.ChainID = d.ChainID
	}
	if d.Contracts.Escrow != "" {
		c.Contracts.Escrow = d.Contracts.Escrow
	}
	if d.Contracts.OrganizerNFT != "" {
		c.Contracts.OrganizerNFT = d.Contracts.OrganizerNFT
	}
	if d.Contracts.ServiceProviderNFT != "" {
		c.Contracts.ServiceProviderNFT = d.Contracts.ServiceProviderNFT
	}
}

func (c *AppConfig) applyEnv() error {
	c.Chain.RPCURL = envOr("CHAIN_RPC_URL", c.Chain.RPCURL)
	c.Chain.PrivateKey = envOr("CHAIN_PRIVATE_KEY", c.Chain.PrivateKey)
	c.Chain.ClefURL = envOr("CHAIN_CLEF_URL", c.Chain.ClefURL)
	c.Chain.DevAccount = envOr("DEV_ACCOUNT", c.Chain.DevAccount)
	c.Chain.ChainID = int64(envOrInt("CHAIN_ID", int(c.Chain.ChainID)))

	c.Contracts.Escrow = envOr("ESCROW_ADDRESS", c.Contracts.Escrow)
	c.Contracts.OrganizerNFT = envOr("ORGANIZER_NFT_ADDRESS", c.Contracts.OrganizerNFT)
	c.Contracts.ServiceProviderNFT = envOr("SERVICE_PROVIDER_NFT_ADDRESS", c.Contracts.ServiceProviderNFT)

	c.Service.HTTPPort = envOrInt("API_HTTP_PORT", c.Service.HTTPPort)
	c.Service.HMACSecret = envOr("HMAC_SECRET", c.Service.HMACSecret)
	c.Service.HMACClockSkew = time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", int(c.Service.HMACClockSkew/time.Second))) * time.Second
	if origins := envOr("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		c.Service.CORSOrigins = splitList(origins)
	}
	c.Service.StoreDriver = envOr("STORE_DRIVER", c.Service.StoreDriver)
	c.Service.StorePath = envOr("STORE_PATH", c.Service.StorePath)
	c.Service.PostgresDSN = envOr("POSTGRES_DSN", c.Service.PostgresDSN)
	c.Service.IdempotencyWindow = time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", int(c.Service.IdempotencyWindow/time.Second))) * time.Second

	var err error
	if c.Sync.Interval, err = envOrDuration("SYNC_INTERVAL", c.Sync.Interval); err != nil {
		return err
	}
	if c.Sync.NotificationTTL, err = envOrDuration("NOTIFICATION_TTL", c.Sync.NotificationTTL); err != nil {
		return err
	}
	c.Sync.MaxEscrows = envOrInt("SYNC_MAX_ESCROWS", c.Sync.MaxEscrows)
	if c.Confirm.Timeout, err = envOrDuration("CONFIRM_TIMEOUT", c.Confirm.Timeout); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive, got %d", c.Chain.ChainID)
	}
	if c.Chain.Signing() {
		if c.Chain.RPCURL == "" {
			return errors.New("rpc url is required when a signer is configured")
		}
		if c.Contracts.Escrow == "" {
			return errors.New("escrow contract address is required when a signer is configured")
		}
	}
	switch c.Service.StoreDriver {
	case "memory", "file":
	case "postgres":
		if c.Service.PostgresDSN == "" {
			return errors.New("postgres store driver requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Service.StoreDriver)
	}
	for name, bps := range map[string]uint64{"organizer": c.Fees.OrganizerBps, "vendor": c.Fees.VendorBps, "advance": c.Fees.AdvanceBps} {
		if bps > 10_000 {
			return fmt.Errorf("%s fee %d bps exceeds 100%%", name, bps)
		}
	}
	if c.Sync.MaxEscrows <= 0 {
		return errors.New("sync max escrows must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.NotificationTTL <= 0 {
		return errors.New("sync interval and notification ttl must be positive")
	}
	if c.Confirm.Timeout <= 0 || c.Confirm.OwnershipTimeout <= 0 || c.Confirm.OwnershipPoll <= 0 {
		return errors.New("confirmation timeouts must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
