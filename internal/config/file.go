package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// fileConfig is the TOML layout. Durations are strings such as "10s".
type fileConfig struct {
	DeploymentsPath string `toml:"deployments_path"`

	Chain struct {
		ChainID     int64  `toml:"chain_id"`
		Name        string `toml:"name"`
		RPCURL      string `toml:"rpc_url"`
		ExplorerURL string `toml:"explorer_url"`
		PrivateKey  string `toml:"private_key"`
		ClefURL     string `toml:"clef_url"`
		DevAccount  string `toml:"dev_account"`
	} `toml:"chain"`

	Contracts struct {
		Escrow             string `toml:"escrow"`
		OrganizerNFT       string `toml:"organizer_nft"`
		ServiceProviderNFT string `toml:"service_provider_nft"`
	} `toml:"contracts"`

	Service struct {
		HTTPPort          int      `toml:"http_port"`
		HMACSecret        string   `toml:"hmac_secret"`
		HMACClockSkew     string   `toml:"hmac_clock_skew"`
		CORSOrigins       []string `toml:"cors_origins"`
		StoreDriver       string   `toml:"store_driver"`
		StorePath         string   `toml:"store_path"`
		PostgresDSN       string   `toml:"postgres_dsn"`
		IdempotencyWindow string   `toml:"idempotency_window"`
	} `toml:"service"`

	Sync struct {
		Interval        string `toml:"interval"`
		NotificationTTL string `toml:"notification_ttl"`
		MaxEscrows      int    `toml:"max_escrows"`
	} `toml:"sync"`

	Confirm struct {
		Timeout          string `toml:"timeout"`
		OwnershipTimeout string `toml:"ownership_timeout"`
		OwnershipPoll    string `toml:"ownership_poll"`
	} `toml:"confirm"`

	Fees struct {
		OrganizerBps int64 `toml:"organizer_bps"`
		VendorBps    int64 `toml:"vendor_bps"`
		AdvanceBps   int64 `toml:"advance_bps"`
	} `toml:"fees"`
}

func loadTOML(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).Decode(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (c *AppConfig) applyFile(f *fileConfig) error {
	setString(&c.Chain.Name, f.Chain.Name)
	setString(&c.Chain.RPCURL, f.Chain.RPCURL)
	setString(&c.Chain.ExplorerURL, f.Chain.ExplorerURL)
	setString(&c.Chain.PrivateKey, f.Chain.PrivateKey)
	setString(&c.Chain.ClefURL, f.Chain.ClefURL)
	setString(&c.Chain.DevAccount, f.Chain.DevAccount)
	if f.Chain.ChainID != 0 {
		c.Chain.ChainID = f.Chain.ChainID
	}

	setString(&c.Contracts.Escrow, f.Contracts.Escrow)
	setString(&c.Contracts.OrganizerNFT, f.Contracts.OrganizerNFT)
	setString(&c.Contracts.ServiceProviderNFT, f.Contracts.ServiceProviderNFT)

	if f.Service.HTTPPort != 0 {
		c.Service.HTTPPort = f.Service.HTTPPort
	}
	setString(&c.Service.HMACSecret, f.Service.HMACSecret)
	if len(f.Service.CORSOrigins) > 0 {
		c.Service.CORSOrigins = f.Service.CORSOrigins
	}
	setString(&c.Service.StoreDriver, f.Service.StoreDriver)
	setString(&c.Service.StorePath, f.Service.StorePath)
	setString(&c.Service.PostgresDSN, f.Service.PostgresDSN)
	if f.Sync.MaxEscrows != 0 {
		c.Sync.MaxEscrows = f.Sync.MaxEscrows
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"service.hmac_clock_skew", f.Service.HMACClockSkew, &c.Service.HMACClockSkew},
		{"service.idempotency_window", f.Service.IdempotencyWindow, &c.Service.IdempotencyWindow},
		{"sync.interval", f.Sync.Interval, &c.Sync.Interval},
		{"sync.notification_ttl", f.Sync.NotificationTTL, &c.Sync.NotificationTTL},
		{"confirm.timeout", f.Confirm.Timeout, &c.Confirm.Timeout},
		{"confirm.ownership_timeout", f.Confirm.OwnershipTimeout, &c.Confirm.OwnershipTimeout},
		{"confirm.ownership_poll", f.Confirm.OwnershipPoll, &c.Confirm.OwnershipPoll},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	for _, fee := range []struct {
		name string
		raw  int64
		dst  *uint64
	}{
		{"fees.organizer_bps", f.Fees.OrganizerBps, &c.Fees.OrganizerBps},
		{"fees.vendor_bps", f.Fees.VendorBps, &c.Fees.VendorBps},
		{"fees.advance_bps", f.Fees.AdvanceBps, &c.Fees.AdvanceBps},
	} {
		if fee.raw < 0 {
			return fmt.Errorf("%s must not be negative", fee.name)
		}
		if fee.raw > 0 {
			*fee.dst = uint64(fee.raw)
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
