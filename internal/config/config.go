// Package config loads the gateway configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoints names the remote services the gateway talks to.
type Endpoints struct {
	Ingest  string `yaml:"ingest"`
	Status  string `yaml:"status"`
	Stats   string `yaml:"stats"`
	Price   string `yaml:"price"`
	Stream  string `yaml:"stream"`
	Limiter string `yaml:"limiter"`
}

// Chain configures the payment chain RPC connection.
type Chain struct {
	RPCURL string `yaml:"rpc_url"`
}

// Payment configures the micropayment gate.
type Payment struct {
	Receiver        string        `yaml:"receiver"`
	TokenMint       string        `yaml:"token_mint"`
	TokenAmount     uint64        `yaml:"token_amount"`
	TokenDecimals   int           `yaml:"token_decimals"`
	NativeAmount    uint64        `yaml:"native_amount"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
	MaxConfirmPolls int           `yaml:"max_confirm_polls"`
}

// Price configures the USD conversion used to advise token amounts.
type Price struct {
	NativeAssetID string `yaml:"native_asset_id"`
	TokenAssetID  string `yaml:"token_asset_id"`
}

// Quota is one service's local rate-limit allowance.
type Quota struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// Config is the full gateway configuration.
type Config struct {
	Listen       string           `yaml:"listen"`
	DatabaseURL  string           `yaml:"database_url"`
	Endpoints    Endpoints        `yaml:"endpoints"`
	Chain        Chain            `yaml:"chain"`
	Payment      Payment          `yaml:"payment"`
	Price        Price            `yaml:"price"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Quotas       map[string]Quota `yaml:"quotas"`
}

// Default returns the baseline configuration. Endpoint URLs default to
// empty, which disables the corresponding component.
func Default() Config {
	return Config{
		Listen:       ":8080",
		PollInterval: 2 * time.Second,
		Payment: Payment{
			TokenDecimals:   6,
			ConfirmInterval: 2 * time.Second,
			MaxConfirmPolls: 30,
		},
		Price: Price{
			NativeAssetID: "solana",
			TokenAssetID:  "usd-coin",
		},
		Quotas: map[string]Quota{
			"zip-upload":    {Interval: time.Minute, Burst: 3},
			"address-audit": {Interval: 30 * time.Second, Burst: 5},
		},
	}
}

// Load reads the YAML file at path, merging it over Default and then
// applying environment overrides. A missing file is not an error; the
// defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus environment.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Listen, "AUDITD_LISTEN")
	overrideString(&c.DatabaseURL, "AUDITD_DATABASE_URL")
	overrideString(&c.Endpoints.Ingest, "AUDITD_INGEST_URL")
	overrideString(&c.Endpoints.Status, "AUDITD_STATUS_URL")
	overrideString(&c.Endpoints.Stats, "AUDITD_STATS_URL")
	overrideString(&c.Endpoints.Price, "AUDITD_PRICE_URL")
	overrideString(&c.Endpoints.Stream, "AUDITD_STREAM_URL")
	overrideString(&c.Endpoints.Limiter, "AUDITD_LIMITER_URL")
	overrideString(&c.Chain.RPCURL, "AUDITD_CHAIN_RPC_URL")
	overrideString(&c.Payment.Receiver, "AUDITD_PAYMENT_RECEIVER")
	overrideString(&c.Payment.TokenMint, "AUDITD_PAYMENT_TOKEN_MINT")
	overrideUint(&c.Payment.TokenAmount, "AUDITD_PAYMENT_TOKEN_AMOUNT")
	overrideUint(&c.Payment.NativeAmount, "AUDITD_PAYMENT_NATIVE_AMOUNT")
	overrideDuration(&c.PollInterval, "AUDITD_POLL_INTERVAL")
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Payment.ConfirmInterval <= 0 {
		return fmt.Errorf("payment.confirm_interval must be positive")
	}
	if c.Payment.MaxConfirmPolls <= 0 {
		return fmt.Errorf("payment.max_confirm_polls must be positive")
	}
	for service, quota := range c.Quotas {
		if quota.Interval <= 0 || quota.Burst <= 0 {
			return fmt.Errorf("quota for %s must have positive interval and burst", service)
		}
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func overrideUint(dst *uint64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
		*dst = parsed
	}
}

func overrideDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
		*dst = parsed
	}
}
