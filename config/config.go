// Package config loads the host configuration from a TOML file: the
// builtin workload list, capacity and pricing, relay urls, and the
// archive location.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the host daemon.
type Config struct {
	Service  ServiceConfig     `toml:"service"`
	Billing  BillingConfig     `toml:"billing"`
	Docker   DockerConfig      `toml:"docker"`
	Archive  ArchiveConfig     `toml:"archive"`
	Builtins []BuiltinWorkload `toml:"builtins"`
}

// ServiceConfig holds service identity and transport settings.
type ServiceConfig struct {
	// DataDir stores the key seed, the sqlite record store and local
	// archives.
	DataDir string `toml:"data_dir"`

	// Relays the service listens on and announces to.
	Relays []string `toml:"relays"`

	// WalletRelay carries the metered-payment protocol. Defaults to the
	// first entry of Relays.
	WalletRelay string `toml:"wallet_relay"`

	// WalletName is the builtin workload acting as the wallet.
	WalletName string `toml:"wallet_name"`

	// Prod marks a production deployment; non-debug enclaves without
	// this flag are classified as dev.
	Prod bool `toml:"prod"`

	// ListenAddr serves the local control channel for workloads.
	ListenAddr string `toml:"listen_addr"`

	// MetricsAddr serves Prometheus metrics, empty disables.
	MetricsAddr string `toml:"metrics_addr"`
}

// BillingConfig holds capacity and pricing.
type BillingConfig struct {
	// TotalUnits is the capacity ceiling across all containers.
	TotalUnits int `toml:"total_units"`

	// PriceMsat is the price of one unit for one billing interval.
	PriceMsat int64 `toml:"price_msat"`

	// IntervalSec is the billing interval in seconds of uptime.
	IntervalSec int64 `toml:"interval_sec"`

	// InvoiceExpirySec bounds how long a waiting container's first
	// invoice stays payable.
	InvoiceExpirySec int64 `toml:"invoice_expiry_sec"`
}

// DockerConfig holds container engine settings.
type DockerConfig struct {
	// Network is the bridge network managed containers attach to.
	Network string `toml:"network"`
}

// ArchiveConfig holds envelope archive settings.
type ArchiveConfig struct {
	// Location is an archive URI, e.g. file:///var/lib/enclaved/archive
	// or s3://bucket/prefix?region=eu-west-1. Empty disables archiving.
	Location string `toml:"location"`
}

// BuiltinWorkload describes one always-on workload deployed at startup
// and never billed.
type BuiltinWorkload struct {
	Name    string            `toml:"name"`
	Docker  string            `toml:"docker"`
	Units   int               `toml:"units"`
	Env     map[string]string `toml:"env"`
	Upgrade string            `toml:"upgrade"`
}

// Load reads and parses a TOML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, cfg.Validate()
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Service.DataDir == "" {
		c.Service.DataDir = "/var/lib/enclaved"
	}
	if c.Service.ListenAddr == "" {
		c.Service.ListenAddr = "127.0.0.1:3113"
	}
	if c.Service.WalletRelay == "" && len(c.Service.Relays) > 0 {
		c.Service.WalletRelay = c.Service.Relays[0]
	}
	if c.Service.WalletName == "" {
		c.Service.WalletName = "wallet"
	}
	if c.Billing.TotalUnits == 0 {
		c.Billing.TotalUnits = 1000
	}
	if c.Billing.PriceMsat == 0 {
		c.Billing.PriceMsat = 1000
	}
	if c.Billing.IntervalSec == 0 {
		c.Billing.IntervalSec = 3600
	}
	if c.Billing.InvoiceExpirySec == 0 {
		c.Billing.InvoiceExpirySec = 600
	}
	if c.Docker.Network == "" {
		c.Docker.Network = "enclaves"
	}
}

// Validate rejects configs the daemon cannot start with.
func (c *Config) Validate() error {
	if len(c.Service.Relays) == 0 {
		return fmt.Errorf("config: at least one relay is required")
	}
	if c.Billing.PriceMsat < 0 || c.Billing.TotalUnits < 0 {
		return fmt.Errorf("config: negative billing values")
	}
	names := make(map[string]bool)
	for _, b := range c.Builtins {
		if b.Name == "" || b.Docker == "" {
			return fmt.Errorf("config: builtin workloads need name and docker")
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate builtin name %q", b.Name)
		}
		names[b.Name] = true
		if b.Units <= 0 {
			return fmt.Errorf("config: builtin %q needs positive units", b.Name)
		}
	}
	return nil
}
