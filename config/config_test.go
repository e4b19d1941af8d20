package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[service]
relays = ["wss://relay.example"]
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/enclaved", cfg.Service.DataDir)
	assert.Equal(t, "wss://relay.example", cfg.Service.WalletRelay)
	assert.Equal(t, "wallet", cfg.Service.WalletName)
	assert.Equal(t, 1000, cfg.Billing.TotalUnits)
	assert.Equal(t, int64(3600), cfg.Billing.IntervalSec)
	assert.Equal(t, "enclaves", cfg.Docker.Network)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[service]
data_dir = "/tmp/enclaved"
relays = ["wss://one", "wss://two"]
wallet_relay = "wss://two"
wallet_name = "hub"
prod = true

[billing]
total_units = 500
price_msat = 2000
interval_sec = 600
invoice_expiry_sec = 300

[archive]
location = "file:///tmp/archive"

[[builtins]]
name = "hub"
docker = "example/wallet:stable"
units = 4

[[builtins]]
name = "dns"
docker = "example/dns:latest"
units = 1
env = { UPSTREAM = "9.9.9.9" }
`))
	require.NoError(t, err)

	assert.True(t, cfg.Service.Prod)
	assert.Equal(t, "wss://two", cfg.Service.WalletRelay)
	assert.Equal(t, int64(2000), cfg.Billing.PriceMsat)
	assert.Equal(t, "file:///tmp/archive", cfg.Archive.Location)
	require.Len(t, cfg.Builtins, 2)
	assert.Equal(t, "hub", cfg.Builtins[0].Name)
	assert.Equal(t, map[string]string{"UPSTREAM": "9.9.9.9"}, cfg.Builtins[1].Env)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no relays", `[service]`},
		{"builtin without docker", `
[service]
relays = ["wss://relay"]
[[builtins]]
name = "broken"
units = 1
`},
		{"duplicate builtin names", `
[service]
relays = ["wss://relay"]
[[builtins]]
name = "dup"
docker = "a:1"
units = 1
[[builtins]]
name = "dup"
docker = "b:1"
units = 1
`},
		{"builtin with zero units", `
[service]
relays = ["wss://relay"]
[[builtins]]
name = "zero"
docker = "a:1"
units = 0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
