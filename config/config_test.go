package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

func ownerAddress(t *testing.T) string {
	t.Helper()
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{0x01}, 20))
	return crypto.MustNewAddress(crypto.EscrowPrefix, raw[:]).String()
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `OwnerAddress = "`+ownerAddress(t)+`"
InitialFeeBps = 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8545", cfg.ListenAddress)
	require.Equal(t, "./escrowd-data", cfg.DataDir)
	require.Equal(t, "escrow-local", cfg.NetworkName)
	require.Equal(t, uint32(250), cfg.InitialFeeBps)

	owner, err := cfg.Owner()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), owner[0])
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":9000"
DataDir = "/tmp/escrow"
NetworkName = "escrow-test"
OwnerAddress = "`+ownerAddress(t)+`"

[Telemetry]
Enabled = true
Endpoint = "collector:4318"
Insecure = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "/tmp/escrow", cfg.DataDir)
	require.Equal(t, "escrow-test", cfg.NetworkName)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"missing owner", "InitialFeeBps = 100\n"},
		{"malformed owner", `OwnerAddress = "not-a-bech32-address"` + "\n"},
		{"fee rate above ceiling", `OwnerAddress = "` + ownerAddress(t) + `"` + "\nInitialFeeBps = 1001\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			require.Error(t, err)
		})
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.OwnerAddress)
	require.Equal(t, uint32(100), cfg.InitialFeeBps)
	require.LessOrEqual(t, cfg.InitialFeeBps, escrow.MaxFeeBps)

	// The generated file must load back identically.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.OwnerAddress, reloaded.OwnerAddress)

	// The owner credential is written beside the config with restricted
	// permissions.
	keyPath := filepath.Join(dir, "owner.key")
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	key, err := crypto.PrivateKeyFromHex(string(raw))
	require.NoError(t, err)
	require.Equal(t, cfg.OwnerAddress, key.PubKey().Address().String())
}
