package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

// Telemetry controls the optional OTLP trace exporter.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

type Config struct {
	ListenAddress string    `toml:"ListenAddress"`
	DataDir       string    `toml:"DataDir"`
	NetworkName   string    `toml:"NetworkName"`
	OwnerAddress  string    `toml:"OwnerAddress"`
	InitialFeeBps uint32    `toml:"InitialFeeBps"`
	LogFile       string    `toml:"LogFile"`
	Telemetry     Telemetry `toml:"Telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// (with a freshly generated owner credential) when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrow-local"
	}
}

// Validate checks the loaded configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OwnerAddress) == "" {
		return fmt.Errorf("config: OwnerAddress is required")
	}
	if _, err := crypto.DecodeAddress(c.OwnerAddress); err != nil {
		return fmt.Errorf("config: invalid OwnerAddress: %w", err)
	}
	if c.InitialFeeBps > escrow.MaxFeeBps {
		return fmt.Errorf("config: InitialFeeBps %d exceeds ceiling %d", c.InitialFeeBps, escrow.MaxFeeBps)
	}
	return nil
}

// Owner returns the administrative principal as a fixed 20-byte address.
func (c *Config) Owner() ([20]byte, error) {
	addr, err := crypto.DecodeAddress(c.OwnerAddress)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	owner := key.PubKey().Address()

	cfg := &Config{
		OwnerAddress:  owner.String(),
		InitialFeeBps: 100, // 1%
	}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Keep the generated owner credential next to the config so the operator
	// can sign administrative calls later.
	keyPath := filepath.Join(filepath.Dir(path), "owner.key")
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key.Bytes())), 0o600); err != nil {
		return nil, err
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
