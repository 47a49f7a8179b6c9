package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wheval/Vaultix/crypto"
	"github.com/wheval/Vaultix/native/escrow"
)

// GenesisAccount seeds a ledger balance the first time the daemon starts on
// an empty data directory.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress      string           `toml:"RPCAddress"`
	DataDir         string           `toml:"DataDir"`
	NetworkName     string           `toml:"NetworkName"`
	LogFile         string           `toml:"LogFile"`
	LogMaxSizeMB    int              `toml:"LogMaxSizeMB"`
	LogMaxBackups   int              `toml:"LogMaxBackups"`
	LogMaxAgeDays   int              `toml:"LogMaxAgeDays"`
	GenesisAccounts []GenesisAccount `toml:"GenesisAccount"`
}

const defaultConfig = `RPCAddress = ":8645"
DataDir = "./vaultix-data"
NetworkName = "vaultix-local"
`

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
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

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write default config: %w", err)
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultConfig, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vaultix-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "vaultix-local"
	}
}

// Validate checks genesis entries so a malformed config fails at startup
// rather than at the first transfer.
func (c *Config) Validate() error {
	for i, account := range c.GenesisAccounts {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(account.Address)); err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		if _, err := escrow.NormalizeToken(account.Token); err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis account %d: invalid balance %q", i, account.Balance)
		}
	}
	return nil
}
