package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"unitpay/crypto"
)

// Config carries the daemon settings loaded from the TOML configuration
// file.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	DataDir         string `toml:"DataDir"`
	NetworkName     string `toml:"NetworkName"`
	Owner           string `toml:"Owner"`
	SettlementToken string `toml:"SettlementToken"`
}

const (
	defaultRPCAddress = "127.0.0.1:8645"
	defaultDataDir    = "./unitpay-data"
	defaultNetwork    = "unitpay-local"
)

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	if owner := strings.TrimSpace(cfg.Owner); owner != "" {
		if _, err := crypto.DecodeAddress(owner); err != nil {
			return fmt.Errorf("invalid Owner address: %w", err)
		}
		if strings.TrimSpace(cfg.SettlementToken) == "" {
			return fmt.Errorf("SettlementToken required when Owner is set")
		}
	}
	return nil
}

// OwnerAddress decodes the configured owner identity. The second return
// value reports whether an owner was configured at all.
func (c *Config) OwnerAddress() ([20]byte, bool, error) {
	trimmed := strings.TrimSpace(c.Owner)
	if trimmed == "" {
		return [20]byte{}, false, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, false, err
	}
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out, true, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = defaultNetwork
	}
	cfg.SettlementToken = strings.ToUpper(strings.TrimSpace(cfg.SettlementToken))
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  defaultRPCAddress,
		DataDir:     defaultDataDir,
		NetworkName: defaultNetwork,
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
