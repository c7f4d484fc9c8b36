package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config models escrow.yml.
type Config struct {
	Escrow struct {
		Name              string `yaml:"name"`
		Version           string `yaml:"version"`
		ChainID           int64  `yaml:"chain_id"`
		VerifyingContract string `yaml:"verifying_contract"`
	} `yaml:"escrow"`
	Ledger struct {
		Path          string `yaml:"path"`
		EscrowAccount string `yaml:"escrow_account"`
	} `yaml:"ledger"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// DevCallerHeader lets callers name themselves with X-Caller-Address.
		DevCallerHeader bool `yaml:"dev_caller_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled defaults to true when the flag is omitted.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with escrow init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Escrow.Name == "" {
		return fmt.Errorf("config.escrow.name is required")
	}
	if c.Escrow.Version == "" {
		return fmt.Errorf("config.escrow.version is required")
	}
	if c.Escrow.ChainID <= 0 {
		return fmt.Errorf("config.escrow.chain_id must be positive")
	}
	if !common.IsHexAddress(c.Escrow.VerifyingContract) {
		return fmt.Errorf("config.escrow.verifying_contract must be a hex address")
	}
	if c.Ledger.EscrowAccount != "" && !common.IsHexAddress(c.Ledger.EscrowAccount) {
		return fmt.Errorf("config.ledger.escrow_account must be a hex address")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format %q must be json or console", c.Log.Format)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range wh.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// VerifyingContract returns the parsed EIP-712 verifying contract.
func (c *Config) VerifyingContract() common.Address {
	return common.HexToAddress(c.Escrow.VerifyingContract)
}

// EscrowAccount returns the token book account pooled funds live in. It
// falls back to the verifying contract.
func (c *Config) EscrowAccount() common.Address {
	if c.Ledger.EscrowAccount != "" {
		return common.HexToAddress(c.Ledger.EscrowAccount)
	}
	return c.VerifyingContract()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(chainID int64, verifyingContract string) string {
	return fmt.Sprintf(defaultTemplate, chainID, verifyingContract)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(DefaultChainID, DefaultVerifyingContract)))
	if err != nil {
		panic(err)
	}
	return cfg
}

const (
	DefaultChainID           = 1337
	DefaultVerifyingContract = "0x00000000000000000000000000000000000E5C70"
)

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escrow:
  name: IntentEscrow
  version: "1"
  chain_id: %d
  verifying_contract: "%s"

ledger:
  path: ""
  escrow_account: ""

server:
  addr: 127.0.0.1:8787
  base_path: /v0
  dev_caller_header: false

log:
  level: info
  format: console

webhooks: []
`
