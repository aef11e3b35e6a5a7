package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the YAML file is parsed.
const (
	EnvConfigPath     = "STAKEBOARD_CONFIG"
	EnvRPCURL         = "STAKEBOARD_RPC_URL"
	EnvWSEndpoint     = "STAKEBOARD_WS_ENDPOINT"
	EnvStakingAddress = "STAKEBOARD_STAKING_ADDRESS"
)

// Config represents the complete client configuration
type Config struct {
	Chain   ChainConfig   `yaml:"chain"`
	Sync    SyncConfig    `yaml:"sync"`
	Wallet  WalletConfig  `yaml:"wallet"`
	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ChainConfig contains the RPC connection and contract settings
type ChainConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	WSEndpoint string `yaml:"ws_endpoint"` // optional, enables event subscriptions

	// The two networks the staking contract is deployed on. Anything else is
	// refused at connect time.
	ProductionNetworkID int64 `yaml:"production_network_id"`
	TestNetworkID       int64 `yaml:"test_network_id"`

	StakingAddress string `yaml:"staking_address"`

	CallTimeoutSecs    int     `yaml:"call_timeout_secs"`    // per read timeout (default: 15)
	TxTimeoutSecs      int     `yaml:"tx_timeout_secs"`      // submit + mining timeout (default: 300)
	RateLimit          float64 `yaml:"rate_limit"`           // max RPC calls per second (0 = unlimited)
	RateLimitBurst     int     `yaml:"rate_limit_burst"`     // burst for rate_limit
	BlockConfirmations int     `yaml:"block_confirmations"`  // confirmations to wait after mining
	MaxGasPriceGwei    int64   `yaml:"max_gas_price_gwei"`   // gas price cap (0 = no cap)
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier"` // headroom on estimated gas

	// Mock replaces the RPC client with an in-memory chain (demo / development).
	Mock bool `yaml:"mock"`
}

// SyncConfig contains the synchronizer and dispatcher settings
type SyncConfig struct {
	RefreshIntervalSecs int    `yaml:"refresh_interval_secs"` // partial refresh period (default: 10)
	FundAmountETH       string `yaml:"fund_amount_eth"`       // value sent by fundRewards (default: 0.1)
	ApprovalAmount      string `yaml:"approval_amount"`       // whole tokens approved (default: 1e9)
}

// WalletConfig contains keystore settings
type WalletConfig struct {
	KeystoreDir  string `yaml:"keystore_dir"`
	Account      string `yaml:"account"`       // optional, first keystore account if empty
	PasswordFile string `yaml:"password_file"` // optional
	UseKeyring   bool   `yaml:"use_keyring"`   // look the password up in the OS keyring
}

// APIConfig contains the HTTP gateway settings
type APIConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	RateLimit       int      `yaml:"rate_limit"`       // requests per minute per IP
	RateLimitBurst  int      `yaml:"rate_limit_burst"` // burst per IP
	EnableWebSocket bool     `yaml:"enable_websocket"`
	AllowedOrigins  []string `yaml:"allowed_origins"` // empty = any origin for reads
	EnableActions   bool     `yaml:"enable_actions"`  // expose transaction endpoints
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the standalone metrics listener
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".stakeboard")

	return &Config{
		Chain: ChainConfig{
			RPCURL:              "http://127.0.0.1:8545",
			WSEndpoint:          "ws://127.0.0.1:8545",
			ProductionNetworkID: 1337,
			TestNetworkID:       42,
			CallTimeoutSecs:     15,
			TxTimeoutSecs:       300,
			RateLimit:           20,
			RateLimitBurst:      10,
			BlockConfirmations:  0,
			MaxGasPriceGwei:     100,
			GasLimitMultiplier:  1.2,
		},
		Sync: SyncConfig{
			RefreshIntervalSecs: 10,
			FundAmountETH:       "0.1",
			ApprovalAmount:      "1000000000",
		},
		Wallet: WalletConfig{
			KeystoreDir: filepath.Join(dataDir, "keystore"),
		},
		API: APIConfig{
			HTTPAddr:        "127.0.0.1:8080",
			RateLimit:       120,
			RateLimitBurst:  20,
			EnableWebSocket: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.ProductionNetworkID <= 0 || c.Chain.TestNetworkID <= 0 {
		return fmt.Errorf("production_network_id and test_network_id must be positive")
	}
	if c.Chain.ProductionNetworkID == c.Chain.TestNetworkID {
		return fmt.Errorf("production_network_id and test_network_id must differ, both are %d", c.Chain.ProductionNetworkID)
	}
	if c.Chain.CallTimeoutSecs < 1 {
		return fmt.Errorf("call_timeout_secs must be at least 1")
	}
	if c.Chain.TxTimeoutSecs < c.Chain.CallTimeoutSecs {
		return fmt.Errorf("tx_timeout_secs must be at least call_timeout_secs")
	}
	if c.Chain.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.Chain.GasLimitMultiplier != 0 && c.Chain.GasLimitMultiplier < 1 {
		return fmt.Errorf("gas_limit_multiplier must be >= 1, got %v", c.Chain.GasLimitMultiplier)
	}

	if c.Sync.RefreshIntervalSecs < 1 {
		return fmt.Errorf("refresh_interval_secs must be at least 1")
	}
	if err := validatePositiveDecimal("fund_amount_eth", c.Sync.FundAmountETH); err != nil {
		return err
	}
	if err := validatePositiveDecimal("approval_amount", c.Sync.ApprovalAmount); err != nil {
		return err
	}

	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.API.RateLimit < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("api rate limits must not be negative")
	}
	if c.API.EnableActions && !hasExplicitOrigin(c.API.AllowedOrigins) {
		return fmt.Errorf("enable_actions requires allowed_origins to list the dashboard origin")
	}

	if c.Wallet.Account != "" {
		if err := validateEthAddress("wallet.account", c.Wallet.Account); err != nil {
			return err
		}
	}

	if !c.Chain.Mock {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("rpc_url is required when mock is false")
		}
		if err := validateEthAddress("staking_address", c.Chain.StakingAddress); err != nil {
			return err
		}
	}

	return nil
}

// hasExplicitOrigin reports whether origins names at least one origin other
// than the wildcard.
func hasExplicitOrigin(origins []string) bool {
	for _, o := range origins {
		if o != "" && o != "*" {
			return true
		}
	}
	return false
}

// AllowedNetworks returns the two accepted network identifiers.
func (c *ChainConfig) AllowedNetworks() []int64 {
	return []int64{c.ProductionNetworkID, c.TestNetworkID}
}

// CallTimeout returns the per-call deadline.
func (c *ChainConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// TxTimeout returns the deadline for submitting and mining a transaction.
func (c *ChainConfig) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutSecs) * time.Second
}

// RefreshInterval returns the partial refresh period.
func (s *SyncConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSecs) * time.Second
}

func validatePositiveDecimal(name, value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("%s must be a decimal number, got %q", name, value)
	}
	if !d.IsPositive() {
		return fmt.Errorf("%s must be > 0, got %s", name, value)
	}
	return nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv(EnvWSEndpoint); v != "" {
		c.Chain.WSEndpoint = v
	}
	if v := os.Getenv(EnvStakingAddress); v != "" {
		c.Chain.StakingAddress = v
	}
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.KeystoreDir = expandPath(c.Wallet.KeystoreDir)
	c.Wallet.PasswordFile = expandPath(c.Wallet.PasswordFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the config file path, honouring STAKEBOARD_CONFIG.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandPath(p)
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".stakeboard", "config.yaml")
}
