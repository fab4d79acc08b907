package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the node configuration, read from a TOML file.
// CLI flags override individual fields.
type Config struct {
	// Network
	ListenAddress  string `toml:"listen_address"`
	MetricsAddress string `toml:"metrics_address"`
	APIKey         string `toml:"api_key"`

	// Ledger parameters
	TreeDepth       uint32 `toml:"tree_depth"`
	RootHistorySize int    `toml:"root_history_size"`

	// Persistence; empty means in-memory state only
	RedisURL string `toml:"redis_url"`

	// Withdrawal proof verification
	VerifyingKeyPath string `toml:"verifying_key_path"`

	// Eligibility gate. Callers identify via the X-Caller-Identity header;
	// an empty allowlist with gating enabled rejects everyone.
	GateDeposits    bool     `toml:"gate_deposits"`
	GateWithdrawals bool     `toml:"gate_withdrawals"`
	EligibleCallers []string `toml:"eligible_callers"`

	// Logging
	JSONLogging bool   `toml:"json_logging"`
	LogLevel    string `toml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddress:   "0.0.0.0:3001",
		MetricsAddress:  "0.0.0.0:9998",
		TreeDepth:       20,
		RootHistorySize: 30,
		LogLevel:        "info",
	}
}

func (cfg *Config) IsEligible(caller string) bool {
	for _, c := range cfg.EligibleCallers {
		if c == caller {
			return true
		}
	}
	return false
}

func (cfg *Config) Validate() error {
	if cfg.TreeDepth == 0 || cfg.TreeDepth > 32 {
		return fmt.Errorf("tree_depth must be in [1, 32], got %d", cfg.TreeDepth)
	}
	if cfg.RootHistorySize < 1 {
		return fmt.Errorf("root_history_size must be positive, got %d", cfg.RootHistorySize)
	}
	return nil
}

func ReadConfig(file string) (Config, error) {
	cfg := Default()
	configFileData, err := os.ReadFile(file)
	if err != nil {
		return cfg, err
	}
	err = toml.Unmarshal(configFileData, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}
