package keeperd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for keeperd.
type Config struct {
	ListenAddress string      `yaml:"listen"`
	NodeConfig    string      `yaml:"node_config"`
	Identity      string      `yaml:"identity"`
	PauseOnStart  bool        `yaml:"pause"`
	Interval      Duration    `yaml:"interval"`
	RateLimit     float64     `yaml:"rate_limit"`
	Burst         int         `yaml:"burst"`
	Admin         AdminConfig `yaml:"admin"`
}

// AdminConfig configures bearer authentication for operator endpoints.
type AdminConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	cfg.NodeConfig = strings.TrimSpace(cfg.NodeConfig)
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = "config.toml"
	}
	cfg.Identity = strings.TrimSpace(cfg.Identity)
	if cfg.Interval.Duration == 0 {
		cfg.Interval.Duration = 15 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	if env := strings.TrimSpace(cfg.Admin.JWTSecretEnv); env != "" && strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		cfg.Admin.JWTSecret = os.Getenv(env)
	}
}

func validateConfig(cfg Config) error {
	if _, err := cfg.IdentityAddress(); err != nil {
		return err
	}
	if cfg.Interval.Duration < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if cfg.Burst < 0 {
		return fmt.Errorf("burst must not be negative")
	}
	return nil
}

// IdentityAddress parses the account the keeper acts as.
func (c Config) IdentityAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Identity) {
		return common.Address{}, fmt.Errorf("identity must be a hex address, got %q", c.Identity)
	}
	addr := common.HexToAddress(c.Identity)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("identity must not be the zero address")
	}
	return addr, nil
}
