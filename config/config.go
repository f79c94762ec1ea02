package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the node-level configuration shared by the CLI and keeper.
type Config struct {
	DataDir        string
	StorageBackend string
	EscrowAccount  string
	TokenSymbol    string
	// LockWaitSeconds is how long to wait for a store held by another
	// process, such as the keeper between scans.
	LockWaitSeconds uint64

	Settlement SettlementConfig `toml:"settlement"`
	Journal    JournalConfig    `toml:"journal"`
	Log        LogConfig        `toml:"log"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// SettlementConfig tunes who may settle and how long customers may dispute.
type SettlementConfig struct {
	Policy                 string
	ReportingBufferSeconds uint64
}

// JournalConfig points the audit journal at a SQL database. An empty DSN
// disables the journal.
type JournalConfig struct {
	DSN string
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string
	File      string
	MaxSizeMB int
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string
	Insecure    bool
	Traces      bool
	Metrics     bool
	Headers     string
	SampleRatio float64
}

// Load reads the TOML file at path, creating it with defaults when missing,
// then normalises and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh installation.
func Default() *Config {
	return &Config{
		DataDir:         "./formicarium-data",
		StorageBackend:  "leveldb",
		EscrowAccount:   DefaultEscrowAccount().Hex(),
		TokenSymbol:     "PRT",
		LockWaitSeconds: 5,
		Settlement: SettlementConfig{
			Policy:                 "any",
			ReportingBufferSeconds: 300,
		},
		Log: LogConfig{Level: "info"},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
