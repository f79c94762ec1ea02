package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"formicarium/native/printing"
	"formicarium/storage"
)

// MaxReportingBuffer bounds the dispute window.
const MaxReportingBuffer = 30 * 24 * time.Hour

// MaxLockWait bounds how long a node waits for a locked store.
const MaxLockWait = 10 * time.Minute

// DefaultEscrowAccount is the deterministic module account that holds escrow
// when none is configured.
func DefaultEscrowAccount() common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("formicarium/escrow")))
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./formicarium-data"
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = storage.BackendLevelDB
	}
	c.EscrowAccount = strings.TrimSpace(c.EscrowAccount)
	if c.EscrowAccount == "" {
		c.EscrowAccount = DefaultEscrowAccount().Hex()
	}
	c.TokenSymbol = strings.ToUpper(strings.TrimSpace(c.TokenSymbol))
	if c.TokenSymbol == "" {
		c.TokenSymbol = "PRT"
	}
	c.Settlement.Policy = strings.ToLower(strings.TrimSpace(c.Settlement.Policy))
	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("config: unsupported storage backend %q", c.StorageBackend)
	}
	if _, err := c.Escrow(); err != nil {
		return err
	}
	if _, err := printing.ParseSettlementPolicy(c.Settlement.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Settlement.ReportingBufferSeconds > uint64(MaxReportingBuffer/time.Second) {
		return fmt.Errorf("config: settlement reporting buffer exceeds %s", MaxReportingBuffer)
	}
	if c.LockWaitSeconds > uint64(MaxLockWait/time.Second) {
		return fmt.Errorf("config: lock wait exceeds %s", MaxLockWait)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry sample ratio must be within [0,1]")
	}
	return nil
}

// Escrow parses the configured escrow account.
func (c *Config) Escrow() (common.Address, error) {
	if !common.IsHexAddress(c.EscrowAccount) {
		return common.Address{}, fmt.Errorf("config: invalid escrow account %q", c.EscrowAccount)
	}
	addr := common.HexToAddress(c.EscrowAccount)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("config: escrow account must not be the zero address")
	}
	return addr, nil
}

// Policy converts the settlement section into the engine policy.
func (c *Config) Policy() (printing.Policy, error) {
	settlement, err := printing.ParseSettlementPolicy(c.Settlement.Policy)
	if err != nil {
		return printing.Policy{}, err
	}
	return printing.Policy{
		Settlement:      settlement,
		ReportingBuffer: time.Duration(c.Settlement.ReportingBufferSeconds) * time.Second,
	}, nil
}

// LockWait is how long opening a store waits for another process to release
// it.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// StatePath is where the order store lives for the configured backend.
func (c *Config) StatePath() string { return c.storePath("state") }

// LedgerPath is where the token ledger lives for the configured backend.
func (c *Config) LedgerPath() string { return c.storePath("ledger") }

func (c *Config) storePath(name string) string {
	if c.StorageBackend == storage.BackendBolt {
		return filepath.Join(c.DataDir, name+".db")
	}
	return filepath.Join(c.DataDir, name)
}
