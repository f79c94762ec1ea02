package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/config"
	"formicarium/core/events"
	"formicarium/core/state"
	"formicarium/native/printing"
	"formicarium/native/token"
	"formicarium/services/journal"
	"formicarium/storage"
)

// Node wires the storage backends, the escrow ledger, the order engine and
// the event sinks described by a configuration.
type Node struct {
	stateDB  storage.Database
	ledgerDB storage.Database
	token    *token.Token
	escrow   common.Address
	engine   *printing.Engine
	stream   *events.Stream
	journal  *journal.Journal
	extra    []events.Emitter
	logger   *slog.Logger
}

// Option customises a node before its engine is wired.
type Option func(*Node)

// WithEmitter adds a sink that receives every engine event alongside the
// node's own stream and journal.
func WithEmitter(emitter events.Emitter) Option {
	return func(n *Node) {
		if emitter != nil {
			n.extra = append(n.extra, emitter)
		}
	}
}

// NewNode opens every store named in cfg and returns a ready engine. The
// journal is only opened when a DSN is configured. A store locked by another
// process is retried for cfg.LockWait before giving up with storage.ErrLocked.
func NewNode(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("core: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	escrow, err := cfg.Escrow()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	if cfg.StorageBackend != storage.BackendMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("core: create data dir: %w", err)
		}
	}

	n := &Node{escrow: escrow, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	wait := cfg.LockWait()
	if n.stateDB, err = storage.OpenWait(cfg.StorageBackend, cfg.StatePath(), wait); err != nil {
		return nil, fmt.Errorf("core: open state store: %w", err)
	}
	if n.ledgerDB, err = storage.OpenWait(cfg.StorageBackend, cfg.LedgerPath(), wait); err != nil {
		n.stateDB.Close()
		return nil, fmt.Errorf("core: open ledger store: %w", err)
	}
	if cfg.Journal.DSN != "" {
		if n.journal, err = journal.Open(cfg.Journal.DSN); err != nil {
			n.stateDB.Close()
			n.ledgerDB.Close()
			return nil, err
		}
		n.journal.SetLogger(logger)
	}

	n.token = token.New(n.ledgerDB, cfg.TokenSymbol)
	n.stream = events.NewStream(0)
	emitters := events.MultiEmitter{n.stream}
	if n.journal != nil {
		emitters = append(emitters, n.journal)
	}
	emitters = append(emitters, n.extra...)

	n.engine = printing.NewEngine()
	n.engine.SetState(state.NewManager(n.stateDB))
	n.engine.SetLedger(n.token.Account(escrow), escrow)
	n.engine.SetPolicy(policy)
	n.engine.SetEmitter(emitters)
	n.engine.SetLogger(logger)

	pending, err := n.engine.PendingReleases(context.Background())
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("core: read pending releases: %w", err)
	}
	for _, r := range pending {
		logger.Warn("core: unconfirmed payout; check the ledger and run order resolve",
			slog.String("orderId", r.Order.ID.Hex()),
			slog.String("recipient", r.Recipient.Hex()),
			slog.String("amount", r.Order.ActualPrice.String()),
			slog.Int64("stagedAt", r.StagedAt))
	}

	logger.Debug("core: node ready",
		slog.String("backend", cfg.StorageBackend),
		slog.String("escrow", escrow.Hex()),
		slog.String("settlement", string(policy.Settlement)),
		slog.Duration("reportingBuffer", policy.ReportingBuffer),
		slog.Bool("journal", n.journal != nil))
	return n, nil
}

// Engine returns the order lifecycle engine.
func (n *Node) Engine() *printing.Engine { return n.engine }

// Token returns the payment ledger.
func (n *Node) Token() *token.Token { return n.token }

// Escrow returns the account holding escrowed funds.
func (n *Node) Escrow() common.Address { return n.escrow }

// Stream returns the in-process notification stream.
func (n *Node) Stream() *events.Stream { return n.stream }

// Journal returns the audit journal, or nil when none is configured.
func (n *Node) Journal() *journal.Journal { return n.journal }

// Close releases every backend held by the node.
func (n *Node) Close() error {
	var err error
	if n.journal != nil {
		err = n.journal.Close()
	}
	if n.stateDB != nil {
		n.stateDB.Close()
	}
	if n.ledgerDB != nil {
		n.ledgerDB.Close()
	}
	return err
}
