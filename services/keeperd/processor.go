package keeperd

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"formicarium/native/printing"
	"formicarium/observability"
)

// Actions performed by the keeper.
const (
	ActionRefund = "refund"
	ActionSettle = "settle"
)

// ErrProcessorPaused is returned when a scan is requested while paused.
var ErrProcessorPaused = errors.New("keeperd: processor paused")

// Engine is the subset of the order engine the keeper drives.
type Engine interface {
	Printers(ctx context.Context) iter.Seq2[*printing.Printer, error]
	ProviderOrders(ctx context.Context, printer common.Address) ([]common.Address, error)
	Order(ctx context.Context, id common.Address) (*printing.Order, error)
	Policy() printing.Policy
	CanRefund(order *printing.Order) bool
	CanSettle(order *printing.Order) bool
	RefundOrder(ctx context.Context, caller common.Address, id common.Address) (*printing.Order, error)
	TransferFundsToProvider(ctx context.Context, caller common.Address, id common.Address) (*printing.Order, error)
}

// EngineSource opens an engine for the duration of one scan. The returned
// release func is called once the scan finishes.
type EngineSource func(ctx context.Context) (Engine, func(), error)

// Processor periodically sweeps every printer backlog, refunding expired
// unsigned orders and settling completed orders whose reporting window has
// elapsed.
type Processor struct {
	source   EngineSource
	identity common.Address
	metrics  *observability.KeeperMetrics
	limiter  *rate.Limiter
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	paused bool
	stats  Status
}

// ProcessorOption customises processor behaviour.
type ProcessorOption func(*Processor)

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.KeeperMetrics) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithInterval sets the delay between scans.
func WithInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithRateLimit caps the number of engine transitions per second.
func WithRateLimit(perSecond float64, burst int) ProcessorOption {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock injects a deterministic clock for status timestamps.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithEngineSource opens the engine per scan instead of holding one for the
// processor's lifetime, so other processes can use the stores between scans.
func WithEngineSource(source EngineSource) ProcessorOption {
	return func(p *Processor) {
		if source != nil {
			p.source = source
		}
	}
}

// WithLogger overrides the processor logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor constructs a keeper acting as identity against engine.
func NewProcessor(engine Engine, identity common.Address, opts ...ProcessorOption) *Processor {
	p := &Processor{
		source: func(context.Context) (Engine, func(), error) {
			return engine, func() {}, nil
		},
		identity: identity,
		metrics:  observability.Keeper(),
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
		interval: 15 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run scans immediately and then on every interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Scan(ctx); err != nil && !errors.Is(err, ErrProcessorPaused) {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("keeperd: scan failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ScanResult summarises a single sweep.
type ScanResult struct {
	Inspected   int `json:"inspected"`
	Refunded    int `json:"refunded"`
	Settled     int `json:"settled"`
	Failed      int `json:"failed"`
	SkippedRace int `json:"skipped"`
}

// Scan performs one sweep over all printer backlogs. Per-order failures are
// counted and logged; only directory and cancellation errors abort the sweep.
func (p *Processor) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return result, ErrProcessorPaused
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() { p.metrics.ObserveScan(time.Since(start)) }()

	engine, release, err := p.source(ctx)
	if err != nil {
		err = fmt.Errorf("keeperd: open engine: %w", err)
		p.mu.Lock()
		p.stats.LastError = err.Error()
		p.mu.Unlock()
		p.metrics.RecordError("scan", "open")
		return result, err
	}
	defer release()

	settleAllowed := engine.Policy().Settlement != printing.SettleProviderOnly
	var scanErr error
	for printer, err := range engine.Printers(ctx) {
		if err != nil {
			scanErr = fmt.Errorf("keeperd: list printers: %w", err)
			break
		}
		ids, err := engine.ProviderOrders(ctx, printer.ID)
		if err != nil {
			scanErr = fmt.Errorf("keeperd: list orders of %s: %w", printer.ID.Hex(), err)
			break
		}
		for _, id := range ids {
			result.Inspected++
			order, err := engine.Order(ctx, id)
			if errors.Is(err, printing.ErrUnknownOrder) {
				result.SkippedRace++
				continue
			}
			if err != nil {
				scanErr = fmt.Errorf("keeperd: load order %s: %w", id.Hex(), err)
				break
			}
			action := ""
			switch {
			case engine.CanRefund(order):
				action = ActionRefund
			case settleAllowed || printer.ID == p.identity:
				if engine.CanSettle(order) {
					action = ActionSettle
				}
			}
			if action == "" {
				continue
			}
			if err := p.limiter.Wait(ctx); err != nil {
				scanErr = err
				break
			}
			p.apply(ctx, engine, action, order, &result)
		}
		if scanErr != nil {
			break
		}
	}

	p.mu.Lock()
	p.stats.Scans++
	p.stats.Refunds += uint64(result.Refunded)
	p.stats.Settlements += uint64(result.Settled)
	p.stats.Failures += uint64(result.Failed)
	p.stats.LastScan = p.now().UTC()
	if scanErr != nil {
		p.stats.LastError = scanErr.Error()
	}
	p.mu.Unlock()
	if scanErr != nil {
		p.metrics.RecordError("scan", "aborted")
	}
	return result, scanErr
}

func (p *Processor) apply(ctx context.Context, engine Engine, action string, order *printing.Order, result *ScanResult) {
	var err error
	switch action {
	case ActionRefund:
		_, err = engine.RefundOrder(ctx, p.identity, order.ID)
	case ActionSettle:
		_, err = engine.TransferFundsToProvider(ctx, p.identity, order.ID)
	}
	switch {
	case err == nil:
		p.metrics.RecordAction(action)
		if action == ActionRefund {
			result.Refunded++
		} else {
			result.Settled++
		}
		p.logger.Info("keeperd: order released",
			slog.String("action", action),
			slog.String("orderId", order.ID.Hex()),
			slog.String("amount", order.ActualPrice.String()))
	case errors.Is(err, printing.ErrUnknownOrder),
		printing.KindOf(err) == printing.KindState,
		printing.KindOf(err) == printing.KindTemporal:
		// Another caller moved the order between the read and the call.
		result.SkippedRace++
	default:
		result.Failed++
		reason := printing.CodeOf(err)
		if reason == "" {
			reason = "internal"
		}
		p.metrics.RecordError(action, reason)
		p.mu.Lock()
		p.stats.LastError = err.Error()
		p.mu.Unlock()
		p.logger.Error("keeperd: order release failed",
			slog.String("action", action),
			slog.String("orderId", order.ID.Hex()),
			slog.Any("error", err))
	}
}

// Pause halts new scans.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPaused(true)
}

// Resume re-enables scanning.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPaused(false)
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused      bool      `json:"paused"`
	Identity    string    `json:"identity"`
	Scans       uint64    `json:"scans"`
	Refunds     uint64    `json:"refunds"`
	Settlements uint64    `json:"settlements"`
	Failures    uint64    `json:"failures"`
	LastScan    time.Time `json:"last_scan"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.stats
	status.Paused = p.paused
	status.Identity = p.identity.Hex()
	return status
}
