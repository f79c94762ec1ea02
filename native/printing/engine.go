package printing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"formicarium/core/events"
	"formicarium/observability"
)

// MaxOrderDuration caps the service window so deadline arithmetic on unix
// seconds cannot overflow.
const MaxOrderDuration = uint64(1) << 40

var (
	errNilState  = errors.New("printing engine: state not configured")
	errNilLedger = errors.New("printing engine: ledger not configured")
)

// CreateOrderRequest carries the customer-supplied order terms.
type CreateOrderRequest struct {
	ID           common.Address
	PrinterID    common.Address
	MinimalPrice *big.Int
	ActualPrice  *big.Int
	// Duration is the service window in seconds.
	Duration uint64
}

// Engine runs the order lifecycle against injected state and ledger backends.
// Every mutating operation is serialised behind a single writer lock, and the
// ledger calls that accompany a transition run inside the same critical
// section.
type Engine struct {
	mu      sync.RWMutex
	state   State
	ledger  Ledger
	escrow  common.Address
	emitter events.Emitter
	policy  Policy
	nowFn   func() int64
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.PrintingMetrics
}

// NewEngine creates a lifecycle engine with a no-op emitter and the default
// policy. State and ledger must be configured before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  DefaultPolicy(),
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
		tracer:  otel.Tracer("formicarium/native/printing"),
		metrics: observability.Printing(),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetLedger configures the token ledger and the escrow account the engine
// holds funds in.
func (e *Engine) SetLedger(ledger Ledger, escrow common.Address) {
	e.ledger = ledger
	e.escrow = escrow
}

// EscrowAccount returns the ledger account holding escrowed funds.
func (e *Engine) EscrowAccount() common.Address { return e.escrow }

// SetPolicy replaces the lifecycle policy.
func (e *Engine) SetPolicy(policy Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy.normalize()
}

// Policy returns the active lifecycle policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Now returns the current engine time in unix seconds.
func (e *Engine) Now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin opens the operation span and returns the hook recording its outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "printing."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.Observe(op, time.Since(start), CodeOf(err), err)
	}
}

func (e *Engine) ready(needLedger bool) error {
	if e.state == nil {
		return errNilState
	}
	if needLedger && e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) view(fn func(Tx) error) error {
	if err := e.ready(false); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.View(fn)
}

func (e *Engine) loadOrder(tx Tx, id common.Address) (*Order, error) {
	order, ok, err := tx.OrderGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownOrder
	}
	return order, nil
}

// RegisterPrinter enrols caller as a printer with the supplied description.
// A second registration fails and leaves the original details intact.
func (e *Engine) RegisterPrinter(ctx context.Context, caller common.Address, details string) (printer *Printer, err error) {
	_, done := e.begin(ctx, "register_printer", attribute.String("printer", caller.Hex()))
	defer done(&err)

	if caller == (common.Address{}) {
		return nil, ErrInvalidIdentity
	}
	normalized, err := NormalizeDetails(details)
	if err != nil {
		return nil, err
	}
	if err := e.ready(false); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	printer = &Printer{ID: caller, Details: normalized, RegisteredAt: e.Now()}
	err = e.state.Update(func(tx Tx) error {
		_, exists, err := tx.PrinterGet(caller)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyRegistered
		}
		return tx.PrinterPut(printer)
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.PrinterRegistered{PrinterID: printer.ID, Details: printer.Details})
	e.logger.Info("printing: printer registered", slog.String("printerId", caller.Hex()))
	return printer.Clone(), nil
}

// Printer returns the registered printer with the given id.
func (e *Engine) Printer(ctx context.Context, id common.Address) (*Printer, error) {
	var printer *Printer
	err := e.view(func(tx Tx) error {
		p, ok, err := tx.PrinterGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownPrinter
		}
		printer = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return printer, nil
}

// Printers lazily walks the printer directory in registration order. The
// sequence is finite, may be ranged over repeatedly, and stops with the
// context error when ctx is cancelled mid-walk.
func (e *Engine) Printers(ctx context.Context) iter.Seq2[*Printer, error] {
	return func(yield func(*Printer, error) bool) {
		var count uint64
		err := e.view(func(tx Tx) error {
			n, err := tx.PrinterCount()
			count = n
			return err
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for i := uint64(0); i < count; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var printer *Printer
			err := e.view(func(tx Tx) error {
				p, _, err := tx.PrinterAt(i)
				printer = p
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}
			if printer == nil {
				continue
			}
			if !yield(printer, nil) {
				return
			}
		}
	}
}

func validateCreate(caller common.Address, req CreateOrderRequest) (minimal, actual *big.Int, err error) {
	if caller == (common.Address{}) || req.ID == (common.Address{}) || req.PrinterID == (common.Address{}) {
		return nil, nil, ErrInvalidIdentity
	}
	if req.ActualPrice == nil || req.ActualPrice.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	minimal = cloneBigInt(req.MinimalPrice)
	actual = cloneBigInt(req.ActualPrice)
	if minimal.Sign() < 0 || actual.Cmp(minimal) < 0 {
		return nil, nil, ErrInvalidAmount
	}
	if req.Duration == 0 || req.Duration > MaxOrderDuration {
		return nil, nil, ErrInvalidDuration
	}
	return minimal, actual, nil
}

// CreateOrder pulls ActualPrice from caller into escrow and stores the order
// in the CREATED state. When the store commit fails after the pull, the
// funds are pushed back to the customer before returning.
func (e *Engine) CreateOrder(ctx context.Context, caller common.Address, req CreateOrderRequest) (order *Order, err error) {
	ctx, done := e.begin(ctx, "create_order",
		attribute.String("order", req.ID.Hex()),
		attribute.String("printer", req.PrinterID.Hex()))
	defer done(&err)

	minimal, actual, err := validateCreate(caller, req)
	if err != nil {
		return nil, err
	}
	if err := e.ready(true); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err = e.state.View(func(tx Tx) error {
		if _, exists, err := tx.OrderGet(req.ID); err != nil {
			return err
		} else if exists {
			return ErrDuplicateOrderID
		}
		if _, pending, err := tx.PendingReleaseGet(req.ID); err != nil {
			return err
		} else if pending {
			return ErrDuplicateOrderID
		}
		if _, registered, err := tx.PrinterGet(req.PrinterID); err != nil {
			return err
		} else if !registered {
			return ErrUnknownPrinter
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	balance, err := e.ledger.BalanceOf(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("printing: ledger balance: %w", err)
	}
	allowance, err := e.ledger.Allowance(ctx, caller, e.escrow)
	if err != nil {
		return nil, fmt.Errorf("printing: ledger allowance: %w", err)
	}
	if balance == nil || balance.Cmp(actual) < 0 || allowance == nil || allowance.Cmp(actual) < 0 {
		return nil, ErrInsufficientBalance
	}

	pulled, err := e.ledger.TransferFrom(ctx, caller, e.escrow, actual)
	if err != nil {
		return nil, fmt.Errorf("printing: escrow pull: %w", err)
	}
	if !pulled {
		return nil, ErrLedgerRejected
	}

	now := e.Now()
	order = &Order{
		ID:           req.ID,
		PrinterID:    req.PrinterID,
		CustomerID:   caller,
		MinimalPrice: minimal,
		ActualPrice:  actual,
		Duration:     req.Duration,
		CreatedAt:    now,
		State:        OrderCreated,
	}
	commitErr := e.state.Update(func(tx Tx) error {
		seq, err := tx.NextOrderSequence()
		if err != nil {
			return err
		}
		order.Sequence = seq
		return tx.OrderPut(order)
	})
	if commitErr != nil {
		commitErr = fmt.Errorf("printing: store order: %w", commitErr)
		if refundErr := e.pushBack(ctx, caller, actual); refundErr != nil {
			e.logger.Error("printing: escrow compensation failed",
				slog.String("orderId", req.ID.Hex()),
				slog.String("customerId", caller.Hex()),
				slog.String("amount", actual.String()),
				slog.Any("error", refundErr))
			return nil, errors.Join(commitErr, refundErr)
		}
		e.logger.Error("printing: order commit failed, escrow returned",
			slog.String("orderId", req.ID.Hex()),
			slog.Any("error", commitErr))
		return nil, commitErr
	}

	e.metrics.RecordEscrowed(actual)
	e.emit(events.OrderCreated{
		OrderID:      order.ID,
		PrinterID:    order.PrinterID,
		CustomerID:   order.CustomerID,
		MinimalPrice: order.MinimalPrice,
		ActualPrice:  order.ActualPrice,
		Duration:     order.Duration,
		CreatedAt:    order.CreatedAt,
	})
	e.logger.Info("printing: order created",
		slog.String("orderId", order.ID.Hex()),
		slog.String("printerId", order.PrinterID.Hex()),
		slog.String("customerId", order.CustomerID.Hex()),
		slog.String("actualPrice", order.ActualPrice.String()),
		slog.Uint64("duration", order.Duration))
	return order.Clone(), nil
}

func (e *Engine) pushBack(ctx context.Context, to common.Address, amount *big.Int) error {
	ok, err := e.ledger.Transfer(ctx, to, amount)
	if err != nil {
		return fmt.Errorf("printing: escrow compensation: %w", err)
	}
	if !ok {
		return fmt.Errorf("printing: escrow compensation: %w", ErrLedgerRejected)
	}
	return nil
}

// mutate loads the order, applies fn and stores the result in one batch.
func (e *Engine) mutate(id common.Address, fn func(*Order) error) (*Order, error) {
	if err := e.ready(false); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var updated *Order
	err := e.state.Update(func(tx Tx) error {
		order, err := e.loadOrder(tx, id)
		if err != nil {
			return err
		}
		if err := fn(order); err != nil {
			return err
		}
		updated = order
		return tx.OrderPut(order)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SignOrder records the assigned printer's acceptance of a CREATED order.
func (e *Engine) SignOrder(ctx context.Context, caller common.Address, id common.Address) (err error) {
	_, done := e.begin(ctx, "sign_order", attribute.String("order", id.Hex()))
	defer done(&err)

	order, err := e.mutate(id, func(o *Order) error {
		if o.PrinterID != caller {
			return ErrNotAuthorized
		}
		if o.State != OrderCreated {
			return ErrAlreadySigned
		}
		o.State = OrderSigned
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events.OrderSigned{OrderID: order.ID, PrinterID: order.PrinterID})
	e.logger.Info("printing: order signed",
		slog.String("orderId", order.ID.Hex()),
		slog.String("printerId", order.PrinterID.Hex()))
	return nil
}

// preferred reports whether candidate outranks best under the priority rule:
// highest actual price first, earliest creation on ties.
func preferred(candidate, best *Order) bool {
	if best == nil {
		return true
	}
	switch candidate.ActualPrice.Cmp(best.ActualPrice) {
	case 1:
		return true
	case 0:
		return candidate.Sequence < best.Sequence
	default:
		return false
	}
}

// ExecuteNewOrder starts the highest-paying signed, unstarted order in the
// caller's backlog and returns it.
func (e *Engine) ExecuteNewOrder(ctx context.Context, caller common.Address) (order *Order, err error) {
	_, done := e.begin(ctx, "execute_new_order", attribute.String("printer", caller.Hex()))
	defer done(&err)

	if err := e.ready(false); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.state.Update(func(tx Tx) error {
		ids, err := tx.ProviderOrderIDs(caller)
		if err != nil {
			return err
		}
		var best *Order
		for _, id := range ids {
			candidate, ok, err := tx.OrderGet(id)
			if err != nil {
				return err
			}
			if !ok || candidate.State != OrderSigned || candidate.StartTime != 0 {
				continue
			}
			if preferred(candidate, best) {
				best = candidate
			}
		}
		if best == nil {
			return ErrNoActiveOrders
		}
		best.StartTime = e.Now()
		best.State = OrderExecuting
		order = best
		return tx.OrderPut(best)
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.OrderStarted{OrderID: order.ID, PrinterID: order.PrinterID, StartTime: order.StartTime})
	e.logger.Info("printing: order started",
		slog.String("orderId", order.ID.Hex()),
		slog.String("printerId", order.PrinterID.Hex()),
		slog.Int64("deadline", order.CompletionDeadline()))
	return order.Clone(), nil
}

// CompleteOrder records the printer's completion claim. It must land no later
// than StartTime+Duration.
func (e *Engine) CompleteOrder(ctx context.Context, caller common.Address, id common.Address) (err error) {
	_, done := e.begin(ctx, "complete_order", attribute.String("order", id.Hex()))
	defer done(&err)

	order, err := e.mutate(id, func(o *Order) error {
		if o.PrinterID != caller {
			return ErrNotAuthorized
		}
		if o.IsCompletedProvider() {
			return ErrAlreadyCompleted
		}
		if o.State != OrderExecuting {
			return ErrWrongState
		}
		now := e.Now()
		if now > o.CompletionDeadline() {
			return ErrDeadlineExceeded
		}
		o.State = OrderProviderDone
		o.CompletedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events.OrderCompleted{OrderID: order.ID, PrinterID: order.PrinterID, CompletedAt: order.CompletedAt})
	e.logger.Info("printing: order completed",
		slog.String("orderId", order.ID.Hex()),
		slog.String("printerId", order.PrinterID.Hex()))
	return nil
}

// ReportUncompleteOrder lets the customer dispute a provider-completed order.
// The dispute flag is recorded and published; it does not block settlement.
func (e *Engine) ReportUncompleteOrder(ctx context.Context, caller common.Address, id common.Address) (err error) {
	_, done := e.begin(ctx, "report_uncomplete_order", attribute.String("order", id.Hex()))
	defer done(&err)

	order, err := e.mutate(id, func(o *Order) error {
		if o.CustomerID != caller {
			return ErrNotAuthorized
		}
		if o.State != OrderProviderDone {
			return ErrWrongState
		}
		o.State = OrderDisputed
		o.ReportedAt = e.Now()
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events.OrderDisputed{
		OrderID:    order.ID,
		PrinterID:  order.PrinterID,
		CustomerID: order.CustomerID,
		ReportedAt: order.ReportedAt,
	})
	e.logger.Warn("printing: order disputed",
		slog.String("orderId", order.ID.Hex()),
		slog.String("customerId", order.CustomerID.Hex()))
	return nil
}

// CanRefund reports whether order is eligible for RefundOrder at the engine's
// current time.
func (e *Engine) CanRefund(order *Order) bool {
	return order.Refundable(e.Now())
}

// CanSettle reports whether order is eligible for TransferFundsToProvider at
// the engine's current time under the active reporting buffer.
func (e *Engine) CanSettle(order *Order) bool {
	return order.Settleable(e.Now(), e.Policy().ReportingBuffer)
}

// RefundOrder returns the escrow of an unsigned, expired order to its
// customer and deletes the order. Anyone may trigger it; the funds only ever
// go to the customer.
func (e *Engine) RefundOrder(ctx context.Context, caller common.Address, id common.Address) (order *Order, err error) {
	ctx, done := e.begin(ctx, "refund_order", attribute.String("order", id.Hex()))
	defer done(&err)

	if err := e.ready(true); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.state.View(func(tx Tx) error {
		o, err := e.loadOrder(tx, id)
		if err != nil {
			return err
		}
		if o.State != OrderCreated {
			return ErrAlreadySigned
		}
		if !o.Refundable(e.Now()) {
			return ErrNotExpired
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.release(ctx, order, order.CustomerID); err != nil {
		return nil, err
	}
	e.metrics.RecordEscrowed(new(big.Int).Neg(order.ActualPrice))
	e.emit(events.OrderRefunded{
		OrderID:    order.ID,
		PrinterID:  order.PrinterID,
		CustomerID: order.CustomerID,
		Amount:     order.ActualPrice,
	})
	e.logger.Info("printing: order refunded",
		slog.String("orderId", order.ID.Hex()),
		slog.String("customerId", order.CustomerID.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("amount", order.ActualPrice.String()))
	return order.Clone(), nil
}

// TransferFundsToProvider releases the escrow of a provider-completed order
// once the reporting buffer after its completion deadline has elapsed, then
// deletes the order.
func (e *Engine) TransferFundsToProvider(ctx context.Context, caller common.Address, id common.Address) (order *Order, err error) {
	ctx, done := e.begin(ctx, "transfer_funds_to_provider", attribute.String("order", id.Hex()))
	defer done(&err)

	if err := e.ready(true); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.state.View(func(tx Tx) error {
		o, err := e.loadOrder(tx, id)
		if err != nil {
			return err
		}
		if e.policy.Settlement == SettleProviderOnly && caller != o.PrinterID {
			return ErrNotAuthorized
		}
		if !o.IsCompletedProvider() {
			return ErrWrongState
		}
		if !o.Settleable(e.Now(), e.policy.ReportingBuffer) {
			return ErrWindowNotElapsed
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.release(ctx, order, order.PrinterID); err != nil {
		return nil, err
	}
	e.metrics.RecordEscrowed(new(big.Int).Neg(order.ActualPrice))
	e.emit(events.OrderSettled{
		OrderID:   order.ID,
		PrinterID: order.PrinterID,
		Caller:    caller,
		Amount:    order.ActualPrice,
		Disputed:  order.IsUncompleteCustomer(),
	})
	e.logger.Info("printing: order settled",
		slog.String("orderId", order.ID.Hex()),
		slog.String("printerId", order.PrinterID.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("amount", order.ActualPrice.String()),
		slog.Bool("disputed", order.IsUncompleteCustomer()))
	return order.Clone(), nil
}

// release deletes the order and pays its escrow to recipient. The delete is
// committed together with a pending-release marker; the marker is cleared
// once the payout returns. If the payout fails the record and its index
// entries are restored in place of the marker.
func (e *Engine) release(ctx context.Context, order *Order, recipient common.Address) error {
	marker := &PendingRelease{Order: order.Clone(), Recipient: recipient, StagedAt: e.Now()}
	if err := e.state.Update(func(tx Tx) error {
		if err := tx.OrderDelete(order); err != nil {
			return err
		}
		return tx.PendingReleasePut(marker)
	}); err != nil {
		return fmt.Errorf("printing: delete order: %w", err)
	}
	paid, err := e.ledger.Transfer(ctx, recipient, order.ActualPrice)
	if err == nil && paid {
		if clearErr := e.state.Update(func(tx Tx) error { return tx.PendingReleaseDelete(order.ID) }); clearErr != nil {
			e.logger.Error("printing: pending release not cleared after payout",
				slog.String("orderId", order.ID.Hex()),
				slog.String("recipient", recipient.Hex()),
				slog.Any("error", clearErr))
		}
		return nil
	}
	if err != nil {
		err = fmt.Errorf("printing: escrow release: %w", err)
	} else {
		err = ErrLedgerRejected
	}
	restoreErr := e.state.Update(func(tx Tx) error {
		if err := tx.OrderPut(order); err != nil {
			return err
		}
		return tx.PendingReleaseDelete(order.ID)
	})
	if restoreErr != nil {
		e.logger.Error("printing: order restore failed after release error",
			slog.String("orderId", order.ID.Hex()),
			slog.Any("error", restoreErr))
		return errors.Join(err, fmt.Errorf("printing: restore order: %w", restoreErr))
	}
	return err
}

// PendingReleases lists payouts whose order was deleted but whose transfer
// was never confirmed.
func (e *Engine) PendingReleases(ctx context.Context) ([]*PendingRelease, error) {
	var pending []*PendingRelease
	err := e.view(func(tx Tx) error {
		list, err := tx.PendingReleases()
		pending = list
		return err
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ResolvePendingRelease settles a stranded payout after the operator checked
// the ledger. When transferred is true the marker is dropped; otherwise the
// order is restored so it can be refunded or settled again.
func (e *Engine) ResolvePendingRelease(ctx context.Context, id common.Address, transferred bool) (release *PendingRelease, err error) {
	_, done := e.begin(ctx, "resolve_pending_release",
		attribute.String("order", id.Hex()),
		attribute.Bool("transferred", transferred))
	defer done(&err)

	if err := e.ready(false); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.state.Update(func(tx Tx) error {
		r, ok, err := tx.PendingReleaseGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownOrder
		}
		if !transferred {
			if _, live, err := tx.OrderGet(id); err != nil {
				return err
			} else if live {
				return ErrDuplicateOrderID
			}
			if err := tx.OrderPut(r.Order); err != nil {
				return err
			}
		}
		release = r
		return tx.PendingReleaseDelete(id)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("printing: pending release resolved",
		slog.String("orderId", id.Hex()),
		slog.String("recipient", release.Recipient.Hex()),
		slog.Bool("transferred", transferred))
	return release, nil
}

// Order returns the live order with the given id.
func (e *Engine) Order(ctx context.Context, id common.Address) (*Order, error) {
	var order *Order
	err := e.view(func(tx Tx) error {
		o, err := e.loadOrder(tx, id)
		order = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ProviderOrders lists the ids of the live orders assigned to printer.
func (e *Engine) ProviderOrders(ctx context.Context, printer common.Address) ([]common.Address, error) {
	var ids []common.Address
	err := e.view(func(tx Tx) error {
		list, err := tx.ProviderOrderIDs(printer)
		ids = list
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CustomerOrders returns the live orders placed by customer.
func (e *Engine) CustomerOrders(ctx context.Context, customer common.Address) ([]*Order, error) {
	var orders []*Order
	err := e.view(func(tx Tx) error {
		ids, err := tx.CustomerOrderIDs(customer)
		if err != nil {
			return err
		}
		orders = make([]*Order, 0, len(ids))
		for _, id := range ids {
			o, err := e.loadOrder(tx, id)
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}
