package printing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"formicarium/core/events"
	"formicarium/core/state"
	"formicarium/core/types"
	"formicarium/native/printing"
	"formicarium/native/token"
	"formicarium/storage"
)

const genesis = int64(1_700_000_000)

var (
	escrowAccount = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	printerP      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	printerQ      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	customerC     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	customerD     = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	stranger      = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recorder) Emit(evt events.Event) {
	if payload := events.Render(evt); payload != nil {
		r.mu.Lock()
		r.events = append(r.events, payload)
		r.mu.Unlock()
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recorder) last() *types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	t      *testing.T
	engine *printing.Engine
	token  *token.Token
	state  printing.State
	rec    *recorder
	mu     sync.Mutex
	clock  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		token: token.New(storage.NewMemDB(), "PRT"),
		state: state.NewManager(storage.NewMemDB()),
		rec:   &recorder{},
		clock: genesis,
	}
	h.engine = printing.NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetLedger(h.token.Account(escrowAccount), escrowAccount)
	h.engine.SetEmitter(h.rec)
	h.engine.SetNowFunc(h.now)
	h.engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) now() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) setTime(ts int64) {
	h.mu.Lock()
	h.clock = ts
	h.mu.Unlock()
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock += int64(d / time.Second)
	h.mu.Unlock()
}

func (h *harness) fund(owner common.Address, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.token.Mint(owner, big.NewInt(amount)))
	require.NoError(h.t, h.token.Approve(owner, escrowAccount, big.NewInt(amount)))
}

func (h *harness) balance(owner common.Address) int64 {
	h.t.Helper()
	bal, err := h.token.BalanceOf(owner)
	require.NoError(h.t, err)
	return bal.Int64()
}

func (h *harness) register(printer common.Address) {
	h.t.Helper()
	_, err := h.engine.RegisterPrinter(context.Background(), printer, "Prusa MK4, PLA/PETG")
	require.NoError(h.t, err)
}

func (h *harness) create(customer common.Address, id byte, printer common.Address, price int64, duration uint64) common.Address {
	h.t.Helper()
	orderID := orderAddr(id)
	_, err := h.engine.CreateOrder(context.Background(), customer, printing.CreateOrderRequest{
		ID:           orderID,
		PrinterID:    printer,
		MinimalPrice: big.NewInt(price),
		ActualPrice:  big.NewInt(price),
		Duration:     duration,
	})
	require.NoError(h.t, err)
	return orderID
}

func orderAddr(id byte) common.Address {
	var a common.Address
	a[0] = 0x0d
	a[19] = id
	return a
}

func TestRegisterPrinterTwiceKeepsOriginalDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.RegisterPrinter(ctx, printerP, "  first details  ")
	require.NoError(t, err)

	_, err = h.engine.RegisterPrinter(ctx, printerP, "second details")
	require.ErrorIs(t, err, printing.ErrAlreadyRegistered)
	require.Equal(t, printing.KindResource, printing.KindOf(err))

	got, err := h.engine.Printer(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, "first details", got.Details)
	require.Equal(t, genesis, got.RegisteredAt)
	require.Equal(t, []string{events.TypePrinterRegistered}, h.rec.types())
}

func TestRegisterPrinterValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name    string
		caller  common.Address
		details string
		want    error
	}{
		{name: "zero caller", caller: common.Address{}, details: "x", want: printing.ErrInvalidIdentity},
		{name: "blank details", caller: printerP, details: "   ", want: printing.ErrInvalidDetails},
		{name: "oversized details", caller: printerP, details: strings.Repeat("a", printing.MaxDetailsLength+1), want: printing.ErrInvalidDetails},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.RegisterPrinter(ctx, tc.caller, tc.details)
			require.ErrorIs(t, err, tc.want)
		})
	}
	_, err := h.engine.Printer(ctx, printerP)
	require.ErrorIs(t, err, printing.ErrUnknownPrinter)
}

func TestPrintersIsLazyAndRestartable(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.register(printerQ)
	ctx := context.Background()

	collect := func() []common.Address {
		var ids []common.Address
		for p, err := range h.engine.Printers(ctx) {
			require.NoError(t, err)
			ids = append(ids, p.ID)
		}
		return ids
	}
	require.Equal(t, []common.Address{printerP, printerQ}, collect())
	require.Equal(t, []common.Address{printerP, printerQ}, collect())

	seen := 0
	for range h.engine.Printers(ctx) {
		seen++
		break
	}
	require.Equal(t, 1, seen)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for p, err := range h.engine.Printers(cancelled) {
		require.Nil(t, p)
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestCreateOrderEscrowsFunds(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 100)

	order, err := h.engine.CreateOrder(context.Background(), customerC, printing.CreateOrderRequest{
		ID:           orderAddr(1),
		PrinterID:    printerP,
		MinimalPrice: big.NewInt(8),
		ActualPrice:  big.NewInt(10),
		Duration:     3600,
	})
	require.NoError(t, err)
	require.Equal(t, printing.OrderCreated, order.State)
	require.Equal(t, customerC, order.CustomerID)
	require.Equal(t, genesis, order.CreatedAt)
	require.Zero(t, order.StartTime)
	require.False(t, order.IsSigned())

	require.Equal(t, int64(90), h.balance(customerC))
	require.Equal(t, int64(10), h.balance(escrowAccount))

	ids, err := h.engine.ProviderOrders(context.Background(), printerP)
	require.NoError(t, err)
	require.Equal(t, []common.Address{orderAddr(1)}, ids)

	mine, err := h.engine.CustomerOrders(context.Background(), customerC)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, orderAddr(1), mine[0].ID)

	evt := h.rec.last()
	require.Equal(t, events.TypeOrderCreated, evt.Type)
	require.Equal(t, "10", evt.Attributes["actualPrice"])
	require.Equal(t, "8", evt.Attributes["minimalPrice"])
	require.Equal(t, "3600", evt.Attributes["duration"])
	require.Equal(t, printerP.Hex(), evt.Attributes[events.AttrPrinterID])
}

func TestCreateOrderFailuresLeaveStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 50)
	existing := h.create(customerC, 1, printerP, 10, 3600)
	ctx := context.Background()

	// Balance without allowance.
	require.NoError(t, h.token.Mint(customerD, big.NewInt(100)))

	cases := []struct {
		name     string
		customer common.Address
		req      printing.CreateOrderRequest
		want     error
		kind     printing.Kind
	}{
		{
			name:     "unknown printer",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: orderAddr(2), PrinterID: printerQ, ActualPrice: big.NewInt(5), Duration: 60},
			want:     printing.ErrUnknownPrinter,
			kind:     printing.KindResource,
		},
		{
			name:     "duplicate id",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: existing, PrinterID: printerP, ActualPrice: big.NewInt(5), Duration: 60},
			want:     printing.ErrDuplicateOrderID,
			kind:     printing.KindResource,
		},
		{
			name:     "insufficient balance",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: orderAddr(3), PrinterID: printerP, ActualPrice: big.NewInt(41), Duration: 60},
			want:     printing.ErrInsufficientBalance,
			kind:     printing.KindResource,
		},
		{
			name:     "missing allowance",
			customer: customerD,
			req:      printing.CreateOrderRequest{ID: orderAddr(4), PrinterID: printerP, ActualPrice: big.NewInt(5), Duration: 60},
			want:     printing.ErrInsufficientBalance,
			kind:     printing.KindResource,
		},
		{
			name:     "zero price",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: orderAddr(5), PrinterID: printerP, ActualPrice: big.NewInt(0), Duration: 60},
			want:     printing.ErrInvalidAmount,
			kind:     printing.KindResource,
		},
		{
			name:     "price below floor",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: orderAddr(6), PrinterID: printerP, MinimalPrice: big.NewInt(9), ActualPrice: big.NewInt(5), Duration: 60},
			want:     printing.ErrInvalidAmount,
			kind:     printing.KindResource,
		},
		{
			name:     "zero duration",
			customer: customerC,
			req:      printing.CreateOrderRequest{ID: orderAddr(7), PrinterID: printerP, ActualPrice: big.NewInt(5)},
			want:     printing.ErrInvalidDuration,
			kind:     printing.KindResource,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateOrder(ctx, tc.customer, tc.req)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.kind, printing.KindOf(err))
			require.Equal(t, int64(40), h.balance(customerC))
			require.Equal(t, int64(100), h.balance(customerD))
			require.Equal(t, int64(10), h.balance(escrowAccount))
			ids, err := h.engine.ProviderOrders(ctx, printerP)
			require.NoError(t, err)
			require.Equal(t, []common.Address{existing}, ids)
		})
	}
}

func TestSignOrderRejectsSecondSignature(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	id := h.create(customerC, 1, printerP, 10, 3600)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.SignOrder(ctx, customerC, id), printing.ErrNotAuthorized)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, id))
	err := h.engine.SignOrder(ctx, printerP, id)
	require.ErrorIs(t, err, printing.ErrAlreadySigned)
	require.Equal(t, printing.KindState, printing.KindOf(err))
	require.ErrorIs(t, h.engine.SignOrder(ctx, printerP, orderAddr(99)), printing.ErrUnknownOrder)

	order, err := h.engine.Order(ctx, id)
	require.NoError(t, err)
	require.True(t, order.IsSigned())
	require.Equal(t, printing.OrderSigned, order.State)
}

func TestExecuteNewOrderPicksHighestPrice(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 100)
	ctx := context.Background()

	a := h.create(customerC, 1, printerP, 10, 3600)
	b := h.create(customerC, 2, printerP, 20, 3600)
	unsigned := h.create(customerC, 3, printerP, 50, 3600)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, a))
	require.NoError(t, h.engine.SignOrder(ctx, printerP, b))

	h.advance(30 * time.Second)
	started, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, b, started.ID)
	require.Equal(t, genesis+30, started.StartTime)

	orderA, err := h.engine.Order(ctx, a)
	require.NoError(t, err)
	require.Zero(t, orderA.StartTime)
	orderU, err := h.engine.Order(ctx, unsigned)
	require.NoError(t, err)
	require.Zero(t, orderU.StartTime)

	started, err = h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, a, started.ID)

	_, err = h.engine.ExecuteNewOrder(ctx, printerP)
	require.ErrorIs(t, err, printing.ErrNoActiveOrders)
	_, err = h.engine.ExecuteNewOrder(ctx, printerQ)
	require.ErrorIs(t, err, printing.ErrNoActiveOrders)
}

func TestExecuteNewOrderTieBreakIsEarliestCreation(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 100)
	ctx := context.Background()

	// Created in id order 5, 3, 4 so position and id both differ from creation order.
	first := h.create(customerC, 5, printerP, 15, 3600)
	second := h.create(customerC, 3, printerP, 15, 3600)
	third := h.create(customerC, 4, printerP, 15, 3600)
	for _, id := range []common.Address{third, second, first} {
		require.NoError(t, h.engine.SignOrder(ctx, printerP, id))
	}

	for _, want := range []common.Address{first, second, third} {
		started, err := h.engine.ExecuteNewOrder(ctx, printerP)
		require.NoError(t, err)
		require.Equal(t, want, started.ID)
	}
}

func TestCompleteOrderWindow(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 100)
	ctx := context.Background()

	onTime := h.create(customerC, 1, printerP, 20, 100)
	late := h.create(customerC, 2, printerP, 10, 100)

	require.ErrorIs(t, h.engine.CompleteOrder(ctx, printerP, onTime), printing.ErrWrongState)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, onTime))
	require.NoError(t, h.engine.SignOrder(ctx, printerP, late))
	require.ErrorIs(t, h.engine.CompleteOrder(ctx, printerP, onTime), printing.ErrWrongState)

	started, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, onTime, started.ID)
	_, err = h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.CompleteOrder(ctx, stranger, onTime), printing.ErrNotAuthorized)

	// The deadline second itself is still inside the window.
	h.setTime(started.StartTime + 100)
	require.NoError(t, h.engine.CompleteOrder(ctx, printerP, onTime))
	err = h.engine.CompleteOrder(ctx, printerP, onTime)
	require.ErrorIs(t, err, printing.ErrAlreadyCompleted)

	h.advance(time.Second)
	err = h.engine.CompleteOrder(ctx, printerP, late)
	require.ErrorIs(t, err, printing.ErrDeadlineExceeded)
	require.Equal(t, printing.KindTemporal, printing.KindOf(err))

	order, err := h.engine.Order(ctx, onTime)
	require.NoError(t, err)
	require.True(t, order.IsCompletedProvider())
	require.Equal(t, started.StartTime+100, order.CompletedAt)
}

func TestRefundOrderAfterExpiry(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 100)
	ctx := context.Background()
	id := h.create(customerC, 1, printerP, 10, 3600)

	h.setTime(genesis + 3600)
	_, err := h.engine.RefundOrder(ctx, customerC, id)
	require.ErrorIs(t, err, printing.ErrNotExpired)
	require.Equal(t, printing.KindTemporal, printing.KindOf(err))

	h.advance(time.Second)
	refunded, err := h.engine.RefundOrder(ctx, customerC, id)
	require.NoError(t, err)
	require.Equal(t, id, refunded.ID)
	require.Equal(t, int64(100), h.balance(customerC))
	require.Zero(t, h.balance(escrowAccount))

	_, err = h.engine.Order(ctx, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
	mine, err := h.engine.CustomerOrders(ctx, customerC)
	require.NoError(t, err)
	require.Empty(t, mine)

	_, err = h.engine.RefundOrder(ctx, customerC, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
	require.Equal(t, events.TypeOrderRefunded, h.rec.last().Type)
}

func TestRefundOrderForeclosedBySigning(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id := h.create(customerC, 1, printerP, 10, 60)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, id))

	h.advance(24 * time.Hour)
	_, err := h.engine.RefundOrder(ctx, customerC, id)
	require.ErrorIs(t, err, printing.ErrAlreadySigned)
	require.Equal(t, int64(10), h.balance(escrowAccount))
	require.False(t, h.engine.CanRefund(mustOrder(t, h, id)))
}

func TestRefundOrderRejectsSignedOrderInsideWindow(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 30)
	ctx := context.Background()

	signed := h.create(customerC, 1, printerP, 10, 3600)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, signed))
	_, err := h.engine.RefundOrder(ctx, customerC, signed)
	require.ErrorIs(t, err, printing.ErrAlreadySigned)

	completed, _ := driveToCompleted(t, h, 2, 20, 3600)
	_, err = h.engine.RefundOrder(ctx, customerC, completed)
	require.ErrorIs(t, err, printing.ErrAlreadySigned)
	require.Equal(t, printing.KindState, printing.KindOf(err))

	require.Equal(t, int64(30), h.balance(escrowAccount))
	require.Zero(t, h.balance(customerC))
}

func mustOrder(t *testing.T, h *harness, id common.Address) *printing.Order {
	t.Helper()
	order, err := h.engine.Order(context.Background(), id)
	require.NoError(t, err)
	return order
}

// driveToCompleted creates, signs, starts and completes one order.
func driveToCompleted(t *testing.T, h *harness, id byte, price int64, duration uint64) (common.Address, *printing.Order) {
	t.Helper()
	ctx := context.Background()
	orderID := h.create(customerC, id, printerP, price, duration)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, orderID))
	started, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, orderID, started.ID)
	require.NoError(t, h.engine.CompleteOrder(ctx, printerP, orderID))
	return orderID, started
}

func TestTransferFundsToProviderWindow(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id, started := driveToCompleted(t, h, 1, 10, 3600)

	_, err := h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.ErrorIs(t, err, printing.ErrWindowNotElapsed)
	require.Equal(t, printing.KindTemporal, printing.KindOf(err))

	settleAt := started.StartTime + 3600 + int64(printing.DefaultReportingBuffer/time.Second)
	h.setTime(settleAt - 1)
	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.ErrorIs(t, err, printing.ErrWindowNotElapsed)
	require.False(t, h.engine.CanSettle(mustOrder(t, h, id)))

	h.setTime(settleAt)
	require.True(t, h.engine.CanSettle(mustOrder(t, h, id)))
	settled, err := h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)
	require.Equal(t, id, settled.ID)
	require.Equal(t, int64(10), h.balance(printerP))
	require.Zero(t, h.balance(escrowAccount))

	ids, err := h.engine.ProviderOrders(ctx, printerP)
	require.NoError(t, err)
	require.Empty(t, ids)
	mine, err := h.engine.CustomerOrders(ctx, customerC)
	require.NoError(t, err)
	require.Empty(t, mine)

	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
	require.Equal(t, int64(10), h.balance(printerP), "settlement must never pay twice")

	evt := h.rec.last()
	require.Equal(t, events.TypeOrderSettled, evt.Type)
	require.Equal(t, stranger.Hex(), evt.Attributes["caller"])
	require.NotContains(t, evt.Attributes, "disputed")
}

func TestTransferFundsToProviderRequiresCompletion(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id := h.create(customerC, 1, printerP, 10, 60)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, id))
	_, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)

	h.advance(time.Hour)
	_, err = h.engine.TransferFundsToProvider(ctx, printerP, id)
	require.ErrorIs(t, err, printing.ErrWrongState)
	require.Equal(t, printing.KindState, printing.KindOf(err))
}

func TestSettlementPolicies(t *testing.T) {
	cases := []struct {
		name         string
		policy       printing.SettlementPolicy
		strangerErr  error
		providerPays bool
	}{
		{name: "any caller", policy: printing.SettleAnyCaller, strangerErr: nil},
		{name: "provider only", policy: printing.SettleProviderOnly, strangerErr: printing.ErrNotAuthorized, providerPays: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine.SetPolicy(printing.Policy{Settlement: tc.policy, ReportingBuffer: time.Minute})
			h.register(printerP)
			h.fund(customerC, 10)
			ctx := context.Background()
			id, _ := driveToCompleted(t, h, 1, 10, 60)
			h.advance(2 * time.Minute)

			_, err := h.engine.TransferFundsToProvider(ctx, stranger, id)
			if tc.strangerErr != nil {
				require.ErrorIs(t, err, tc.strangerErr)
				require.Equal(t, printing.KindAuthorization, printing.KindOf(err))
			} else {
				require.NoError(t, err)
			}
			if tc.providerPays {
				_, err = h.engine.TransferFundsToProvider(ctx, printerP, id)
				require.NoError(t, err)
			}
			require.Equal(t, int64(10), h.balance(printerP))
			require.Zero(t, h.balance(escrowAccount))
		})
	}
}

func TestReportUncompleteOrderFlagsDispute(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id := h.create(customerC, 1, printerP, 10, 60)

	require.ErrorIs(t, h.engine.ReportUncompleteOrder(ctx, customerC, id), printing.ErrWrongState)
	require.NoError(t, h.engine.SignOrder(ctx, printerP, id))
	_, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	require.NoError(t, h.engine.CompleteOrder(ctx, printerP, id))

	require.ErrorIs(t, h.engine.ReportUncompleteOrder(ctx, printerP, id), printing.ErrNotAuthorized)
	require.NoError(t, h.engine.ReportUncompleteOrder(ctx, customerC, id))
	require.ErrorIs(t, h.engine.ReportUncompleteOrder(ctx, customerC, id), printing.ErrWrongState)

	order := mustOrder(t, h, id)
	require.True(t, order.IsUncompleteCustomer())
	require.True(t, order.IsCompletedProvider())
	require.Equal(t, printing.OrderDisputed, order.State)
	require.Equal(t, events.TypeOrderDisputed, h.rec.last().Type)

	// The dispute is recorded but does not block settlement.
	h.advance(time.Hour)
	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)
	require.Equal(t, "true", h.rec.last().Attributes["disputed"])
	require.Equal(t, int64(10), h.balance(printerP))
}

func TestEndToEndSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(printerP)
	h.fund(customerC, 100)

	id := h.create(customerC, 1, printerP, 10, 3600)
	require.Equal(t, int64(90), h.balance(customerC))
	require.NoError(t, h.engine.SignOrder(ctx, printerP, id))
	started, err := h.engine.ExecuteNewOrder(ctx, printerP)
	require.NoError(t, err)
	h.advance(30 * time.Minute)
	require.NoError(t, h.engine.CompleteOrder(ctx, printerP, id))
	h.setTime(started.StartTime + 3600 + 300)
	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)

	require.Equal(t, int64(90), h.balance(customerC))
	require.Equal(t, int64(10), h.balance(printerP))
	require.Zero(t, h.balance(escrowAccount))
	_, err = h.engine.Order(ctx, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)

	require.Equal(t, []string{
		events.TypePrinterRegistered,
		events.TypeOrderCreated,
		events.TypeOrderSigned,
		events.TypeOrderStarted,
		events.TypeOrderCompleted,
		events.TypeOrderSettled,
	}, h.rec.types())
}

func TestEndToEndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(printerP)
	h.fund(customerC, 100)
	id := h.create(customerC, 1, printerP, 10, 3600)

	h.advance(3601 * time.Second)
	_, err := h.engine.RefundOrder(ctx, customerC, id)
	require.NoError(t, err)
	require.Equal(t, int64(100), h.balance(customerC))
	_, err = h.engine.Order(ctx, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
}

// flakyState lets skip Update calls through, then fails the next
// failUpdates calls before delegating again.
type flakyState struct {
	printing.State
	mu          sync.Mutex
	skip        int
	failUpdates int
}

var errDiskFull = errors.New("disk full")

func (f *flakyState) Update(fn func(printing.Tx) error) error {
	f.mu.Lock()
	if f.skip > 0 {
		f.skip--
		f.mu.Unlock()
		return f.State.Update(fn)
	}
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errDiskFull
	}
	f.mu.Unlock()
	return f.State.Update(fn)
}

func TestCreateOrderCompensatesOnCommitFailure(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	flaky := &flakyState{State: h.state, failUpdates: 1}
	h.engine.SetState(flaky)

	_, err := h.engine.CreateOrder(context.Background(), customerC, printing.CreateOrderRequest{
		ID: orderAddr(1), PrinterID: printerP, ActualPrice: big.NewInt(10), Duration: 60,
	})
	require.ErrorIs(t, err, errDiskFull)
	require.Equal(t, printing.KindUnknown, printing.KindOf(err))
	require.Equal(t, int64(10), h.balance(customerC))
	require.Zero(t, h.balance(escrowAccount))
	_, err = h.engine.Order(context.Background(), orderAddr(1))
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
	require.NotContains(t, h.rec.types(), events.TypeOrderCreated)
}

func TestCreateOrderLedgerFailures(t *testing.T) {
	cases := []struct {
		name string
		pull func(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
		want error
	}{
		{
			name: "transport error",
			pull: func(context.Context, common.Address, common.Address, *big.Int) (bool, error) {
				return false, errors.New("rpc unavailable")
			},
		},
		{
			name: "refused",
			pull: func(context.Context, common.Address, common.Address, *big.Int) (bool, error) {
				return false, nil
			},
			want: printing.ErrLedgerRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.register(printerP)
			h.fund(customerC, 10)
			acct := h.token.Account(escrowAccount)
			h.engine.SetLedger(token.FuncLedger{
				BalanceOfFn:    acct.BalanceOf,
				AllowanceFn:    acct.Allowance,
				TransferFromFn: tc.pull,
				TransferFn:     acct.Transfer,
			}, escrowAccount)

			_, err := h.engine.CreateOrder(context.Background(), customerC, printing.CreateOrderRequest{
				ID: orderAddr(1), PrinterID: printerP, ActualPrice: big.NewInt(10), Duration: 60,
			})
			require.Error(t, err)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
			}
			require.Equal(t, int64(10), h.balance(customerC))
			ids, err := h.engine.ProviderOrders(context.Background(), printerP)
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}

func TestSettlementRestoresOrderWhenPayoutFails(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id, _ := driveToCompleted(t, h, 1, 10, 60)
	h.advance(time.Hour)

	acct := h.token.Account(escrowAccount)
	refuse := true
	h.engine.SetLedger(token.FuncLedger{
		BalanceOfFn:    acct.BalanceOf,
		AllowanceFn:    acct.Allowance,
		TransferFromFn: acct.TransferFrom,
		TransferFn: func(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
			if refuse {
				return false, nil
			}
			return acct.Transfer(ctx, to, amount)
		},
	}, escrowAccount)

	_, err := h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.ErrorIs(t, err, printing.ErrLedgerRejected)
	require.Zero(t, h.balance(printerP))
	require.Equal(t, int64(10), h.balance(escrowAccount))

	restored := mustOrder(t, h, id)
	require.Equal(t, printing.OrderProviderDone, restored.State)
	ids, err := h.engine.ProviderOrders(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, []common.Address{id}, ids)
	require.NotEqual(t, events.TypeOrderSettled, h.rec.last().Type)

	refuse = false
	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)
	require.Equal(t, int64(10), h.balance(printerP))
}

func TestRefundFailsCleanlyWhenDeleteFails(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	id := h.create(customerC, 1, printerP, 10, 60)
	h.advance(time.Hour)
	h.engine.SetState(&flakyState{State: h.state, failUpdates: 1})

	_, err := h.engine.RefundOrder(context.Background(), customerC, id)
	require.ErrorIs(t, err, errDiskFull)
	require.Zero(t, h.balance(customerC))
	require.Equal(t, int64(10), h.balance(escrowAccount))
	require.Equal(t, id, mustOrder(t, h, id).ID)
}

func TestConcurrentCreatesStayConsistent(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	const n = 32
	h.fund(customerC, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.CreateOrder(context.Background(), customerC, printing.CreateOrderRequest{
				ID: orderAddr(byte(i + 1)), PrinterID: printerP, ActualPrice: big.NewInt(1), Duration: 60,
			})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	ids, err := h.engine.ProviderOrders(context.Background(), printerP)
	require.NoError(t, err)
	require.Len(t, ids, n)
	require.Equal(t, int64(n), h.balance(escrowAccount))
	require.Zero(t, h.balance(customerC))
}

func TestEngineWithoutBackends(t *testing.T) {
	engine := printing.NewEngine()
	_, err := engine.RegisterPrinter(context.Background(), printerP, "x")
	require.Error(t, err)
	engine.SetState(state.NewManager(storage.NewMemDB()))
	_, err = engine.CreateOrder(context.Background(), customerC, printing.CreateOrderRequest{
		ID: orderAddr(1), PrinterID: printerP, ActualPrice: big.NewInt(1), Duration: 1,
	})
	require.Error(t, err)
}

func TestSettlementKeepsMarkerWhenClearFails(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id, _ := driveToCompleted(t, h, 1, 10, 60)
	h.advance(time.Hour)

	// The delete commits, the payout lands, the marker clear is lost.
	h.engine.SetState(&flakyState{State: h.state, skip: 1, failUpdates: 1})
	_, err := h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)
	require.Equal(t, int64(10), h.balance(printerP))
	h.engine.SetState(h.state)

	pending, err := h.engine.PendingReleases(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].Order.ID)
	require.Equal(t, printerP, pending[0].Recipient)
	require.Equal(t, int64(10), pending[0].Order.ActualPrice.Int64())

	_, err = h.engine.CreateOrder(ctx, customerC, printing.CreateOrderRequest{
		ID: id, PrinterID: printerP, ActualPrice: big.NewInt(1), Duration: 60,
	})
	require.ErrorIs(t, err, printing.ErrDuplicateOrderID)

	resolved, err := h.engine.ResolvePendingRelease(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, id, resolved.Order.ID)
	pending, err = h.engine.PendingReleases(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	_, err = h.engine.Order(ctx, id)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)
}

func TestResolvePendingReleaseRestoresUnpaidOrder(t *testing.T) {
	h := newHarness(t)
	h.register(printerP)
	h.fund(customerC, 10)
	ctx := context.Background()
	id, _ := driveToCompleted(t, h, 1, 10, 60)
	h.advance(time.Hour)
	order := mustOrder(t, h, id)

	// A stop between the delete batch and the payout leaves only the marker.
	require.NoError(t, h.state.Update(func(tx printing.Tx) error {
		if err := tx.OrderDelete(order); err != nil {
			return err
		}
		return tx.PendingReleasePut(&printing.PendingRelease{Order: order, Recipient: printerP, StagedAt: h.now()})
	}))
	require.Equal(t, int64(10), h.balance(escrowAccount))

	_, err := h.engine.ResolvePendingRelease(ctx, orderAddr(9), false)
	require.ErrorIs(t, err, printing.ErrUnknownOrder)

	_, err = h.engine.ResolvePendingRelease(ctx, id, false)
	require.NoError(t, err)
	restored := mustOrder(t, h, id)
	require.Equal(t, printing.OrderProviderDone, restored.State)
	ids, err := h.engine.ProviderOrders(ctx, printerP)
	require.NoError(t, err)
	require.Equal(t, []common.Address{id}, ids)

	_, err = h.engine.TransferFundsToProvider(ctx, stranger, id)
	require.NoError(t, err)
	require.Equal(t, int64(10), h.balance(printerP))
	pending, err := h.engine.PendingReleases(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
