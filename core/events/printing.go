package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/core/types"
)

const (
	TypePrinterRegistered = "printing.printer.registered"
	TypeOrderCreated      = "printing.order.created"
	TypeOrderSigned       = "printing.order.signed"
	TypeOrderStarted      = "printing.order.started"
	TypeOrderCompleted    = "printing.order.completed"
	TypeOrderDisputed     = "printing.order.disputed"
	TypeOrderRefunded     = "printing.order.refunded"
	TypeOrderSettled      = "printing.order.settled"
)

// AttrPrinterID is the attribute carried by every printer-scoped event.
const AttrPrinterID = "printerId"

type PrinterRegistered struct {
	PrinterID common.Address
	Details   string
}

func (PrinterRegistered) EventType() string { return TypePrinterRegistered }

func (e PrinterRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypePrinterRegistered,
		Attributes: map[string]string{
			AttrPrinterID: formatAddress(e.PrinterID),
			"details":     e.Details,
		},
	}
}

// OrderCreated is emitted once the escrow pull succeeded and the order is
// stored.
type OrderCreated struct {
	OrderID      common.Address
	PrinterID    common.Address
	CustomerID   common.Address
	MinimalPrice *big.Int
	ActualPrice  *big.Int
	Duration     uint64
	CreatedAt    int64
}

func (OrderCreated) EventType() string { return TypeOrderCreated }

func (e OrderCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderCreated,
		Attributes: map[string]string{
			"orderId":      formatAddress(e.OrderID),
			AttrPrinterID:  formatAddress(e.PrinterID),
			"customerId":   formatAddress(e.CustomerID),
			"minimalPrice": formatAmount(e.MinimalPrice),
			"actualPrice":  formatAmount(e.ActualPrice),
			"duration":     uintToString(e.Duration),
			"createdAt":    intToString(e.CreatedAt),
		},
	}
}

type OrderSigned struct {
	OrderID   common.Address
	PrinterID common.Address
}

func (OrderSigned) EventType() string { return TypeOrderSigned }

func (e OrderSigned) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderSigned,
		Attributes: map[string]string{
			"orderId":     formatAddress(e.OrderID),
			AttrPrinterID: formatAddress(e.PrinterID),
		},
	}
}

type OrderStarted struct {
	OrderID   common.Address
	PrinterID common.Address
	StartTime int64
}

func (OrderStarted) EventType() string { return TypeOrderStarted }

func (e OrderStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderStarted,
		Attributes: map[string]string{
			"orderId":     formatAddress(e.OrderID),
			AttrPrinterID: formatAddress(e.PrinterID),
			"startTime":   intToString(e.StartTime),
		},
	}
}

type OrderCompleted struct {
	OrderID     common.Address
	PrinterID   common.Address
	CompletedAt int64
}

func (OrderCompleted) EventType() string { return TypeOrderCompleted }

func (e OrderCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderCompleted,
		Attributes: map[string]string{
			"orderId":     formatAddress(e.OrderID),
			AttrPrinterID: formatAddress(e.PrinterID),
			"completedAt": intToString(e.CompletedAt),
		},
	}
}

// OrderDisputed records a customer report that a provider-completed order was
// not actually fulfilled.
type OrderDisputed struct {
	OrderID    common.Address
	PrinterID  common.Address
	CustomerID common.Address
	ReportedAt int64
}

func (OrderDisputed) EventType() string { return TypeOrderDisputed }

func (e OrderDisputed) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderDisputed,
		Attributes: map[string]string{
			"orderId":     formatAddress(e.OrderID),
			AttrPrinterID: formatAddress(e.PrinterID),
			"customerId":  formatAddress(e.CustomerID),
			"reportedAt":  intToString(e.ReportedAt),
		},
	}
}

type OrderRefunded struct {
	OrderID    common.Address
	PrinterID  common.Address
	CustomerID common.Address
	Amount     *big.Int
}

func (OrderRefunded) EventType() string { return TypeOrderRefunded }

func (e OrderRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderRefunded,
		Attributes: map[string]string{
			"orderId":     formatAddress(e.OrderID),
			AttrPrinterID: formatAddress(e.PrinterID),
			"customerId":  formatAddress(e.CustomerID),
			"amount":      formatAmount(e.Amount),
		},
	}
}

type OrderSettled struct {
	OrderID   common.Address
	PrinterID common.Address
	Caller    common.Address
	Amount    *big.Int
	Disputed  bool
}

func (OrderSettled) EventType() string { return TypeOrderSettled }

func (e OrderSettled) Event() *types.Event {
	attrs := map[string]string{
		"orderId":     formatAddress(e.OrderID),
		AttrPrinterID: formatAddress(e.PrinterID),
		"caller":      formatAddress(e.Caller),
		"amount":      formatAmount(e.Amount),
	}
	if e.Disputed {
		attrs["disputed"] = "true"
	}
	return &types.Event{Type: TypeOrderSettled, Attributes: attrs}
}
