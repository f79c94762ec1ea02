package printing

import (
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

// MaxDetailsLength bounds the opaque printer description in bytes.
const MaxDetailsLength = 1024

// OrderState is the explicit lifecycle position of a live order. Terminal
// outcomes (refunded, settled) delete the record, so they have no state value.
type OrderState uint8

const (
	OrderCreated OrderState = iota + 1
	OrderSigned
	OrderExecuting
	OrderProviderDone
	OrderDisputed
)

// Valid reports whether the state value is within the supported range.
func (s OrderState) Valid() bool {
	switch s {
	case OrderCreated, OrderSigned, OrderExecuting, OrderProviderDone, OrderDisputed:
		return true
	default:
		return false
	}
}

func (s OrderState) String() string {
	switch s {
	case OrderCreated:
		return "CREATED"
	case OrderSigned:
		return "SIGNED"
	case OrderExecuting:
		return "EXECUTING"
	case OrderProviderDone:
		return "PROVIDER_DONE"
	case OrderDisputed:
		return "DISPUTED"
	default:
		return fmt.Sprintf("OrderState(%d)", uint8(s))
	}
}

// MarshalText renders the state name so JSON output stays readable.
func (s OrderState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("printing: invalid order state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *OrderState) UnmarshalText(text []byte) error {
	for candidate := OrderCreated; candidate <= OrderDisputed; candidate++ {
		if candidate.String() == strings.ToUpper(string(text)) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("printing: unknown order state %q", text)
}

// Printer is a registered service provider.
type Printer struct {
	ID           common.Address `json:"id"`
	Details      string         `json:"details"`
	RegisteredAt int64          `json:"registeredAt"`
}

// Clone returns a copy of the printer record.
func (p *Printer) Clone() *Printer {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// NormalizeDetails trims and NFC-normalises a printer description.
func NormalizeDetails(details string) (string, error) {
	trimmed := strings.TrimSpace(details)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return "", ErrInvalidDetails
	}
	normalized := norm.NFC.String(trimmed)
	if len(normalized) > MaxDetailsLength {
		return "", ErrInvalidDetails
	}
	return normalized, nil
}

// Order captures the escrowed agreement between a customer and a printer.
// Timestamps are unix seconds; zero means "not yet".
type Order struct {
	ID           common.Address `json:"id"`
	PrinterID    common.Address `json:"printerId"`
	CustomerID   common.Address `json:"customerId"`
	MinimalPrice *big.Int       `json:"minimalPrice"`
	ActualPrice  *big.Int       `json:"actualPrice"`
	Duration     uint64         `json:"duration"`
	CreatedAt    int64          `json:"createdAt"`
	StartTime    int64          `json:"startTime"`
	CompletedAt  int64          `json:"completedAt,omitempty"`
	ReportedAt   int64          `json:"reportedAt,omitempty"`
	Sequence     uint64         `json:"sequence"`
	State        OrderState     `json:"state"`
}

// Clone returns a deep copy of the order so callers can safely mutate the copy
// without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.MinimalPrice = cloneBigInt(o.MinimalPrice)
	clone.ActualPrice = cloneBigInt(o.ActualPrice)
	return &clone
}

// IsSigned reports whether the printer accepted the order.
func (o *Order) IsSigned() bool { return o != nil && o.State >= OrderSigned }

// IsCompletedProvider reports whether the printer asserted completion.
func (o *Order) IsCompletedProvider() bool {
	return o != nil && (o.State == OrderProviderDone || o.State == OrderDisputed)
}

// IsUncompleteCustomer reports whether the customer disputed completion.
func (o *Order) IsUncompleteCustomer() bool { return o != nil && o.State == OrderDisputed }

// DurationValue returns the service-time budget as a time.Duration.
func (o *Order) DurationValue() time.Duration {
	return time.Duration(o.Duration) * time.Second
}

// RefundDeadline is the last second at which an unsigned order is still
// within its window. Refunds are allowed strictly after it.
func (o *Order) RefundDeadline() int64 { return o.CreatedAt + int64(o.Duration) }

// CompletionDeadline is the last second at which the printer may complete.
func (o *Order) CompletionDeadline() int64 { return o.StartTime + int64(o.Duration) }

// SettlementTime is the first second at which escrow may be released to the
// printer given the post-completion reporting buffer.
func (o *Order) SettlementTime(buffer time.Duration) int64 {
	return o.CompletionDeadline() + int64(buffer/time.Second)
}

// Refundable reports whether an order can be refunded at now.
func (o *Order) Refundable(now int64) bool {
	return o != nil && o.State == OrderCreated && now > o.RefundDeadline()
}

// Settleable reports whether escrow can be released to the printer at now.
func (o *Order) Settleable(now int64, buffer time.Duration) bool {
	return o.IsCompletedProvider() && now >= o.SettlementTime(buffer)
}

// PendingRelease marks an order deleted for payout whose ledger transfer was
// not confirmed. It is staged in the same batch as the delete and cleared once
// the transfer returns, so a surviving marker means the process stopped
// between the two and the payout has to be reconciled against the ledger.
type PendingRelease struct {
	Order     *Order         `json:"order"`
	Recipient common.Address `json:"recipient"`
	StagedAt  int64          `json:"stagedAt"`
}

// SanitizeOrder validates the invariants of a stored order and returns a
// clone with non-nil amounts. The function does not mutate the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("printing: nil order")
	}
	clone := o.Clone()
	if clone.ID == (common.Address{}) || clone.PrinterID == (common.Address{}) || clone.CustomerID == (common.Address{}) {
		return nil, ErrInvalidIdentity
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("printing: invalid order state %d", clone.State)
	}
	if clone.ActualPrice.Sign() <= 0 || clone.MinimalPrice.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if clone.Duration == 0 {
		return nil, ErrInvalidDuration
	}
	started := clone.StartTime != 0
	switch clone.State {
	case OrderCreated, OrderSigned:
		if started {
			return nil, fmt.Errorf("printing: order %s started in state %s", clone.ID.Hex(), clone.State)
		}
	default:
		if !started {
			return nil, fmt.Errorf("printing: order %s in state %s without start time", clone.ID.Hex(), clone.State)
		}
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
