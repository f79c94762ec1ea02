package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/native/printing"
)

var (
	printerRecordPrefix = []byte("printing/printer/")
	printerListKey      = []byte("printing/printers")
	orderRecordPrefix   = []byte("printing/order/")
	providerIndexPrefix = []byte("printing/provider/")
	customerIndexPrefix = []byte("printing/customer/")
	orderSequenceKey    = []byte("printing/order-seq")
	pendingRecordPrefix = []byte("printing/pending/")
	pendingListKey      = []byte("printing/pendings")
)

func printerStorageKey(id common.Address) []byte {
	buf := make([]byte, len(printerRecordPrefix)+common.AddressLength)
	copy(buf, printerRecordPrefix)
	copy(buf[len(printerRecordPrefix):], id.Bytes())
	return buf
}

func orderStorageKey(id common.Address) []byte {
	buf := make([]byte, len(orderRecordPrefix)+common.AddressLength)
	copy(buf, orderRecordPrefix)
	copy(buf[len(orderRecordPrefix):], id.Bytes())
	return buf
}

func pendingStorageKey(id common.Address) []byte {
	buf := make([]byte, len(pendingRecordPrefix)+common.AddressLength)
	copy(buf, pendingRecordPrefix)
	copy(buf[len(pendingRecordPrefix):], id.Bytes())
	return buf
}

type storedPrinter struct {
	ID           [20]byte
	Details      string
	RegisteredAt uint64
}

func newStoredPrinter(p *printing.Printer) *storedPrinter {
	return &storedPrinter{
		ID:           p.ID,
		Details:      p.Details,
		RegisteredAt: uint64(p.RegisteredAt),
	}
}

func (s *storedPrinter) toPrinter() *printing.Printer {
	return &printing.Printer{
		ID:           common.Address(s.ID),
		Details:      s.Details,
		RegisteredAt: int64(s.RegisteredAt),
	}
}

type storedOrder struct {
	ID           [20]byte
	PrinterID    [20]byte
	CustomerID   [20]byte
	MinimalPrice *big.Int
	ActualPrice  *big.Int
	Duration     uint64
	CreatedAt    uint64
	StartTime    uint64
	CompletedAt  uint64
	ReportedAt   uint64
	Sequence     uint64
	State        uint8
}

func newStoredOrder(o *printing.Order) *storedOrder {
	minimal := big.NewInt(0)
	if o.MinimalPrice != nil {
		minimal = new(big.Int).Set(o.MinimalPrice)
	}
	actual := big.NewInt(0)
	if o.ActualPrice != nil {
		actual = new(big.Int).Set(o.ActualPrice)
	}
	return &storedOrder{
		ID:           o.ID,
		PrinterID:    o.PrinterID,
		CustomerID:   o.CustomerID,
		MinimalPrice: minimal,
		ActualPrice:  actual,
		Duration:     o.Duration,
		CreatedAt:    uint64(o.CreatedAt),
		StartTime:    uint64(o.StartTime),
		CompletedAt:  uint64(o.CompletedAt),
		ReportedAt:   uint64(o.ReportedAt),
		Sequence:     o.Sequence,
		State:        uint8(o.State),
	}
}

func (s *storedOrder) toOrder() (*printing.Order, error) {
	order := &printing.Order{
		ID:           common.Address(s.ID),
		PrinterID:    common.Address(s.PrinterID),
		CustomerID:   common.Address(s.CustomerID),
		MinimalPrice: s.MinimalPrice,
		ActualPrice:  s.ActualPrice,
		Duration:     s.Duration,
		CreatedAt:    int64(s.CreatedAt),
		StartTime:    int64(s.StartTime),
		CompletedAt:  int64(s.CompletedAt),
		ReportedAt:   int64(s.ReportedAt),
		Sequence:     s.Sequence,
		State:        printing.OrderState(s.State),
	}
	return printing.SanitizeOrder(order)
}

// PrinterGet loads the printer registered under id.
func (tx *Tx) PrinterGet(id common.Address) (*printing.Printer, bool, error) {
	var stored storedPrinter
	ok, err := tx.get(printerStorageKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toPrinter(), true, nil
}

// PrinterPut stores the printer and appends it to the directory listing.
func (tx *Tx) PrinterPut(p *printing.Printer) error {
	if p == nil {
		return fmt.Errorf("state: nil printer")
	}
	if err := tx.put(printerStorageKey(p.ID), newStoredPrinter(p)); err != nil {
		return err
	}
	return newDenseIndex(tx, printerListKey, nil).Append(p.ID.Bytes())
}

// PrinterCount returns the number of registered printers.
func (tx *Tx) PrinterCount() (uint64, error) {
	return newDenseIndex(tx, printerListKey, nil).Len()
}

// PrinterAt returns the printer at position i of the directory listing.
func (tx *Tx) PrinterAt(i uint64) (*printing.Printer, bool, error) {
	member, ok, err := newDenseIndex(tx, printerListKey, nil).At(i)
	if err != nil || !ok {
		return nil, false, err
	}
	return tx.PrinterGet(common.BytesToAddress(member))
}

// OrderGet loads the live order stored under id.
func (tx *Tx) OrderGet(id common.Address) (*printing.Order, bool, error) {
	var stored storedOrder
	ok, err := tx.get(orderStorageKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	order, err := stored.toOrder()
	if err != nil {
		return nil, false, fmt.Errorf("state: decode order %s: %w", id.Hex(), err)
	}
	return order, true, nil
}

// OrderPut stores the order. A record that was not yet live is added to its
// provider and customer indices.
func (tx *Tx) OrderPut(o *printing.Order) error {
	if o == nil {
		return fmt.Errorf("state: nil order")
	}
	key := orderStorageKey(o.ID)
	_, existed, err := tx.getRaw(key)
	if err != nil {
		return err
	}
	if err := tx.put(key, newStoredOrder(o)); err != nil {
		return err
	}
	if existed {
		return nil
	}
	if err := newDenseIndex(tx, providerIndexPrefix, o.PrinterID.Bytes()).Append(o.ID.Bytes()); err != nil {
		return err
	}
	return newDenseIndex(tx, customerIndexPrefix, o.CustomerID.Bytes()).Append(o.ID.Bytes())
}

// OrderDelete removes the order record and its index entries.
func (tx *Tx) OrderDelete(o *printing.Order) error {
	if o == nil {
		return fmt.Errorf("state: nil order")
	}
	if err := tx.deleteRaw(orderStorageKey(o.ID)); err != nil {
		return err
	}
	if err := newDenseIndex(tx, providerIndexPrefix, o.PrinterID.Bytes()).Remove(o.ID.Bytes()); err != nil {
		return err
	}
	return newDenseIndex(tx, customerIndexPrefix, o.CustomerID.Bytes()).Remove(o.ID.Bytes())
}

// ProviderOrderIDs lists the live orders assigned to printer.
func (tx *Tx) ProviderOrderIDs(printer common.Address) ([]common.Address, error) {
	return indexAddresses(newDenseIndex(tx, providerIndexPrefix, printer.Bytes()))
}

// CustomerOrderIDs lists the live orders placed by customer.
func (tx *Tx) CustomerOrderIDs(customer common.Address) ([]common.Address, error) {
	return indexAddresses(newDenseIndex(tx, customerIndexPrefix, customer.Bytes()))
}

// NextOrderSequence allocates the next creation sequence number, starting
// at 1.
func (tx *Tx) NextOrderSequence() (uint64, error) {
	current, err := tx.loadUint64(orderSequenceKey)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := tx.put(orderSequenceKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

type storedPending struct {
	Order     storedOrder
	Recipient [20]byte
	StagedAt  uint64
}

// PendingReleaseGet loads the unconfirmed payout recorded for order id.
func (tx *Tx) PendingReleaseGet(id common.Address) (*printing.PendingRelease, bool, error) {
	var stored storedPending
	ok, err := tx.get(pendingStorageKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	order, err := stored.Order.toOrder()
	if err != nil {
		return nil, false, fmt.Errorf("state: decode pending release %s: %w", id.Hex(), err)
	}
	return &printing.PendingRelease{
		Order:     order,
		Recipient: common.Address(stored.Recipient),
		StagedAt:  int64(stored.StagedAt),
	}, true, nil
}

// PendingReleasePut records an unconfirmed payout and lists it.
func (tx *Tx) PendingReleasePut(r *printing.PendingRelease) error {
	if r == nil || r.Order == nil {
		return fmt.Errorf("state: nil pending release")
	}
	stored := &storedPending{
		Order:     *newStoredOrder(r.Order),
		Recipient: r.Recipient,
		StagedAt:  uint64(r.StagedAt),
	}
	if err := tx.put(pendingStorageKey(r.Order.ID), stored); err != nil {
		return err
	}
	return newDenseIndex(tx, pendingListKey, nil).Append(r.Order.ID.Bytes())
}

// PendingReleaseDelete drops the marker for order id. Missing markers are
// ignored.
func (tx *Tx) PendingReleaseDelete(id common.Address) error {
	if err := tx.deleteRaw(pendingStorageKey(id)); err != nil {
		return err
	}
	return newDenseIndex(tx, pendingListKey, nil).Remove(id.Bytes())
}

// PendingReleases returns every recorded unconfirmed payout.
func (tx *Tx) PendingReleases() ([]*printing.PendingRelease, error) {
	ids, err := indexAddresses(newDenseIndex(tx, pendingListKey, nil))
	if err != nil {
		return nil, err
	}
	out := make([]*printing.PendingRelease, 0, len(ids))
	for _, id := range ids {
		r, ok, err := tx.PendingReleaseGet(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func indexAddresses(ix denseIndex) ([]common.Address, error) {
	members, err := ix.Members()
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(members))
	for i, member := range members {
		out[i] = common.BytesToAddress(member)
	}
	return out, nil
}
