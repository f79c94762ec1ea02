package printing

import "github.com/ethereum/go-ethereum/common"

// Tx is the transactional view of the order store, printer directory and
// index views handed to State.Update and State.View callbacks.
type Tx interface {
	PrinterGet(id common.Address) (*Printer, bool, error)
	PrinterPut(p *Printer) error
	PrinterCount() (uint64, error)
	PrinterAt(i uint64) (*Printer, bool, error)

	OrderGet(id common.Address) (*Order, bool, error)
	OrderPut(o *Order) error
	OrderDelete(o *Order) error
	ProviderOrderIDs(printer common.Address) ([]common.Address, error)
	CustomerOrderIDs(customer common.Address) ([]common.Address, error)
	NextOrderSequence() (uint64, error)

	PendingReleaseGet(id common.Address) (*PendingRelease, bool, error)
	PendingReleasePut(r *PendingRelease) error
	PendingReleaseDelete(id common.Address) error
	PendingReleases() ([]*PendingRelease, error)
}

// State is the storage surface required by the engine. Update must apply all
// writes staged by fn atomically, or none when fn fails.
type State interface {
	Update(fn func(Tx) error) error
	View(fn func(Tx) error) error
}
