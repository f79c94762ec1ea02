package printing

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the fungible-token ledger holding escrowed funds. The engine is
// bound to one escrow account; TransferFrom pulls into it under the owner's
// allowance and Transfer pays out of it. A false result means the ledger
// refused the move and nothing changed.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
}
