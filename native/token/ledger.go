package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/native/printing"
)

// Account binds the ledger to one account, exposing the escrow view the
// lifecycle engine consumes: pulls land in the account and payouts leave it.
type Account struct {
	token   *Token
	address common.Address
}

var _ printing.Ledger = (*Account)(nil)

// Account returns the adapter acting as addr.
func (t *Token) Account(addr common.Address) *Account {
	return &Account{token: t, address: addr}
}

// Address returns the bound account.
func (a *Account) Address() common.Address { return a.address }

func (a *Account) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.token.BalanceOf(account)
}

func (a *Account) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.token.Allowance(owner, spender)
}

// TransferFrom spends the bound account's allowance over from.
func (a *Account) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return a.token.TransferFrom(a.address, from, to, amount)
}

// Transfer pays out of the bound account.
func (a *Account) Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return a.token.Transfer(a.address, to, amount)
}

// FuncLedger adapts plain functions to printing.Ledger. Nil functions report
// a zero balance or allowance, and a refused transfer.
type FuncLedger struct {
	BalanceOfFn    func(ctx context.Context, account common.Address) (*big.Int, error)
	AllowanceFn    func(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferFromFn func(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	TransferFn     func(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
}

var _ printing.Ledger = FuncLedger{}

func (f FuncLedger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.BalanceOfFn == nil {
		return big.NewInt(0), nil
	}
	return f.BalanceOfFn(ctx, account)
}

func (f FuncLedger) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if f.AllowanceFn == nil {
		return big.NewInt(0), nil
	}
	return f.AllowanceFn(ctx, owner, spender)
}

func (f FuncLedger) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	if f.TransferFromFn == nil {
		return false, nil
	}
	return f.TransferFromFn(ctx, from, to, amount)
}

func (f FuncLedger) Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	if f.TransferFn == nil {
		return false, nil
	}
	return f.TransferFn(ctx, to, amount)
}
