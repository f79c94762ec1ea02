package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"formicarium/storage"
)

var (
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("token: amount must not be negative")
	// ErrZeroAddress is returned when an account argument is the zero address.
	ErrZeroAddress = errors.New("token: zero address")
	// ErrAmountOverflow is returned for amounts or totals above 2^256-1.
	ErrAmountOverflow = errors.New("token: amount overflows uint256")
)

// Token is a minimal ERC20-style ledger persisted in a key-value store. A
// failed transfer reports false and changes nothing.
type Token struct {
	mu     sync.Mutex
	db     storage.Database
	symbol string
}

// New returns the ledger for symbol stored in db.
func New(db storage.Database, symbol string) *Token {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		symbol = "PRT"
	}
	return &Token{db: db, symbol: symbol}
}

// Symbol returns the ticker the ledger was opened with.
func (t *Token) Symbol() string { return t.symbol }

func (t *Token) balanceKey(owner common.Address) []byte {
	buf := make([]byte, 0, 32+common.AddressLength)
	buf = append(buf, "token/"...)
	buf = append(buf, t.symbol...)
	buf = append(buf, "/balance/"...)
	buf = append(buf, owner.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func (t *Token) allowanceKey(owner, spender common.Address) []byte {
	buf := make([]byte, 0, 32+2*common.AddressLength)
	buf = append(buf, "token/"...)
	buf = append(buf, t.symbol...)
	buf = append(buf, "/allowance/"...)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, spender.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func (t *Token) supplyKey() []byte {
	return ethcrypto.Keccak256([]byte("token/" + t.symbol + "/supply"))
}

// Amounts are stored as 32 byte big-endian words.
func (t *Token) load(key []byte) (*uint256.Int, error) {
	data, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("token: corrupt amount of %d bytes", len(data))
	}
	return new(uint256.Int).SetBytes32(data), nil
}

func stage(batch storage.Batch, key []byte, value *uint256.Int) {
	if value.IsZero() {
		batch.Delete(key)
		return
	}
	word := value.Bytes32()
	batch.Put(key, word[:])
}

func checkAmount(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return value, nil
}

func (t *Token) loadBig(key []byte) (*big.Int, error) {
	value, err := t.load(key)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// BalanceOf returns the balance held by owner.
func (t *Token) BalanceOf(owner common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadBig(t.balanceKey(owner))
}

// Allowance returns how much spender may move out of owner's balance.
func (t *Token) Allowance(owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadBig(t.allowanceKey(owner, spender))
}

// TotalSupply returns the amount minted so far.
func (t *Token) TotalSupply() (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadBig(t.supplyKey())
}

// Approve sets spender's allowance over owner's balance to amount.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	value, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.db.NewBatch()
	stage(batch, t.allowanceKey(owner, spender), value)
	return batch.Write()
}

// Mint credits amount to the recipient and grows the supply. A mint that
// would push the supply past 2^256-1 fails with ErrAmountOverflow.
func (t *Token) Mint(to common.Address, amount *big.Int) error {
	value, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	balance, err := t.load(t.balanceKey(to))
	if err != nil {
		return err
	}
	supply, err := t.load(t.supplyKey())
	if err != nil {
		return err
	}
	if _, overflow := supply.AddOverflow(supply, value); overflow {
		return ErrAmountOverflow
	}
	batch := t.db.NewBatch()
	stage(batch, t.balanceKey(to), balance.Add(balance, value))
	stage(batch, t.supplyKey(), supply)
	return batch.Write()
}

// Transfer moves amount from one account to another. It returns false when
// the sender's balance is too small.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) (bool, error) {
	value, err := checkAmount(amount)
	if err != nil {
		return false, err
	}
	if to == (common.Address{}) {
		return false, ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.db.NewBatch()
	ok, err := t.stageMove(batch, from, to, value)
	if err != nil || !ok {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming allowance. It returns false when either the allowance or the
// owner's balance is too small.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) (bool, error) {
	value, err := checkAmount(amount)
	if err != nil {
		return false, err
	}
	if to == (common.Address{}) {
		return false, ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	allowance, err := t.load(t.allowanceKey(from, spender))
	if err != nil {
		return false, err
	}
	if allowance.Lt(value) {
		return false, nil
	}
	batch := t.db.NewBatch()
	ok, err := t.stageMove(batch, from, to, value)
	if err != nil || !ok {
		return false, err
	}
	stage(batch, t.allowanceKey(from, spender), allowance.Sub(allowance, value))
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Token) stageMove(batch storage.Batch, from, to common.Address, value *uint256.Int) (bool, error) {
	fromBalance, err := t.load(t.balanceKey(from))
	if err != nil {
		return false, err
	}
	if fromBalance.Lt(value) {
		return false, nil
	}
	if from == to || value.IsZero() {
		return true, nil
	}
	toBalance, err := t.load(t.balanceKey(to))
	if err != nil {
		return false, err
	}
	stage(batch, t.balanceKey(from), fromBalance.Sub(fromBalance, value))
	stage(batch, t.balanceKey(to), toBalance.Add(toBalance, value))
	return true, nil
}
