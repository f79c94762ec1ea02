package printing

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NewOrderID derives a fresh random order id from a throwaway secp256k1 key,
// so ids share the address space of customers and printers.
func NewOrderID() (common.Address, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("printing: generate order id: %w", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}
