package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// etherDecimals is the number of wei decimals in one ether.
const etherDecimals = 18

// ToWei converts an ether amount to wei. Amounts with more than 18 decimal
// places or below zero are rejected rather than rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("ledger: negative amount %s", amount)
	}
	shifted := amount.Shift(etherDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("ledger: amount %s has more than %d decimals", amount, etherDecimals)
	}
	return shifted.BigInt(), nil
}

// FromWei converts wei to an ether amount.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -etherDecimals)
}
