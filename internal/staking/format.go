package staking

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// FormatEther renders a wei amount in ether with trailing zeros trimmed.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// FormatEtherFixed renders a wei amount in ether with exactly places decimals.
func FormatEtherFixed(wei *big.Int, places int32) string {
	if wei == nil {
		wei = new(big.Int)
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).StringFixed(places)
}

// ToWei converts a decimal token or ether amount into its 18-decimal integer
// representation, truncating anything below one wei.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(etherDecimals).Truncate(0).BigInt()
}
