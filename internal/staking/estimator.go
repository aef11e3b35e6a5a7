package staking

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// SecondsPerYear is 3600 * 24 * 365.
	SecondsPerYear = 31536000

	priceDecimals = 18

	// rewardRateExp encodes the reward rule: 1/1000 of the token's ETH value
	// per second, i.e. a further shift by 10^3.
	rewardRateExp = 3
)

var secondsPerYear = decimal.NewFromInt(SecondsPerYear)

// EstimateAnnualReward projects the ETH earned in one year by staking amount
// tokens at the observed price:
//
//	round(amount * (price / 1e18 / 1000) * 31536000, 2)
//
// Callers must reject amount <= 0 before calling.
func EstimateAnnualReward(amount decimal.Decimal, p PriceObservation) decimal.Decimal {
	perSecond := decimal.NewFromBigInt(p.Price, -(priceDecimals + rewardRateExp))
	return amount.Mul(perSecond).Mul(secondsPerYear).Round(2)
}

// ParseAmount parses a user-entered token amount. Anything that is not a
// positive decimal is ErrInvalidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// EstimateView is what the presentation layer shows next to the amount input.
type EstimateView struct {
	Amount     string         `json:"amount"`
	Token      common.Address `json:"token"`
	Symbol     string         `json:"symbol"`
	Estimate   string         `json:"annual_reward_eth,omitempty"` // 2 decimal places
	InputError string         `json:"input_error,omitempty"`
	OracleErr  string         `json:"oracle_error,omitempty"`
	Valid      bool           `json:"valid"`
}
