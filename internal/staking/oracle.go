package staking

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeboard/stakeboard/internal/chain"
	"github.com/stakeboard/stakeboard/internal/logging"
)

// PriceObservation is one latestRoundData reading. Price is an 18-decimal
// fixed-point token/ETH rate.
type PriceObservation struct {
	Feed      common.Address
	Price     *big.Int
	RoundID   *big.Int
	UpdatedAt time.Time
}

// Oracle reads token prices from AggregatorV3 feeds. Observations are never
// cached; every estimate re-fetches.
type Oracle struct {
	caller   *caller
	feed     *chain.Contract
	registry *TokenRegistry
}

// NewOracle creates an oracle reading feeds resolved through registry.
func NewOracle(c *caller, feed *chain.Contract, registry *TokenRegistry) *Oracle {
	return &Oracle{caller: c, feed: feed, registry: registry}
}

// FetchPrice returns the latest observation for token's price feed. Unknown
// tokens use the default entry's feed. Any failure wraps ErrOracleUnavailable.
func (o *Oracle) FetchPrice(ctx context.Context, token common.Address) (obs PriceObservation, err error) {
	defer func() { o.caller.recorder.RecordOracleFetch(err) }()

	feedAddr := o.registry.ResolveFeed(token)
	out, err := o.caller.call(ctx, o.feed.At(feedAddr), methodLatestRoundData)
	if err != nil {
		return PriceObservation{}, fmt.Errorf("%w: feed %s: %w", ErrOracleUnavailable, feedAddr.Hex(), err)
	}

	obs, err = parseRoundData(feedAddr, out)
	if err != nil {
		return PriceObservation{}, fmt.Errorf("%w: feed %s: %w", ErrOracleUnavailable, feedAddr.Hex(), err)
	}

	logging.Debug("price observation",
		"feed", feedAddr.Hex(),
		"price", obs.Price.String(),
		"round", obs.RoundID.String())
	return obs, nil
}

// parseRoundData validates the latestRoundData tuple
// (roundId, answer, startedAt, updatedAt, answeredInRound).
func parseRoundData(feed common.Address, out []any) (PriceObservation, error) {
	if len(out) != 5 {
		return PriceObservation{}, fmt.Errorf("malformed round data: %d outputs", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer == nil {
		return PriceObservation{}, fmt.Errorf("malformed round data: answer is %T", out[1])
	}
	if answer.Sign() <= 0 {
		return PriceObservation{}, fmt.Errorf("non-positive price %s", answer)
	}

	obs := PriceObservation{Feed: feed, Price: answer, RoundID: new(big.Int)}
	if round, ok := out[0].(*big.Int); ok && round != nil {
		obs.RoundID = round
	}
	if updated, ok := out[3].(*big.Int); ok && updated != nil && updated.IsInt64() {
		obs.UpdatedAt = time.Unix(updated.Int64(), 0)
	}
	return obs, nil
}
