package staking

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// InvalidAmountMessage is the input error shown next to the amount field.
const InvalidAmountMessage = "Please, enter a token amount > 0"

var (
	// ErrConnection means account, network or contract access could not be
	// established. Fatal to the session.
	ErrConnection = errors.New("connection failed")

	// ErrOracleUnavailable means a price feed was unreachable or returned
	// malformed data. Only the reward estimate is affected.
	ErrOracleUnavailable = errors.New("price oracle unavailable")

	// ErrInvalidAmount rejects a non-positive or unparsable stake amount.
	ErrInvalidAmount = errors.New("token amount must be > 0")

	// ErrNoTokenSelected rejects approve/stake without a token.
	ErrNoTokenSelected = errors.New("no token selected")

	// ErrNoActiveStake rejects unstake when nothing is staked.
	ErrNoActiveStake = errors.New("no active stake")

	// ErrNoReward rejects claim when no reward has accrued.
	ErrNoReward = errors.New("no reward to claim")

	// ErrNoRewardFunds rejects refund when the pool is empty.
	ErrNoRewardFunds = errors.New("no reward funds to refund")

	// ErrTimeout is returned when a chain call exceeds the per-call deadline.
	ErrTimeout = errors.New("chain call timed out")

	// ErrNotConnected is returned for operations that need the Connected state.
	ErrNotConnected = errors.New("not connected")
)

// NetworkMismatchError is returned by Connect when the node is on a network
// other than the two accepted ones.
type NetworkMismatchError struct {
	NetworkID *big.Int
	Allowed   []int64
}

func (e *NetworkMismatchError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, id := range e.Allowed {
		allowed[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("Wrong Network(%s). Please switch to network %s",
		e.NetworkID, strings.Join(allowed, " or "))
}

// TransactionError wraps a rejected, failed or reverted transaction.
type TransactionError struct {
	Intent Intent
	Err    error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s transaction failed: %v", e.Intent, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
