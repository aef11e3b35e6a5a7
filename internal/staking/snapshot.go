package staking

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Scope selects which fields a refresh pass reads.
type Scope int

const (
	// ScopePartial reads the fast-moving fields: reward and the two totals.
	ScopePartial Scope = iota
	// ScopeFull reads every field.
	ScopeFull
)

func (s Scope) String() string {
	if s == ScopeFull {
		return "full"
	}
	return "partial"
}

// Snapshot is the client's view of on-chain staking state for one account.
// A published Snapshot is never modified; each refresh pass publishes a new one.
type Snapshot struct {
	Account       common.Address `json:"account"`
	ContractOwner common.Address `json:"contract_owner"`
	StakeValue    *big.Int       `json:"stake_value"`
	StakeToken    common.Address `json:"stake_token"`
	TotalStakes   *big.Int       `json:"total_stakes"`
	TotalRewards  *big.Int       `json:"total_rewards"`
	StakeReward   *big.Int       `json:"stake_reward"`
	RewardFunds   *big.Int       `json:"reward_funds"`

	// Allowance granted to the staking contract by Account for AllowanceToken.
	Allowance      *big.Int       `json:"allowance"`
	AllowanceToken common.Address `json:"allowance_token"`

	Sequence  uint64    `json:"sequence"`
	Scope     string    `json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
}

// emptySnapshot is published before the first refresh completes.
func emptySnapshot() *Snapshot {
	return &Snapshot{
		StakeValue:   new(big.Int),
		TotalStakes:  new(big.Int),
		TotalRewards: new(big.Int),
		StakeReward:  new(big.Int),
		RewardFunds:  new(big.Int),
		Allowance:    new(big.Int),
	}
}

// HasStake reports whether the account has an active stake.
func (s *Snapshot) HasStake() bool {
	return s.StakeValue != nil && s.StakeValue.Sign() > 0
}

// ShowReward reports whether an accrued reward should be displayed.
func (s *Snapshot) ShowReward() bool {
	return s.StakeReward != nil && s.StakeReward.Sign() > 0
}

// HasRewardFunds reports whether the reward pool holds anything.
func (s *Snapshot) HasRewardFunds() bool {
	return s.RewardFunds != nil && s.RewardFunds.Sign() > 0
}

// IsOwner reports whether the account is the contract owner.
func (s *Snapshot) IsOwner() bool {
	return s.Account != (common.Address{}) && s.Account == s.ContractOwner
}

// NeedsApproval reports whether amount exceeds the current allowance.
func (s *Snapshot) NeedsApproval(amount *big.Int) bool {
	if s.Allowance == nil {
		return true
	}
	return s.Allowance.Cmp(amount) < 0
}

// withPartial returns a copy of s with the partial-scope fields replaced.
func (s *Snapshot) withPartial(reward, totalStakes, totalRewards *big.Int) *Snapshot {
	next := *s
	next.StakeReward = reward
	next.TotalStakes = totalStakes
	next.TotalRewards = totalRewards
	return &next
}
