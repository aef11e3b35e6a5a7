package staking

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeboard/stakeboard/internal/chain"
)

// Contract ABIs for the staking contract, the stakeable ERC20 tokens and the
// Chainlink AggregatorV3 price feeds.

// StakingABI is the ABI of the staking contract.
const StakingABI = `[
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "stakeholder", "type": "address"}],
		"name": "stakeOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "stakeholder", "type": "address"}],
		"name": "stakeTokenOf",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalStakes",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalRewards",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "stakeholder", "type": "address"}],
		"name": "calculateReward",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "rewardFunds",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "stake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "unstake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "claimReward",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "fundRewards",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "refundRewards",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "stakeholder", "type": "address"},
			{"indexed": true, "name": "token", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "ERC20Staked",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "stakeholder", "type": "address"},
			{"indexed": true, "name": "token", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "ERC20Unstaked",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "stakeholder", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "RewardClaimed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "funder", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "RewardsFunded",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "owner", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "RewardsRefunded",
		"type": "event"
	}
]`

// ERC20ABI covers the allowance handshake used before staking.
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	}
]`

// AggregatorV3ABI is the read surface of a Chainlink price feed.
const AggregatorV3ABI = `[
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Contract method names.
const (
	methodOwner           = "owner"
	methodStakeOf         = "stakeOf"
	methodStakeTokenOf    = "stakeTokenOf"
	methodTotalStakes     = "totalStakes"
	methodTotalRewards    = "totalRewards"
	methodCalculateReward = "calculateReward"
	methodRewardFunds     = "rewardFunds"
	methodStake           = "stake"
	methodUnstake         = "unstake"
	methodClaimReward     = "claimReward"
	methodFundRewards     = "fundRewards"
	methodRefundRewards   = "refundRewards"
	methodAllowance       = "allowance"
	methodApprove         = "approve"
	methodLatestRoundData = "latestRoundData"
)

// Contract events that invalidate the whole snapshot.
const (
	EventStaked          = "ERC20Staked"
	EventUnstaked        = "ERC20Unstaked"
	EventRewardClaimed   = "RewardClaimed"
	EventRewardsFunded   = "RewardsFunded"
	EventRewardsRefunded = "RewardsRefunded"

	// EventRewardsDistributed is spelled the way older contract builds emit it.
	// It is only subscribed to when the ABI declares it.
	EventRewardsDistributed = "RewardsDistrubuted"
)

// RefreshEvents lists the events that trigger a full refresh.
var RefreshEvents = []string{
	EventStaked,
	EventUnstaked,
	EventRewardClaimed,
	EventRewardsFunded,
	EventRewardsRefunded,
}

// Contracts groups the bound contracts a session talks to. Token and Feed are
// templates bound to a placeholder address; use At to target a deployment.
type Contracts struct {
	Staking *chain.Contract
	Token   *chain.Contract
	Feed    *chain.Contract
}

// NewContracts parses the ABIs and binds the staking contract to address.
func NewContracts(stakingAddress common.Address) (*Contracts, error) {
	st, err := chain.NewContract("Staking", stakingAddress, StakingABI)
	if err != nil {
		return nil, err
	}
	token, err := chain.NewContract("ERC20", common.Address{}, ERC20ABI)
	if err != nil {
		return nil, err
	}
	feed, err := chain.NewContract("AggregatorV3", common.Address{}, AggregatorV3ABI)
	if err != nil {
		return nil, err
	}
	return &Contracts{Staking: st, Token: token, Feed: feed}, nil
}

// MustContracts is NewContracts for the embedded ABIs, which always parse.
func MustContracts(stakingAddress common.Address) *Contracts {
	c, err := NewContracts(stakingAddress)
	if err != nil {
		panic(fmt.Sprintf("embedded ABI: %v", err))
	}
	return c
}
