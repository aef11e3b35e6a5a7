package staking

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeboard/stakeboard/internal/chain"
)

// Demo prices in wei per whole token.
var demoPrices = map[string]*big.Int{
	"DAI": big.NewInt(350_000_000_000_000),    // 0.00035 ETH
	"ALY": big.NewInt(42_000_000_000_000_000), // 0.042 ETH
}

// DemoAccount is the account the demo chain reports. It also owns the demo
// staking contract.
var DemoAccount = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

// DemoStakingAddress is used for the staking contract when a demo session is
// configured without one.
var DemoStakingAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// demoChain keeps the staking contract state behind a MockClient and applies
// transactions to it.
type demoChain struct {
	mock      *chain.MockClient
	contracts *Contracts
	registry  *TokenRegistry
	account   common.Address

	mu           sync.Mutex
	stake        *big.Int
	stakeToken   common.Address
	totalStakes  *big.Int
	totalRewards *big.Int
	reward       *big.Int
	funds        *big.Int
	allowances   map[common.Address]*big.Int
}

// NewDemoChain returns an in-memory chain on networkID with the staking
// contract at contracts.Staking.Address, an owner account, an empty stake and
// a funded reward pool. Transactions update the state and emit the matching
// contract event.
func NewDemoChain(networkID int64, contracts *Contracts, registry *TokenRegistry) *chain.MockClient {
	if registry == nil {
		registry = DefaultTokenRegistry()
	}
	d := &demoChain{
		mock:         chain.NewMockClient(networkID, DemoAccount),
		contracts:    contracts,
		registry:     registry,
		account:      DemoAccount,
		stake:        new(big.Int),
		totalStakes:  ether(1250),
		totalRewards: ether(3),
		reward:       new(big.Int),
		funds:        ether(5),
		allowances:   make(map[common.Address]*big.Int),
	}

	for _, t := range registry.Tokens() {
		price, ok := demoPrices[t.Symbol]
		if !ok {
			price = big.NewInt(1_000_000_000_000_000)
		}
		d.mock.SetCallResult(t.PriceFeed, methodLatestRoundData,
			big.NewInt(1), price, big.NewInt(1_600_000_000), big.NewInt(1_600_000_000), big.NewInt(1))
	}

	d.mu.Lock()
	d.sync()
	d.mu.Unlock()
	d.mock.OnSend(d.apply)
	return d.mock
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// sync copies the state into the mock's stubbed results. Callers hold d.mu.
func (d *demoChain) sync() {
	st := d.contracts.Staking.Address
	d.mock.SetCallResult(st, methodOwner, d.account)
	d.mock.SetCallResult(st, methodStakeOf, d.stake)
	d.mock.SetCallResult(st, methodStakeTokenOf, d.stakeToken)
	d.mock.SetCallResult(st, methodTotalStakes, d.totalStakes)
	d.mock.SetCallResult(st, methodTotalRewards, d.totalRewards)
	d.mock.SetCallResult(st, methodCalculateReward, d.reward)
	d.mock.SetCallResult(st, methodRewardFunds, d.funds)
	for _, t := range d.registry.Tokens() {
		allowance, ok := d.allowances[t.Address]
		if !ok {
			allowance = new(big.Int)
		}
		d.mock.SetCallResult(t.Address, methodAllowance, allowance)
	}
}

func (d *demoChain) apply(tx chain.SentTransaction) {
	var event string

	d.mu.Lock()
	switch tx.Method {
	case methodApprove:
		if amount, ok := argBig(tx.Args, 1); ok {
			d.allowances[tx.Contract] = amount
		}
	case methodStake:
		amount, ok := argBig(tx.Args, 1)
		if !ok {
			break
		}
		token, _ := tx.Args[0].(common.Address)
		d.stake = new(big.Int).Add(d.stake, amount)
		d.stakeToken = token
		d.totalStakes = new(big.Int).Add(d.totalStakes, amount)
		// Accrue a reward immediately so claim has something to show.
		d.reward = new(big.Int).Div(amount, big.NewInt(1000))
		event = EventStaked
	case methodUnstake:
		d.totalStakes = new(big.Int).Sub(d.totalStakes, d.stake)
		d.stake = new(big.Int)
		d.stakeToken = common.Address{}
		event = EventUnstaked
	case methodClaimReward:
		d.funds = new(big.Int).Sub(d.funds, d.reward)
		if d.funds.Sign() < 0 {
			d.funds = new(big.Int)
		}
		d.totalRewards = new(big.Int).Add(d.totalRewards, d.reward)
		d.reward = new(big.Int)
		event = EventRewardClaimed
	case methodFundRewards:
		if tx.Value != nil {
			d.funds = new(big.Int).Add(d.funds, tx.Value)
		}
		event = EventRewardsFunded
	case methodRefundRewards:
		d.funds = new(big.Int)
		event = EventRewardsRefunded
	}
	d.sync()
	d.mu.Unlock()

	if event != "" {
		d.mock.Emit(d.contracts.Staking.Address, event)
	}
}

func argBig(args []any, i int) (*big.Int, bool) {
	if i >= len(args) {
		return nil, false
	}
	v, ok := args[i].(*big.Int)
	return v, ok && v != nil
}
