package staking

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeboard/stakeboard/internal/chain"
)

func TestIntentNames(t *testing.T) {
	for _, intent := range Intents() {
		parsed, err := ParseIntent(intent.String())
		require.NoError(t, err)
		assert.Equal(t, intent, parsed)
	}
	_, err := ParseIntent("withdraw")
	assert.Error(t, err)
	assert.True(t, IntentFundRewards.AdminOnly())
	assert.True(t, IntentRefundRewards.AdminOnly())
	assert.False(t, IntentStake.AdminOnly())
}

func TestCheckPreconditions(t *testing.T) {
	empty := emptySnapshot()
	full := &Snapshot{StakeValue: wei(1), StakeReward: wei(1), RewardFunds: wei(1)}

	tests := []struct {
		name string
		req  ActionRequest
		snap *Snapshot
		want error
	}{
		{"approve without token", ActionRequest{Intent: IntentApprove}, empty, ErrNoTokenSelected},
		{"approve", ActionRequest{Intent: IntentApprove, Token: daiToken}, empty, nil},
		{"stake without token", ActionRequest{Intent: IntentStake, Amount: decimal.NewFromInt(1)}, empty, ErrNoTokenSelected},
		{"stake zero", ActionRequest{Intent: IntentStake, Token: daiToken}, empty, ErrInvalidAmount},
		{"stake negative", ActionRequest{Intent: IntentStake, Token: daiToken, Amount: decimal.NewFromInt(-2)}, empty, ErrInvalidAmount},
		{"stake", ActionRequest{Intent: IntentStake, Token: daiToken, Amount: decimal.NewFromInt(5)}, empty, nil},
		{"unstake without stake", ActionRequest{Intent: IntentUnstake}, empty, ErrNoActiveStake},
		{"unstake", ActionRequest{Intent: IntentUnstake}, full, nil},
		{"claim without reward", ActionRequest{Intent: IntentClaimReward}, empty, ErrNoReward},
		{"claim", ActionRequest{Intent: IntentClaimReward}, full, nil},
		{"fund always allowed", ActionRequest{Intent: IntentFundRewards}, empty, nil},
		{"refund empty pool", ActionRequest{Intent: IntentRefundRewards}, empty, ErrNoRewardFunds},
		{"refund", ActionRequest{Intent: IntentRefundRewards}, full, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.req, tt.snap)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsPrecondition(err))
		})
	}

	assert.Error(t, Check(ActionRequest{Intent: Intent(42)}, empty))
}

func TestStakeTriggersOneFullRefresh(t *testing.T) {
	f := newFixture(t)
	f.connect()
	require.False(t, f.sync.Snapshot().HasStake())

	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)
	f.mock.OnSend(func(tx chain.SentTransaction) {
		if tx.Method == methodStake {
			f.mock.SetCallResult(testStaking, methodStakeOf, wei(5))
		}
	})
	ownerCalls := f.calls(methodOwner)

	res, err := d.Stake(context.Background(), daiToken, decimal.NewFromInt(5))
	require.NoError(t, err)

	assert.Equal(t, ownerCalls+1, f.calls(methodOwner), "exactly one full refresh")
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "5000000000000000000", res.Snapshot.StakeValue.String())
	assert.Same(t, f.sync.Snapshot(), res.Snapshot)
	assert.Equal(t, "stake", res.Intent)
	assert.NotEmpty(t, res.ID)
	assert.NotEqual(t, common.Hash{}, res.TxHash)

	sent := f.mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testStaking, sent[0].Contract)
	assert.Equal(t, methodStake, sent[0].Method)
	require.Len(t, sent[0].Args, 2)
	assert.Equal(t, daiToken, sent[0].Args[0])
	assert.Equal(t, "5000000000000000000", sent[0].Args[1].(*big.Int).String())
}

func TestApproveSendsFixedAllowance(t *testing.T) {
	f := newFixture(t)
	f.connect()
	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)

	_, err := d.Approve(context.Background(), alyToken)
	require.NoError(t, err)

	sent := f.mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alyToken, sent[0].Contract)
	assert.Equal(t, methodApprove, sent[0].Method)
	assert.Equal(t, testStaking, sent[0].Args[0])
	assert.Equal(t, "1000000000000000000000000000", sent[0].Args[1].(*big.Int).String())
}

func TestFundSendsValue(t *testing.T) {
	f := newFixture(t)
	f.connect()
	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)

	_, err := d.FundRewards(context.Background())
	require.NoError(t, err)

	sent := f.mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, methodFundRewards, sent[0].Method)
	assert.Equal(t, "100000000000000000", sent[0].Value.String())
	assert.Empty(t, sent[0].Args)
}

func TestPreconditionFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.connect()
	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)

	_, err := d.Unstake(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveStake)
	_, err = d.ClaimReward(context.Background())
	assert.ErrorIs(t, err, ErrNoReward)
	_, err = d.Stake(context.Background(), daiToken, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Empty(t, f.mock.Sent())
}

func TestFailedTransactionSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	f.setState(2, 1)
	f.connect()
	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)

	rejected := errors.New("user rejected transaction")
	f.mock.SetSendError(testStaking, methodClaimReward, rejected)
	ownerCalls := f.calls(methodOwner)
	before := f.sync.Snapshot()

	res, err := d.ClaimReward(context.Background())
	assert.Nil(t, res)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, IntentClaimReward, txErr.Intent)
	assert.ErrorIs(t, err, rejected)
	assert.False(t, IsPrecondition(err))

	assert.Equal(t, ownerCalls, f.calls(methodOwner), "no refresh after failure")
	assert.Same(t, before, f.sync.Snapshot())
}

func TestExecuteRequiresConnection(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(DefaultDispatcherConfig(), f.sync)

	_, err := d.FundRewards(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.mock.Sent())
}

func TestDemoChainRoundTrip(t *testing.T) {
	contracts := MustContracts(testStaking)
	mock := NewDemoChain(testNetwork, contracts, nil)

	svc, err := NewService(ServiceConfig{
		Sync: SynchronizerConfig{
			Client:          mock,
			Contracts:       contracts,
			AllowedNetworks: []int64{testNetwork},
			RefreshInterval: testInterval,
		},
		Dispatcher: DefaultDispatcherConfig(),
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Connect(context.Background()))
	assert.True(t, svc.Snapshot().IsOwner())

	view := svc.OnInputChanged(context.Background(), "5", daiToken)
	require.True(t, view.Valid)

	_, err = svc.Approve(context.Background())
	require.NoError(t, err)
	assert.False(t, svc.Snapshot().NeedsApproval(wei(5)))

	_, err = svc.Stake(context.Background())
	require.NoError(t, err)
	snap := svc.Snapshot()
	assert.Equal(t, 0, snap.StakeValue.Cmp(wei(5)))
	assert.Equal(t, daiToken, snap.StakeToken)
	assert.True(t, snap.ShowReward())

	_, err = svc.ClaimReward(context.Background())
	require.NoError(t, err)
	_, err = svc.Unstake(context.Background())
	require.NoError(t, err)
	_, err = svc.RefundRewards(context.Background())
	require.NoError(t, err)

	snap = svc.Snapshot()
	assert.False(t, snap.HasStake())
	assert.False(t, snap.HasRewardFunds())
}
