package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeboard/stakeboard/internal/util"
)

const testABI = `[
	{"type":"function","name":"totalStakes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"holder","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"ERC20Staked","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	testAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func newTestContract(t *testing.T) *Contract {
	t.Helper()
	c, err := NewContract("Staking", testAddress, testABI)
	require.NoError(t, err)
	return c
}

func TestNewContract(t *testing.T) {
	c := newTestContract(t)

	assert.Equal(t, "Staking", c.Name)
	assert.Equal(t, testAddress, c.Address)
	assert.True(t, c.HasEvent("ERC20Staked"))
	assert.False(t, c.HasEvent("RewardClaimed"))

	_, err := NewContract("Broken", testAddress, "{not json")
	require.Error(t, err)
}

func TestContractAt(t *testing.T) {
	c := newTestContract(t)
	other := common.HexToAddress("0x02D9844E6c67B6251eDf631f0eC72C4D545e6eAb")

	moved := c.At(other)
	assert.Equal(t, other, moved.Address)
	assert.Equal(t, testAddress, c.Address, "original must be unchanged")
	assert.True(t, moved.HasEvent("ERC20Staked"))
}

func TestEventByTopic(t *testing.T) {
	c := newTestContract(t)

	name, ok := c.EventByTopic(c.ABI.Events["ERC20Staked"].ID)
	require.True(t, ok)
	assert.Equal(t, "ERC20Staked", name)

	_, ok = c.EventByTopic(common.HexToHash("0x01"))
	assert.False(t, ok)
}

func TestClientRequiresDial(t *testing.T) {
	client := NewClient(nil, nil, testAccount)
	c := newTestContract(t)
	ctx := context.Background()

	_, err := client.Call(ctx, c, "totalStakes")
	assert.ErrorIs(t, err, ErrNotDialed)

	_, err = client.NetworkID(ctx)
	assert.ErrorIs(t, err, ErrNotDialed)

	_, err = client.Accounts(ctx)
	assert.ErrorIs(t, err, ErrNotDialed)

	assert.Equal(t, testAccount, client.Address())
	assert.False(t, client.CanSign())
}

func TestClientSendWithoutKey(t *testing.T) {
	client := NewClient(nil, nil, testAccount)
	_, err := client.Send(context.Background(), newTestContract(t), "unstake", SendOpts{})
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestClientSubscribeUnknownEvent(t *testing.T) {
	client := NewClient(nil, nil, testAccount)
	_, err := client.Subscribe(context.Background(), newTestContract(t), "Nope")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestMockCallResults(t *testing.T) {
	m := NewMockClient(1337, testAccount)
	c := newTestContract(t)
	ctx := context.Background()

	_, err := m.Call(ctx, c, "totalStakes")
	assert.ErrorIs(t, err, ErrMockNoResult)

	m.SetCallResult(testAddress, "totalStakes", big.NewInt(42))
	out, err := m.Call(ctx, c, "totalStakes")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, big.NewInt(42), out[0])

	// Returned values are copies.
	out[0].(*big.Int).SetInt64(1)
	again, err := m.Call(ctx, c, "totalStakes")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), again[0])

	boom := errors.New("boom")
	m.SetCallError(testAddress, "totalStakes", boom)
	_, err = m.Call(ctx, c, "totalStakes")
	assert.ErrorIs(t, err, boom)

	m.SetCallResult(testAddress, "totalStakes", big.NewInt(7))
	_, err = m.Call(ctx, c, "totalStakes")
	assert.NoError(t, err, "SetCallResult clears the stubbed error")

	assert.Equal(t, 4, m.CallCount(testAddress, "totalStakes"))
}

func TestMockGate(t *testing.T) {
	m := NewMockClient(1337, testAccount)
	c := newTestContract(t)
	m.SetCallResult(testAddress, "totalStakes", big.NewInt(1))

	release := m.Gate(testAddress, "totalStakes")

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Call(context.Background(), c, "totalStakes")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("gated call returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	wg.Wait()

	// A gated call also honours cancellation.
	release = m.Gate(testAddress, "totalStakes")
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Call(ctx, c, "totalStakes")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockSend(t *testing.T) {
	m := NewMockClient(1337, testAccount)
	c := newTestContract(t)

	var hooked []string
	m.OnSend(func(tx SentTransaction) {
		hooked = append(hooked, tx.Method)
		m.SetCallResult(tx.Contract, "totalStakes", big.NewInt(0))
	})

	receipt, err := m.Send(context.Background(), c, "unstake", SendOpts{Value: big.NewInt(5)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Status)

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "unstake", sent[0].Method)
	assert.Equal(t, testAccount, sent[0].From)
	assert.Equal(t, big.NewInt(5), sent[0].Value)
	assert.Equal(t, receipt.TxHash, sent[0].Hash)
	assert.Equal(t, []string{"unstake"}, hooked)

	rejected := errors.New("user rejected")
	m.SetSendError(testAddress, "unstake", rejected)
	_, err = m.Send(context.Background(), c, "unstake", SendOpts{})
	assert.ErrorIs(t, err, rejected)
	assert.Len(t, m.Sent(), 1, "failed sends are not recorded")
}

func TestMockSubscribe(t *testing.T) {
	m := NewMockClient(1337, testAccount)
	c := newTestContract(t)

	_, err := m.Subscribe(context.Background(), c, "Unknown")
	assert.ErrorIs(t, err, ErrUnknownEvent)

	sub, err := m.Subscribe(context.Background(), c, "ERC20Staked")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveSubscriptions())

	assert.Equal(t, 1, m.Emit(testAddress, "ERC20Staked"))
	ev := <-sub.Events()
	assert.Equal(t, "ERC20Staked", ev.Name)
	assert.Equal(t, testAddress, ev.Contract)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, m.ActiveSubscriptions())
	assert.Equal(t, 0, m.Emit(testAddress, "ERC20Staked"))

	_, open := <-sub.Events()
	assert.False(t, open, "events channel closed after unsubscribe")
}

func TestMockNetworkAndAccounts(t *testing.T) {
	m := NewMockClient(42)
	ctx := context.Background()

	id, err := m.NetworkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	accounts, err := m.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	m.SetAccounts(testAccount)
	m.SetNetworkID(7)
	accounts, _ = m.Accounts(ctx)
	id, _ = m.NetworkID(ctx)
	assert.Equal(t, []common.Address{testAccount}, accounts)
	assert.Equal(t, int64(7), id.Int64())
}

func TestLogSubscriptionDeliverSkipsDuplicates(t *testing.T) {
	sub := newLogSubscription(nil, newTestContract(t), "ERC20Staked", ethereum.FilterQuery{})
	defer sub.cancel()
	sub.lastBlock.Store(10)

	// A reconnect backfill re-reads block 10 after part of it was delivered live.
	sub.deliver(ethtypes.Log{BlockNumber: 10, Index: 1})
	sub.deliver(ethtypes.Log{BlockNumber: 10, Index: 1})
	sub.deliver(ethtypes.Log{BlockNumber: 10, Index: 2})
	sub.deliver(ethtypes.Log{BlockNumber: 11, Index: 0})
	sub.deliver(ethtypes.Log{BlockNumber: 11, Index: 0})

	var got []logKey
	for len(sub.events) > 0 {
		ev := <-sub.events
		got = append(got, logKey{block: ev.Log.BlockNumber, index: ev.Log.Index})
		assert.Equal(t, "ERC20Staked", ev.Name)
		assert.Equal(t, testAddress, ev.Contract)
	}
	assert.Equal(t, []logKey{{10, 1}, {10, 2}, {11, 0}}, got)
	assert.Equal(t, uint64(11), sub.lastBlock.Load())
	assert.Len(t, sub.seen, 1, "older blocks are pruned")
}

func TestClassifySubscribeErr(t *testing.T) {
	unsupported := classifySubscribeErr(gethrpc.ErrNotificationsUnsupported)
	assert.True(t, util.IsNonRetryable(unsupported))
	assert.ErrorIs(t, unsupported, gethrpc.ErrNotificationsUnsupported)

	unknown := classifySubscribeErr(fmt.Errorf("Staking.Nope: %w", ErrUnknownEvent))
	assert.True(t, util.IsNonRetryable(unknown))
	assert.ErrorIs(t, unknown, ErrUnknownEvent)

	transient := classifySubscribeErr(errors.New("connection reset"))
	assert.False(t, util.IsNonRetryable(transient))
	assert.True(t, util.DefaultRetryIf()(transient))
	assert.False(t, util.DefaultRetryIf()(unsupported))
}
