package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMockNoResult is returned by MockClient.Call for methods without a stubbed result.
var ErrMockNoResult = errors.New("mock: no result configured")

// SentTransaction records a transaction submitted to a MockClient.
type SentTransaction struct {
	Contract common.Address
	Method   string
	Args     []any
	Value    *big.Int
	From     common.Address
	Hash     common.Hash
}

// MockClient is an in-memory chain used by tests and by mock mode. Reads return
// stubbed results keyed by contract address and method name; transactions are
// recorded and may mutate the stubbed state through an OnSend hook.
type MockClient struct {
	mu        sync.Mutex
	accounts  []common.Address
	networkID *big.Int

	results map[string][]any
	errs    map[string]error
	gates   map[string]chan struct{}
	calls   map[string]int

	sendErrs map[string]error
	sent     []SentTransaction
	onSend   func(tx SentTransaction)

	subscribeErr error
	subs         map[string][]*mockSubscription
}

// NewMockClient returns a mock chain reporting networkID and accounts.
func NewMockClient(networkID int64, accounts ...common.Address) *MockClient {
	return &MockClient{
		accounts:  accounts,
		networkID: big.NewInt(networkID),
		results:   make(map[string][]any),
		errs:      make(map[string]error),
		gates:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
		sendErrs:  make(map[string]error),
		subs:      make(map[string][]*mockSubscription),
	}
}

func mockKey(addr common.Address, name string) string {
	return strings.ToLower(addr.Hex()) + "." + name
}

// SetAccounts replaces the reported accounts.
func (m *MockClient) SetAccounts(accounts ...common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
}

// SetNetworkID replaces the reported network id.
func (m *MockClient) SetNetworkID(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkID = big.NewInt(id)
}

// SetCallResult stubs the outputs of a constant method and clears any stubbed error.
func (m *MockClient) SetCallResult(contract common.Address, method string, values ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey(contract, method)
	m.results[key] = values
	delete(m.errs, key)
}

// SetCallError makes a constant method fail with err. A nil err clears it.
func (m *MockClient) SetCallError(contract common.Address, method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey(contract, method)
	if err == nil {
		delete(m.errs, key)
		return
	}
	m.errs[key] = err
}

// Gate blocks calls to method until the returned release function is called
// or the caller's context ends.
func (m *MockClient) Gate(contract common.Address, method string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.gates[mockKey(contract, method)] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[mockKey(contract, method)] == ch {
				delete(m.gates, mockKey(contract, method))
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// CallCount returns how many times method was called on contract.
func (m *MockClient) CallCount(contract common.Address, method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[mockKey(contract, method)]
}

// SetSendError makes transactions to method fail with err. A nil err clears it.
func (m *MockClient) SetSendError(contract common.Address, method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey(contract, method)
	if err == nil {
		delete(m.sendErrs, key)
		return
	}
	m.sendErrs[key] = err
}

// OnSend installs a hook run after every successful transaction, outside the
// mock's lock, so it may call SetCallResult or Emit.
func (m *MockClient) OnSend(fn func(tx SentTransaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSend = fn
}

// Sent returns the transactions submitted so far.
func (m *MockClient) Sent() []SentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentTransaction, len(m.sent))
	copy(out, m.sent)
	return out
}

// SetSubscribeError makes Subscribe fail with err.
func (m *MockClient) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// ActiveSubscriptions returns the number of subscriptions not yet unsubscribed.
func (m *MockClient) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.subs {
		for _, s := range subs {
			if !s.closed {
				n++
			}
		}
	}
	return n
}

// Emit delivers an event to every live subscription for contract and event.
// It reports how many subscriptions received it.
func (m *MockClient) Emit(contract common.Address, event string) int {
	m.mu.Lock()
	subs := append([]*mockSubscription(nil), m.subs[mockKey(contract, event)]...)
	m.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if s.send(Event{Name: event, Contract: contract}) {
			delivered++
		}
	}
	return delivered
}

// Accounts implements the chain client boundary.
func (m *MockClient) Accounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.Address(nil), m.accounts...), nil
}

// NetworkID implements the chain client boundary.
func (m *MockClient) NetworkID(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.networkID), nil
}

// Call implements the chain client boundary.
func (m *MockClient) Call(ctx context.Context, contract *Contract, method string, args ...any) ([]any, error) {
	key := mockKey(contract.Address, method)

	m.mu.Lock()
	m.calls[key]++
	gate := m.gates[key]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[key]; ok {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, method, err)
	}
	values, ok := m.results[key]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, method, ErrMockNoResult)
	}
	out := make([]any, len(values))
	for i, v := range values {
		if b, isBig := v.(*big.Int); isBig && b != nil {
			v = new(big.Int).Set(b)
		}
		out[i] = v
	}
	return out, nil
}

// Send implements the chain client boundary.
func (m *MockClient) Send(ctx context.Context, contract *Contract, method string, opts SendOpts, args ...any) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	key := mockKey(contract.Address, method)
	if err, ok := m.sendErrs[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, method, err)
	}

	var from common.Address
	if len(m.accounts) > 0 {
		from = m.accounts[0]
	}
	tx := SentTransaction{
		Contract: contract.Address,
		Method:   method,
		Args:     args,
		Value:    opts.Value,
		From:     from,
		Hash:     crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d", key, len(m.sent)))),
	}
	m.sent = append(m.sent, tx)
	hook := m.onSend
	m.mu.Unlock()

	if hook != nil {
		hook(tx)
	}

	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash,
		BlockNumber: big.NewInt(int64(len(m.Sent()))),
	}, nil
}

// Subscribe implements the chain client boundary.
func (m *MockClient) Subscribe(ctx context.Context, contract *Contract, event string) (Subscription, error) {
	if !contract.HasEvent(event) {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, event, ErrUnknownEvent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	s := &mockSubscription{
		events: make(chan Event, eventChannelBuffer),
		errs:   make(chan error, 1),
		owner:  m,
	}
	key := mockKey(contract.Address, event)
	m.subs[key] = append(m.subs[key], s)
	return s, nil
}

type mockSubscription struct {
	owner  *MockClient
	events chan Event
	errs   chan error
	closed bool // guarded by owner.mu
}

func (s *mockSubscription) Events() <-chan Event { return s.events }

func (s *mockSubscription) Err() <-chan error { return s.errs }

func (s *mockSubscription) Unsubscribe() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *mockSubscription) send(ev Event) bool {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
