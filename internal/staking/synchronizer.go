package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/stakeboard/stakeboard/internal/chain"
	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/util"
)

// ConnState is the synchronizer lifecycle state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const defaultRequestQueue = 16

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	Client          ChainClient
	Contracts       *Contracts
	AllowedNetworks []int64
	RefreshInterval time.Duration
	CallTimeout     time.Duration
	TxTimeout       time.Duration
	Clock           clockwork.Clock
	Recorder        Recorder
	RequestQueue    int // buffered refresh requests (default 16)
}

// Validate checks required fields and fills defaults.
func (cfg *SynchronizerConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("chain client is required")
	}
	if cfg.Contracts == nil {
		return errors.New("contracts are required")
	}
	if len(cfg.AllowedNetworks) == 0 {
		return errors.New("at least one allowed network is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.RequestQueue <= 0 {
		cfg.RequestQueue = defaultRequestQueue
	}
	return nil
}

// Synchronizer owns the published Snapshot. It refreshes it after Connect,
// on every tick of the refresh interval and whenever the staking contract
// emits one of RefreshEvents.
//
// Refresh passes may overlap. Each takes a sequence number when it starts and
// its result is published only if no pass with a higher number has been
// published already.
type Synchronizer struct {
	cfg    SynchronizerConfig
	caller *caller

	state   atomic.Int32
	closed  atomic.Bool
	account atomic.Pointer[common.Address]
	token   atomic.Pointer[common.Address] // allowance token

	current atomic.Pointer[Snapshot]
	hasFull atomic.Bool
	seq     atomic.Uint64

	// publishMu serializes publication, listener changes and teardown.
	publishMu sync.Mutex
	published uint64
	lastFull  uint64 // sequence of the last published full pass
	listeners map[int]chan *Snapshot
	nextID    int
	hooks     []func(*Snapshot)

	requests chan Scope

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	subs        []chain.Subscription
	wg          sync.WaitGroup
}

// NewSynchronizer creates a disconnected synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Synchronizer{
		cfg: cfg,
		caller: &caller{
			client:      cfg.Client,
			timeout:     cfg.CallTimeout,
			sendTimeout: cfg.TxTimeout,
			recorder:    cfg.Recorder,
		},
		listeners: make(map[int]chan *Snapshot),
		requests:  make(chan Scope, cfg.RequestQueue),
	}
	s.current.Store(emptySnapshot())
	return s, nil
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() ConnState {
	return ConnState(s.state.Load())
}

// Account returns the account resolved by Connect.
func (s *Synchronizer) Account() common.Address {
	if a := s.account.Load(); a != nil {
		return *a
	}
	return common.Address{}
}

// Snapshot returns the latest published snapshot. Callers must not modify it.
func (s *Synchronizer) Snapshot() *Snapshot {
	return s.current.Load()
}

// Ready reports whether a full snapshot has been published.
func (s *Synchronizer) Ready() bool {
	return s.hasFull.Load()
}

// SetAllowanceToken selects the token whose allowance full refreshes read.
func (s *Synchronizer) SetAllowanceToken(token common.Address) {
	s.token.Store(&token)
}

// AllowanceToken returns the token whose allowance full refreshes read.
func (s *Synchronizer) AllowanceToken() common.Address {
	if t := s.token.Load(); t != nil {
		return *t
	}
	return common.Address{}
}

// Subscribe returns a channel receiving every published snapshot and a
// function that cancels the subscription. The channel holds only the latest
// undelivered snapshot; slow readers skip intermediate ones.
func (s *Synchronizer) Subscribe() (<-chan *Snapshot, func()) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	ch := make(chan *Snapshot, 1)
	if s.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.publishMu.Lock()
			defer s.publishMu.Unlock()
			if _, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(ch)
			}
		})
	}
}

// OnPublish registers fn to run after every publication, before listeners are
// notified. Hooks run with the publication lock held and must not block.
func (s *Synchronizer) OnPublish(fn func(*Snapshot)) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Connect resolves the account and network, subscribes to contract events,
// starts the refresh ticker and runs the initial full refresh. On a network
// outside AllowedNetworks it returns *NetworkMismatchError and stays
// Disconnected without starting anything. A failed initial refresh is logged;
// the ticker retries it with a full pass.
func (s *Synchronizer) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: synchronizer closed", ErrConnection)
	}
	if !s.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return fmt.Errorf("%w: already %s", ErrConnection, s.State())
	}

	account, err := s.resolveIdentity(ctx)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return err
	}
	s.account.Store(&account)

	loopCtx, cancel := context.WithCancel(context.Background())
	subs, err := s.subscribe(loopCtx)
	if err != nil {
		cancel()
		s.state.Store(int32(Disconnected))
		return err
	}

	s.lifecycleMu.Lock()
	if s.closed.Load() {
		s.lifecycleMu.Unlock()
		cancel()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return fmt.Errorf("%w: synchronizer closed", ErrConnection)
	}
	s.cancel = cancel
	s.subs = subs
	ticker := s.cfg.Clock.NewTicker(s.cfg.RefreshInterval)
	util.GoTracked(&s.wg, "sync-loop", func() { s.loop(loopCtx, ticker) })
	for _, sub := range subs {
		sub := sub
		util.GoTracked(&s.wg, "sync-events", func() { s.forwardEvents(loopCtx, sub) })
	}
	s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		return fmt.Errorf("%w: synchronizer closed", ErrConnection)
	}
	logging.Info("synchronizer connected",
		logging.Account(account.Hex()),
		logging.Contract(s.cfg.Contracts.Staking.Address.Hex()),
		"subscriptions", len(subs),
		"interval", s.cfg.RefreshInterval.String())

	if _, err := s.Refresh(ctx, ScopeFull); err != nil {
		logging.Warn("initial refresh failed", logging.Err(err))
	}
	return nil
}

func (s *Synchronizer) resolveIdentity(ctx context.Context) (common.Address, error) {
	callCtx, cancel := withTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	accounts, err := s.cfg.Client.Accounts(callCtx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: accounts: %w", ErrConnection, timeoutErr(ctx, callCtx, "accounts", err))
	}
	if len(accounts) == 0 {
		return common.Address{}, fmt.Errorf("%w: no accounts available", ErrConnection)
	}

	networkID, err := s.cfg.Client.NetworkID(callCtx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: network id: %w", ErrConnection, timeoutErr(ctx, callCtx, "network id", err))
	}
	if !s.networkAllowed(networkID) {
		logging.Warn("wrong network", "network_id", networkID.String(), "allowed", s.cfg.AllowedNetworks)
		return common.Address{}, &NetworkMismatchError{NetworkID: networkID, Allowed: s.cfg.AllowedNetworks}
	}
	return accounts[0], nil
}

func (s *Synchronizer) networkAllowed(id *big.Int) bool {
	for _, allowed := range s.cfg.AllowedNetworks {
		if id.IsInt64() && id.Int64() == allowed {
			return true
		}
	}
	return false
}

func (s *Synchronizer) subscribe(ctx context.Context) ([]chain.Subscription, error) {
	staking := s.cfg.Contracts.Staking
	events := append([]string(nil), RefreshEvents...)
	if staking.HasEvent(EventRewardsDistributed) {
		events = append(events, EventRewardsDistributed)
	}

	subs := make([]chain.Subscription, 0, len(events))
	for _, name := range events {
		sub, err := s.cfg.Client.Subscribe(ctx, staking, name)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, fmt.Errorf("%w: subscribe %s: %w", ErrConnection, name, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Close cancels the ticker and subscriptions and waits for background work.
// Nothing is published after Close returns, and subscriber channels are closed.
func (s *Synchronizer) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.publishMu.Lock()
	s.state.Store(int32(Disconnected))
	s.publishMu.Unlock()

	s.lifecycleMu.Lock()
	cancel, subs := s.cancel, s.subs
	s.cancel, s.subs = nil, nil
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()

	s.publishMu.Lock()
	for id, ch := range s.listeners {
		close(ch)
		delete(s.listeners, id)
	}
	s.publishMu.Unlock()

	logging.Info("synchronizer closed")
}

// RequestRefresh queues a refresh for the loop goroutine without waiting for
// it. Requests are dropped when the queue is full or the synchronizer is not
// connected.
func (s *Synchronizer) RequestRefresh(scope Scope) bool {
	if s.State() != Connected {
		return false
	}
	select {
	case s.requests <- scope:
		return true
	default:
		logging.Warn("refresh queue full, dropping request", "scope", scope.String())
		return false
	}
}

func (s *Synchronizer) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			scope := ScopePartial
			if !s.hasFull.Load() {
				scope = ScopeFull
			}
			s.safeRefresh(ctx, scope)
		case scope := <-s.requests:
			s.safeRefresh(ctx, s.coalesce(scope))
		}
	}
}

// coalesce drains queued requests; a pending full request absorbs partial ones.
func (s *Synchronizer) coalesce(scope Scope) Scope {
	for {
		select {
		case next := <-s.requests:
			if next == ScopeFull {
				scope = ScopeFull
			}
		default:
			return scope
		}
	}
}

func (s *Synchronizer) safeRefresh(ctx context.Context, scope Scope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("refresh panicked", "scope", scope.String(), "panic", r)
		}
	}()

	if _, err := s.Refresh(ctx, scope); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotConnected) {
			return
		}
		logging.Warn("refresh failed", "scope", scope.String(), logging.Err(err))
	}
}

func (s *Synchronizer) forwardEvents(ctx context.Context, sub chain.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			logging.Debug("contract event", "event", ev.Name, "block", ev.Log.BlockNumber)
			if !isRefreshEvent(ev.Name) {
				logging.Debug("event not managed", "event", ev.Name)
				continue
			}
			s.RequestRefresh(ScopeFull)
		case err := <-sub.Err():
			if err != nil && ctx.Err() == nil {
				logging.Warn("event subscription ended", logging.Err(err))
			}
			return
		}
	}
}

func isRefreshEvent(name string) bool {
	if name == EventRewardsDistributed {
		return true
	}
	for _, ev := range RefreshEvents {
		if ev == name {
			return true
		}
	}
	return false
}

// Refresh reads the fields selected by scope as one batch and publishes the
// result. If any read fails nothing is published and the error is returned.
// If a pass that started later has already been published the result is
// discarded and the current snapshot returned. A discarded full pass that was
// only overtaken by partial passes queues another full pass.
func (s *Synchronizer) Refresh(ctx context.Context, scope Scope) (*Snapshot, error) {
	if s.State() != Connected {
		return nil, ErrNotConnected
	}

	seq := s.seq.Add(1)
	start := s.cfg.Clock.Now()
	account := s.Account()

	var build func(prev *Snapshot) *Snapshot
	var err error
	if scope == ScopeFull {
		build, err = s.readFull(ctx, account)
	} else {
		build, err = s.readPartial(ctx, account)
	}

	s.cfg.Recorder.RecordRefresh(scope.String(), s.cfg.Clock.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s refresh: %w", scope, err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	snap, ok := s.publish(seq, scope, build)
	if !ok {
		if s.State() != Connected {
			return nil, ErrNotConnected
		}
		s.cfg.Recorder.RecordStaleDiscard(scope.String())
		logging.Debug("discarding stale refresh", "scope", scope.String(), "seq", seq)
		current := s.Snapshot()
		if scope == ScopeFull && !s.fullSince(seq) {
			s.RequestRefresh(ScopeFull)
		}
		return current, nil
	}
	return snap, nil
}

func (s *Synchronizer) readFull(ctx context.Context, account common.Address) (func(*Snapshot) *Snapshot, error) {
	staking := s.cfg.Contracts.Staking
	token := s.AllowanceToken()

	var (
		owner, stakeToken                                     common.Address
		stakeValue, totalStakes, totalRewards, reward, funds *big.Int
		allowance                                             = new(big.Int)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		owner, err = s.caller.callAddress(gctx, staking, methodOwner)
		return err
	})
	g.Go(func() (err error) {
		stakeValue, err = s.caller.callBig(gctx, staking, methodStakeOf, account)
		return err
	})
	g.Go(func() (err error) {
		stakeToken, err = s.caller.callAddress(gctx, staking, methodStakeTokenOf, account)
		return err
	})
	g.Go(func() (err error) {
		totalStakes, err = s.caller.callBig(gctx, staking, methodTotalStakes)
		return err
	})
	g.Go(func() (err error) {
		totalRewards, err = s.caller.callBig(gctx, staking, methodTotalRewards)
		return err
	})
	g.Go(func() (err error) {
		reward, err = s.caller.callBig(gctx, staking, methodCalculateReward, account)
		return err
	})
	g.Go(func() (err error) {
		funds, err = s.caller.callBig(gctx, staking, methodRewardFunds)
		return err
	})
	if token != (common.Address{}) {
		g.Go(func() (err error) {
			allowance, err = s.caller.callBig(gctx, s.cfg.Contracts.Token.At(token), methodAllowance, account, staking.Address)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return func(*Snapshot) *Snapshot {
		return &Snapshot{
			Account:        account,
			ContractOwner:  owner,
			StakeValue:     stakeValue,
			StakeToken:     stakeToken,
			TotalStakes:    totalStakes,
			TotalRewards:   totalRewards,
			StakeReward:    reward,
			RewardFunds:    funds,
			Allowance:      allowance,
			AllowanceToken: token,
		}
	}, nil
}

func (s *Synchronizer) readPartial(ctx context.Context, account common.Address) (func(*Snapshot) *Snapshot, error) {
	staking := s.cfg.Contracts.Staking
	var reward, totalStakes, totalRewards *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		reward, err = s.caller.callBig(gctx, staking, methodCalculateReward, account)
		return err
	})
	g.Go(func() (err error) {
		totalStakes, err = s.caller.callBig(gctx, staking, methodTotalStakes)
		return err
	})
	g.Go(func() (err error) {
		totalRewards, err = s.caller.callBig(gctx, staking, methodTotalRewards)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Partial fields land on whatever is published at publication time, so a
	// full pass that finished in between keeps its other fields.
	return func(prev *Snapshot) *Snapshot {
		return prev.withPartial(reward, totalStakes, totalRewards)
	}, nil
}

// fullSince reports whether a full pass numbered seq or later was published.
func (s *Synchronizer) fullSince(seq uint64) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	return s.lastFull >= seq
}

// publish stores the snapshot built from the currently published one if seq
// is newer than the last published sequence and the synchronizer is still
// connected.
func (s *Synchronizer) publish(seq uint64, scope Scope, build func(prev *Snapshot) *Snapshot) (*Snapshot, bool) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.State() != Connected || seq <= s.published {
		return nil, false
	}

	next := build(s.current.Load())
	next.Account = s.Account()
	next.Sequence = seq
	next.Scope = scope.String()
	next.UpdatedAt = s.cfg.Clock.Now()

	s.current.Store(next)
	s.published = seq
	if scope == ScopeFull {
		s.hasFull.Store(true)
		s.lastFull = seq
	}
	s.cfg.Recorder.RecordPublished(seq)

	for _, hook := range s.hooks {
		hook(next)
	}
	for _, ch := range s.listeners {
		select {
		case ch <- next:
		default:
			// Replace the undelivered snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}

	logging.Debug("snapshot published", "scope", scope.String(), "seq", seq)
	return next, true
}
