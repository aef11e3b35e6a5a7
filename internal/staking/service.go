package staking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/logging"
)

// Service is the boundary the CLI and the API talk to. It owns one
// synchronizer, one dispatcher and the user's pending amount/token input.
type Service struct {
	sync       *Synchronizer
	dispatcher *Dispatcher
	oracle     *Oracle
	registry   *TokenRegistry

	mu       sync.Mutex
	input    EstimateView
	inputGen uint64
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Sync       SynchronizerConfig
	Dispatcher DispatcherConfig
	Registry   *TokenRegistry // default: embedded registry
}

// NewService wires a synchronizer, dispatcher and oracle around cfg.Sync.Client.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		cfg.Registry = DefaultTokenRegistry()
	}
	s, err := NewSynchronizer(cfg.Sync)
	if err != nil {
		return nil, fmt.Errorf("failed to create synchronizer: %w", err)
	}

	def := cfg.Registry.Default()
	svc := &Service{
		sync:       s,
		dispatcher: NewDispatcher(cfg.Dispatcher, s),
		oracle:     NewOracle(s.caller, s.cfg.Contracts.Feed, cfg.Registry),
		registry:   cfg.Registry,
		input: EstimateView{
			Token:  def.Address,
			Symbol: def.Symbol,
		},
	}
	s.SetAllowanceToken(def.Address)

	// A full refresh resets the amount field's error state.
	s.OnPublish(func(snap *Snapshot) {
		if snap.Scope != ScopeFull.String() {
			return
		}
		svc.mu.Lock()
		svc.input.InputError = ""
		svc.mu.Unlock()
	})
	return svc, nil
}

// NewServiceFromConfig builds a Service from the loaded configuration.
func NewServiceFromConfig(cfg *config.Config, client ChainClient, recorder Recorder, clock clockwork.Clock) (*Service, error) {
	contracts, err := NewContracts(common.HexToAddress(cfg.Chain.StakingAddress))
	if err != nil {
		return nil, err
	}
	fund, err := decimal.NewFromString(cfg.Sync.FundAmountETH)
	if err != nil {
		return nil, fmt.Errorf("fund_amount_eth: %w", err)
	}
	approval, err := decimal.NewFromString(cfg.Sync.ApprovalAmount)
	if err != nil {
		return nil, fmt.Errorf("approval_amount: %w", err)
	}

	return NewService(ServiceConfig{
		Sync: SynchronizerConfig{
			Client:          client,
			Contracts:       contracts,
			AllowedNetworks: cfg.Chain.AllowedNetworks(),
			RefreshInterval: cfg.Sync.RefreshInterval(),
			CallTimeout:     cfg.Chain.CallTimeout(),
			TxTimeout:       cfg.Chain.TxTimeout(),
			Clock:           clock,
			Recorder:        recorder,
		},
		Dispatcher: DispatcherConfig{FundAmount: fund, ApprovalAmount: approval},
	})
}

// Connect connects the synchronizer.
func (s *Service) Connect(ctx context.Context) error {
	return s.sync.Connect(ctx)
}

// Close stops the synchronizer.
func (s *Service) Close() {
	s.sync.Close()
}

// State returns the synchronizer's connection state.
func (s *Service) State() ConnState { return s.sync.State() }

// Ready reports whether a full snapshot has been published.
func (s *Service) Ready() bool { return s.sync.Ready() }

// Synchronizer exposes the underlying synchronizer.
func (s *Service) Synchronizer() *Synchronizer { return s.sync }

// Registry returns the token registry.
func (s *Service) Registry() *TokenRegistry { return s.registry }

// Snapshot returns the latest published snapshot.
func (s *Service) Snapshot() *Snapshot { return s.sync.Snapshot() }

// Subscribe streams published snapshots. See Synchronizer.Subscribe.
func (s *Service) Subscribe() (<-chan *Snapshot, func()) { return s.sync.Subscribe() }

// Estimate returns the estimate for the current input.
func (s *Service) Estimate() EstimateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// OnInputChanged records a new amount and token. An invalid amount sets the
// input error and keeps the previous estimate. A token change re-reads the
// allowance through a full refresh. A price feed failure is reported in
// OracleErr and leaves the estimate unchanged.
func (s *Service) OnInputChanged(ctx context.Context, amount string, token common.Address) EstimateView {
	if token == (common.Address{}) {
		token = s.registry.Default().Address
	}

	s.mu.Lock()
	s.inputGen++
	gen := s.inputGen
	tokenChanged := token != s.input.Token
	s.input.Amount = amount
	s.input.Token = token
	s.input.Symbol = s.registry.ResolveSymbol(token)
	s.mu.Unlock()

	if tokenChanged {
		s.sync.SetAllowanceToken(token)
		s.sync.RequestRefresh(ScopeFull)
	}

	parsed, err := ParseAmount(amount)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.inputGen {
			s.input.InputError = InvalidAmountMessage
			s.input.OracleErr = ""
			s.input.Valid = false
		}
		return s.input
	}

	obs, err := s.oracle.FetchPrice(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.inputGen {
		// A newer input superseded this one while the price was fetched.
		return s.input
	}
	s.input.InputError = ""
	if err != nil {
		logging.Warn("price fetch failed", "token", token.Hex(), logging.Err(err))
		s.input.OracleErr = err.Error()
		return s.input
	}
	s.input.OracleErr = ""
	s.input.Estimate = EstimateAnnualReward(parsed, obs).StringFixed(2)
	s.input.Valid = true
	return s.input
}

// Execute runs intent with the current input's token and amount.
func (s *Service) Execute(ctx context.Context, intent Intent) (*ActionResult, error) {
	s.mu.Lock()
	in := s.input
	s.mu.Unlock()

	req := ActionRequest{Intent: intent, Token: in.Token}
	if intent == IntentStake {
		amount, err := ParseAmount(in.Amount)
		if err != nil {
			return nil, err
		}
		req.Amount = amount
	}
	return s.ExecuteRequest(ctx, req)
}

// ExecuteRequest runs req as given, independent of the current input. A zero
// token selects the registry default.
func (s *Service) ExecuteRequest(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if req.Token == (common.Address{}) {
		req.Token = s.registry.Default().Address
	}
	return s.dispatcher.Execute(ctx, req)
}

// Approve approves the selected token.
func (s *Service) Approve(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentApprove)
}

// Stake stakes the entered amount of the selected token.
func (s *Service) Stake(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentStake)
}

// Unstake withdraws the active stake.
func (s *Service) Unstake(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentUnstake)
}

// ClaimReward withdraws the accrued reward.
func (s *Service) ClaimReward(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentClaimReward)
}

// FundRewards funds the reward pool.
func (s *Service) FundRewards(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentFundRewards)
}

// RefundRewards withdraws the reward pool.
func (s *Service) RefundRewards(ctx context.Context) (*ActionResult, error) {
	return s.Execute(ctx, IntentRefundRewards)
}

// Describe renders err for display, using the dashboard's wording for the
// errors the user can act on.
func Describe(err error) string {
	var mismatch *NetworkMismatchError
	var txErr *TransactionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mismatch):
		return mismatch.Error()
	case errors.Is(err, ErrInvalidAmount):
		return InvalidAmountMessage
	case errors.As(err, &txErr):
		return fmt.Sprintf("%s failed: %v", txErr.Intent, txErr.Err)
	default:
		return err.Error()
	}
}
