package staking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakeboard/stakeboard/internal/chain"
	"github.com/stakeboard/stakeboard/internal/logging"
)

// Intent is a user action that results in a transaction.
type Intent int

const (
	IntentApprove Intent = iota
	IntentStake
	IntentUnstake
	IntentClaimReward
	IntentFundRewards
	IntentRefundRewards
)

var intentNames = map[Intent]string{
	IntentApprove:       "approve",
	IntentStake:         "stake",
	IntentUnstake:       "unstake",
	IntentClaimReward:   "claim",
	IntentFundRewards:   "fund",
	IntentRefundRewards: "refund",
}

func (i Intent) String() string {
	if name, ok := intentNames[i]; ok {
		return name
	}
	return fmt.Sprintf("intent(%d)", int(i))
}

// Intents lists every intent in display order.
func Intents() []Intent {
	return []Intent{IntentApprove, IntentStake, IntentUnstake, IntentClaimReward, IntentFundRewards, IntentRefundRewards}
}

// ParseIntent maps a name as returned by Intent.String back to the intent.
func ParseIntent(name string) (Intent, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for intent, n := range intentNames {
		if n == name {
			return intent, nil
		}
	}
	return 0, fmt.Errorf("unknown intent %q", name)
}

// AdminOnly reports whether the intent is only offered to the contract owner.
func (i Intent) AdminOnly() bool {
	return i == IntentFundRewards || i == IntentRefundRewards
}

// ActionRequest carries the inputs of one intent. Token is used by approve and
// stake, Amount by stake.
type ActionRequest struct {
	Intent Intent
	Token  common.Address
	Amount decimal.Decimal
}

// ActionResult describes a mined transaction and the snapshot published by
// the refresh that followed it.
type ActionResult struct {
	ID       string         `json:"id"`
	Intent   string         `json:"intent"`
	TxHash   common.Hash    `json:"tx_hash"`
	Block    uint64         `json:"block"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Target   common.Address `json:"target"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	FundAmount     decimal.Decimal // ETH sent by fund
	ApprovalAmount decimal.Decimal // whole tokens approved
}

// DefaultDispatcherConfig returns 0.1 ETH funding and a 1e9 token approval.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		FundAmount:     decimal.RequireFromString("0.1"),
		ApprovalAmount: decimal.NewFromInt(1_000_000_000),
	}
}

// Dispatcher validates intents against the current snapshot, submits the
// matching transaction and refreshes the synchronizer once it is mined.
type Dispatcher struct {
	cfg       DispatcherConfig
	caller    *caller
	contracts *Contracts
	sync      *Synchronizer
}

// NewDispatcher creates a dispatcher sending through the synchronizer's client.
func NewDispatcher(cfg DispatcherConfig, sync *Synchronizer) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		caller:    sync.caller,
		contracts: sync.cfg.Contracts,
		sync:      sync,
	}
}

// Check returns the precondition error for req against snap, or nil.
func Check(req ActionRequest, snap *Snapshot) error {
	switch req.Intent {
	case IntentApprove:
		if req.Token == (common.Address{}) {
			return ErrNoTokenSelected
		}
	case IntentStake:
		if req.Token == (common.Address{}) {
			return ErrNoTokenSelected
		}
		if !req.Amount.IsPositive() {
			return ErrInvalidAmount
		}
	case IntentUnstake:
		if !snap.HasStake() {
			return ErrNoActiveStake
		}
	case IntentClaimReward:
		if !snap.ShowReward() {
			return ErrNoReward
		}
	case IntentRefundRewards:
		if !snap.HasRewardFunds() {
			return ErrNoRewardFunds
		}
	case IntentFundRewards:
	default:
		return fmt.Errorf("unknown intent %d", int(req.Intent))
	}
	return nil
}

// Execute runs one intent. Precondition failures are returned as-is and send
// nothing. A rejected, failed or reverted transaction is returned as
// *TransactionError and triggers no refresh. A mined transaction triggers
// exactly one full refresh; its failure is logged and does not fail the
// action.
func (d *Dispatcher) Execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if d.sync.State() != Connected {
		return nil, ErrNotConnected
	}
	if err := Check(req, d.sync.Snapshot()); err != nil {
		return nil, err
	}

	contract, method, opts, args := d.transaction(req)
	id := uuid.NewString()
	actor := d.sync.Account().Hex()

	logging.Info("submitting transaction",
		"id", id,
		"intent", req.Intent.String(),
		logging.Account(actor),
		logging.Contract(contract.Address.Hex()))

	receipt, err := d.caller.send(ctx, contract, method, opts, args...)
	if err == nil && receiptFailed(receipt) {
		err = fmt.Errorf("%s: %w", receipt.TxHash.Hex(), chain.ErrReverted)
	}
	d.caller.recorder.RecordTransaction(req.Intent.String(), err)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Operation: req.Intent.String(),
			Actor:     actor,
			Target:    contract.Address.Hex(),
			Result:    "failure",
			Details:   fmt.Sprintf("%s: %v", id, err),
		})
		return nil, &TransactionError{Intent: req.Intent, Err: err}
	}

	logging.Audit(logging.AuditEvent{
		Operation: req.Intent.String(),
		Actor:     actor,
		Target:    contract.Address.Hex(),
		Result:    "success",
		Details:   fmt.Sprintf("%s: %s", id, receipt.TxHash.Hex()),
	})

	result := &ActionResult{
		ID:     id,
		Intent: req.Intent.String(),
		TxHash: receipt.TxHash,
		Target: contract.Address,
	}
	if receipt.BlockNumber != nil {
		result.Block = receipt.BlockNumber.Uint64()
	}

	snap, err := d.sync.Refresh(ctx, ScopeFull)
	if err != nil {
		logging.Warn("refresh after transaction failed",
			"intent", req.Intent.String(),
			logging.TxHash(receipt.TxHash.Hex()),
			logging.Err(err))
		snap = d.sync.Snapshot()
	}
	result.Snapshot = snap
	return result, nil
}

// transaction maps an intent to its contract call.
func (d *Dispatcher) transaction(req ActionRequest) (*chain.Contract, string, chain.SendOpts, []any) {
	staking := d.contracts.Staking
	switch req.Intent {
	case IntentApprove:
		return d.contracts.Token.At(req.Token), methodApprove, chain.SendOpts{},
			[]any{staking.Address, ToWei(d.cfg.ApprovalAmount)}
	case IntentStake:
		return staking, methodStake, chain.SendOpts{}, []any{req.Token, ToWei(req.Amount)}
	case IntentUnstake:
		return staking, methodUnstake, chain.SendOpts{}, nil
	case IntentClaimReward:
		return staking, methodClaimReward, chain.SendOpts{}, nil
	case IntentFundRewards:
		return staking, methodFundRewards, chain.SendOpts{Value: ToWei(d.cfg.FundAmount)}, nil
	default:
		return staking, methodRefundRewards, chain.SendOpts{}, nil
	}
}

// Approve grants the staking contract the configured allowance on token.
func (d *Dispatcher) Approve(ctx context.Context, token common.Address) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentApprove, Token: token})
}

// Stake stakes amount whole tokens of token.
func (d *Dispatcher) Stake(ctx context.Context, token common.Address, amount decimal.Decimal) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentStake, Token: token, Amount: amount})
}

// Unstake withdraws the active stake.
func (d *Dispatcher) Unstake(ctx context.Context) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentUnstake})
}

// ClaimReward withdraws the accrued reward.
func (d *Dispatcher) ClaimReward(ctx context.Context) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentClaimReward})
}

// FundRewards sends the configured amount of ETH to the reward pool.
func (d *Dispatcher) FundRewards(ctx context.Context) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentFundRewards})
}

// RefundRewards withdraws the reward pool to the owner.
func (d *Dispatcher) RefundRewards(ctx context.Context) (*ActionResult, error) {
	return d.Execute(ctx, ActionRequest{Intent: IntentRefundRewards})
}

// IsPrecondition reports whether err is a precondition rejection, as opposed
// to a transaction or connection failure.
func IsPrecondition(err error) bool {
	for _, target := range []error{ErrInvalidAmount, ErrNoTokenSelected, ErrNoActiveStake, ErrNoReward, ErrNoRewardFunds} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// receiptFailed is satisfied by receipts that were mined but reverted.
func receiptFailed(r *types.Receipt) bool {
	return r != nil && r.Status != types.ReceiptStatusSuccessful
}
