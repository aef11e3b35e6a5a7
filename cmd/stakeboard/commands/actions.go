package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stakeboard/stakeboard/internal/api"
	"github.com/stakeboard/stakeboard/internal/staking"
)

// errConfirmationRequired is returned when a transaction would need an
// interactive confirmation but stdin is not a terminal.
var errConfirmationRequired = errors.New("confirmation required: re-run with --yes")

func NewApproveCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Allow the staking contract to spend a token",
		Long: `Send an ERC-20 approve for the staking contract. The approved amount is
sync.approval_amount whole tokens (default 1 000 000 000).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, staking.IntentApprove, "", token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token symbol or address (default: first registry token)")
	return cmd
}

func NewStakeCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "stake <amount>",
		Short: "Stake an amount of a token",
		Long: `Stake the amount (in whole tokens, decimals allowed) of the selected token.
The staking contract must have been approved for at least that amount.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, staking.IntentStake, args[0], token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token symbol or address (default: first registry token)")
	return cmd
}

func NewUnstakeCmd() *cobra.Command {
	return newSimpleActionCmd(staking.IntentUnstake, "Withdraw the active stake")
}

func NewClaimCmd() *cobra.Command {
	return newSimpleActionCmd(staking.IntentClaimReward, "Withdraw the accrued reward")
}

func NewFundCmd() *cobra.Command {
	return newSimpleActionCmd(staking.IntentFundRewards, "Fund the reward pool (contract owner)")
}

func NewRefundCmd() *cobra.Command {
	return newSimpleActionCmd(staking.IntentRefundRewards, "Withdraw the reward pool (contract owner)")
}

func newSimpleActionCmd(intent staking.Intent, short string) *cobra.Command {
	return &cobra.Command{
		Use:   intent.String(),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, intent, "", "")
		},
	}
}

// actionView is the JSON form of a completed action.
type actionView struct {
	ID       string           `json:"id"`
	Intent   string           `json:"intent"`
	TxHash   string           `json:"tx_hash"`
	Block    uint64           `json:"block"`
	Target   string           `json:"target"`
	Snapshot api.SnapshotView `json:"snapshot"`
}

func runAction(cmd *cobra.Command, intent staking.Intent, amount, tokenFlag string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	msgs := messageWriter(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, sessionOptions{sign: true})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	defer s.Close()

	registry := s.svc.Registry()
	token, err := registry.ParseToken(tokenFlag)
	if err != nil {
		return err
	}

	req := staking.ActionRequest{Intent: intent, Token: token}
	if intent == staking.IntentApprove || intent == staking.IntentStake {
		view := s.svc.OnInputChanged(ctx, amount, token)
		if intent == staking.IntentStake && view.InputError != "" {
			return fmt.Errorf("%s", view.InputError)
		}
		req.Amount, _ = staking.ParseAmount(amount)
	}

	// A token change only schedules the allowance re-read; refresh now so the
	// checks below see it.
	snap, err := s.svc.Synchronizer().Refresh(ctx, staking.ScopeFull)
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}

	if intent.AdminOnly() && !snap.IsOwner() {
		return fmt.Errorf("%s is only available to the contract owner %s", intent, snap.ContractOwner.Hex())
	}
	if err := staking.Check(req, snap); err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	if intent == staking.IntentStake && snap.NeedsApproval(staking.ToWei(req.Amount)) {
		Warning(msgs, fmt.Sprintf("Allowance is %s %s; the stake will revert unless you run 'stakeboard approve' first.",
			staking.FormatEther(snap.Allowance), registry.ResolveSymbol(token)))
	}

	if !AssumeYes {
		ok, err := Confirm(fmt.Sprintf("Send %s transaction?", intent), describeAction(cfg.Sync.FundAmountETH, req, registry))
		if err != nil {
			return err
		}
		if !ok {
			if !isInteractive() {
				return errConfirmationRequired
			}
			Info(msgs, "Cancelled")
			return nil
		}
	}

	var result *staking.ActionResult
	err = WithSpinner(msgs, fmt.Sprintf("Sending %s transaction and waiting for it to be mined", intent), func() error {
		var execErr error
		result, execErr = s.svc.ExecuteRequest(ctx, req)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}

	if jsonOutput() {
		return printJSON(out, actionView{
			ID:       result.ID,
			Intent:   result.Intent,
			TxHash:   result.TxHash.Hex(),
			Block:    result.Block,
			Target:   result.Target.Hex(),
			Snapshot: api.NewSnapshotView(result.Snapshot, registry),
		})
	}

	Success(out, fmt.Sprintf("%s transaction mined", intent))
	fmt.Fprintln(out, StatusBox("Transaction", [][2]string{
		{"Hash", result.TxHash.Hex()},
		{"Block", fmt.Sprintf("%d", result.Block)},
		{"Contract", result.Target.Hex()},
	}))
	fmt.Fprintln(out, renderSnapshot(result.Snapshot, registry, s.svc.State().String()))
	return nil
}

// describeAction summarizes what the transaction will do for the
// confirmation prompt.
func describeAction(fundAmount string, req staking.ActionRequest, registry *staking.TokenRegistry) string {
	switch req.Intent {
	case staking.IntentApprove:
		return fmt.Sprintf("Approve the staking contract to spend %s.", registry.ResolveSymbol(req.Token))
	case staking.IntentStake:
		return fmt.Sprintf("Stake %s %s.", req.Amount.String(), registry.ResolveSymbol(req.Token))
	case staking.IntentUnstake:
		return "Withdraw your whole stake."
	case staking.IntentClaimReward:
		return "Withdraw your accrued reward."
	case staking.IntentFundRewards:
		return fmt.Sprintf("Send %s ETH to the reward pool.", fundAmount)
	case staking.IntentRefundRewards:
		return "Withdraw all reward pool funds to the owner."
	default:
		return ""
	}
}
