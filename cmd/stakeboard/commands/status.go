package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/stakeboard/stakeboard/internal/api"
	"github.com/stakeboard/stakeboard/internal/staking"
)

// statusView is the JSON form of status and watch updates.
type statusView struct {
	State    string           `json:"state"`
	Snapshot api.SnapshotView `json:"snapshot"`
	Actions  []string         `json:"actions"`
}

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stake, reward and pool state",
		Long: `Connect, read the staking contract once and print the account's stake,
accrued reward, token allowance and the pool totals.

The contract owner additionally sees the reward pool funds and the admin
actions.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, sessionOptions{})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	defer s.Close()

	return printStatus(cmd, s.svc.State().String(), s.svc.Snapshot(), s.svc.Registry())
}

func printStatus(cmd *cobra.Command, state string, snap *staking.Snapshot, registry *staking.TokenRegistry) error {
	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, statusView{
			State:    state,
			Snapshot: api.NewSnapshotView(snap, registry),
			Actions:  availableIntents(snap, registry.Default().Address),
		})
	}
	fmt.Fprintln(out, renderSnapshot(snap, registry, state))
	return nil
}

// renderSnapshot renders the dashboard cards. The admin card is only shown
// to the contract owner.
func renderSnapshot(snap *staking.Snapshot, registry *staking.TokenRegistry, state string) string {
	stake := "none"
	if snap.HasStake() {
		stake = staking.FormatEther(snap.StakeValue) + " " + registry.ResolveSymbol(snap.StakeToken)
	}

	fields := [][2]string{
		{"Account", snap.Account.Hex()},
		{"Sync", StatusBadge(state)},
		{"Your stake", stake},
	}
	if snap.ShowReward() {
		fields = append(fields, [2]string{"Reward", staking.FormatEtherFixed(snap.StakeReward, 6) + " ETH"})
	}
	fields = append(fields,
		[2]string{"Allowance", staking.FormatEther(snap.Allowance) + " " + tokenLabel(registry, snap.AllowanceToken)},
		[2]string{"Total staked", staking.FormatEther(snap.TotalStakes)},
		[2]string{"Total rewards", staking.FormatEther(snap.TotalRewards) + " ETH"},
		[2]string{"Actions", strings.Join(availableIntents(snap, registry.Default().Address), ", ")},
		[2]string{"Updated", fmt.Sprintf("%s (#%d %s)", snap.UpdatedAt.Format(time.TimeOnly), snap.Sequence, snap.Scope)},
	)

	out := StatusBox("Staking", fields)
	if snap.IsOwner() {
		out += "\n" + StatusBox("Admin", [][2]string{
			{"Reward funds", staking.FormatEther(snap.RewardFunds) + " ETH"},
			{"Actions", strings.Join(adminIntents(snap), ", ")},
		})
	}
	return out
}

func tokenLabel(registry *staking.TokenRegistry, token common.Address) string {
	if token == (common.Address{}) {
		return "-"
	}
	if t, ok := registry.Lookup(token); ok {
		return t.Symbol
	}
	return FormatAddress(token.Hex())
}

// availableIntents lists the user intents whose preconditions hold.
func availableIntents(snap *staking.Snapshot, token common.Address) []string {
	return passing(snap, token, false)
}

// adminIntents lists the owner intents whose preconditions hold.
func adminIntents(snap *staking.Snapshot) []string {
	return passing(snap, common.Address{}, true)
}

func passing(snap *staking.Snapshot, token common.Address, admin bool) []string {
	var names []string
	for _, intent := range staking.Intents() {
		if intent.AdminOnly() != admin {
			continue
		}
		req := staking.ActionRequest{Intent: intent, Token: token, Amount: decimal.NewFromInt(1)}
		if staking.Check(req, snap) == nil {
			names = append(names, intent.String())
		}
	}
	return names
}
