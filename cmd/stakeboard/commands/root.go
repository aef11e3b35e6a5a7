package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the stakeboard command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stakeboard",
		Short: "Staking dashboard for the token staking contract",
		Long: `Follow your stake, accrued reward and the pool totals of the staking
contract, estimate annual rewards and send staking transactions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOutputFormat()
		},
	}

	root.PersistentFlags().StringVar(&ConfigPath, "config", "", "Config file (default: $STAKEBOARD_CONFIG or ~/.stakeboard/config.yaml)")
	root.PersistentFlags().StringVarP(&OutputFormat, "output", "o", "", "Output format: json or plain")
	root.PersistentFlags().BoolVarP(&AssumeYes, "yes", "y", false, "Send transactions without asking for confirmation")

	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewEstimateCmd())
	root.AddCommand(NewApproveCmd())
	root.AddCommand(NewStakeCmd())
	root.AddCommand(NewUnstakeCmd())
	root.AddCommand(NewClaimCmd())
	root.AddCommand(NewFundCmd())
	root.AddCommand(NewRefundCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewWalletCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewVersionCmd())

	return root
}
