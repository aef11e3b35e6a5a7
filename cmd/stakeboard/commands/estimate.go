package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stakeboard/stakeboard/internal/staking"
)

var estimateToken string

func NewEstimateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate <amount>",
		Short: "Estimate the annual reward for staking an amount",
		Long: `Price the amount through the token's price feed and estimate the annual
reward in ETH from the current pool totals.`,
		Args: cobra.ExactArgs(1),
		RunE: runEstimate,
	}

	cmd.Flags().StringVar(&estimateToken, "token", "", "Token symbol or address (default: first registry token)")

	return cmd
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, sessionOptions{})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	defer s.Close()

	token, err := s.svc.Registry().ParseToken(estimateToken)
	if err != nil {
		return err
	}
	view := s.svc.OnInputChanged(cmd.Context(), args[0], token)

	out := cmd.OutOrStdout()
	if jsonOutput() {
		if err := printJSON(out, view); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, renderEstimate(view))
	}

	switch {
	case view.InputError != "":
		return fmt.Errorf("%s", view.InputError)
	case view.OracleErr != "":
		return fmt.Errorf("price feed: %s", view.OracleErr)
	}
	return nil
}

func renderEstimate(view staking.EstimateView) string {
	estimate := view.Estimate
	switch {
	case view.InputError != "":
		estimate = view.InputError
	case view.OracleErr != "":
		estimate = "unavailable (" + view.OracleErr + ")"
	case estimate == "":
		estimate = "-"
	default:
		estimate += " ETH / year"
	}
	return StatusBox("Estimate", [][2]string{
		{"Amount", view.Amount + " " + view.Symbol},
		{"Annual reward", estimate},
	})
}
