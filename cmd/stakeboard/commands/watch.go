package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stakeboard/stakeboard/internal/api"
	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/staking"
)

var (
	watchAmount string
	watchToken  string
)

func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard",
		Long: `Keep the dashboard open and redraw it whenever a new snapshot is
published: on every refresh tick and on every staking contract event.

With --amount the annual reward estimate for that amount is shown as well.
With --output json one JSON object is written per snapshot.

Press Ctrl+C to exit.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().StringVar(&watchAmount, "amount", "", "Token amount to estimate the annual reward for")
	cmd.Flags().StringVar(&watchToken, "token", "", "Token symbol or address (default: first registry token)")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, sessionOptions{})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	defer s.Close()

	var estimate *staking.EstimateView
	if watchAmount != "" || watchToken != "" {
		token, err := s.svc.Registry().ParseToken(watchToken)
		if err != nil {
			return err
		}
		view := s.svc.OnInputChanged(cmd.Context(), watchAmount, token)
		estimate = &view
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return watchConfig(ctx, configPath())
	})
	g.Go(func() error {
		return renderUpdates(ctx, cmd.OutOrStdout(), s.svc, estimate)
	})
	return g.Wait()
}

// renderUpdates draws the current snapshot and then every published one
// until ctx is done.
func renderUpdates(ctx context.Context, out io.Writer, svc *staking.Service, estimate *staking.EstimateView) error {
	updates, cancel := svc.Subscribe()
	defer cancel()

	draw := func(snap *staking.Snapshot) error {
		state := svc.State().String()
		if jsonOutput() {
			return json.NewEncoder(out).Encode(statusView{
				State:    state,
				Snapshot: api.NewSnapshotView(snap, svc.Registry()),
				Actions:  availableIntents(snap, svc.Registry().Default().Address),
			})
		}
		if isTTY() {
			fmt.Fprint(out, "\033[H\033[2J")
		}
		fmt.Fprintf(out, "%s  %s\n", Logo(), StyleMuted.Render(time.Now().Format(time.TimeOnly)))
		fmt.Fprintln(out, renderSnapshot(snap, svc.Registry(), state))
		if estimate != nil {
			fmt.Fprintln(out, renderEstimate(*estimate))
		}
		fmt.Fprintln(out, Hint("Ctrl+C to exit"))
		return nil
	}

	if err := draw(svc.Snapshot()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := draw(snap); err != nil {
				return err
			}
		}
	}
}

// watchConfig applies log level and format changes while a long-running
// command is open.
func watchConfig(ctx context.Context, path string) error {
	err := config.Watch(ctx, path,
		func(cfg *config.Config) {
			if err := configureLogging(cfg); err != nil {
				logging.Warn("ignoring log settings from reloaded config", logging.Err(err), logging.Component("cli"))
				return
			}
			logging.Info("configuration reloaded", "level", cfg.Log.Level, logging.Component("cli"))
		},
		func(err error) {
			logging.Warn("config reload failed", logging.Err(err), logging.Component("cli"))
		})
	if err != nil {
		// Hot reload is optional; a missing config directory must not end the session.
		logging.Debug("config watch unavailable", logging.Err(err), logging.Component("cli"))
	}
	return nil
}
