package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stakeboard/stakeboard/internal/api"
	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/metrics"
	"github.com/stakeboard/stakeboard/internal/staking"
)

const shutdownTimeout = 30 * time.Second

var (
	serveAddr    string
	serveActions bool
	serveOrigins []string
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard over HTTP and WebSocket",
		Long: `Connect to the chain and serve the dashboard state over HTTP.

  GET  /api/v1/snapshot         current snapshot
  GET  /api/v1/estimate         current reward estimate
  POST /api/v1/input            update amount and token
  GET  /api/v1/tokens           token registry
  GET  /api/v1/stats            client metrics
  POST /api/v1/actions/{name}   send a transaction (api.enable_actions;
                                JSON only, browsers need api.allowed_origins)
  GET  /ws                      snapshot stream
  GET  /health, /metrics

With metrics.addr set, /metrics is also served on that address.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: api.http_addr)")
	cmd.Flags().BoolVar(&serveActions, "enable-actions", false, "Allow transactions through the API")
	cmd.Flags().StringSliceVar(&serveOrigins, "allowed-origin", nil, "Origin allowed to call the API (repeatable; required with --enable-actions)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.HTTPAddr = serveAddr
	}
	if serveActions {
		cfg.API.EnableActions = true
	}
	if len(serveOrigins) > 0 {
		cfg.API.AllowedOrigins = serveOrigins
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, sessionOptions{sign: cfg.API.EnableActions})
	if err != nil {
		return fmt.Errorf("%s", staking.Describe(err))
	}
	defer s.Close()

	serverCfg := api.ServerConfigFromConfig(cfg)
	serverCfg.Version = GetVersion()
	server := api.NewServer(serverCfg, s.svc, s.metrics)
	if err := server.Start(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	Success(out, "Serving on http://"+server.Addr().String())
	if cfg.API.EnableActions {
		Warning(out, "Transactions are enabled on the API; keep it on a trusted network.")
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return watchConfig(ctx, configPath())
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, s.metrics)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down", logging.Component("cli"))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}

// serveMetrics exposes the Prometheus registry on its own listener until ctx
// is done.
func serveMetrics(ctx context.Context, addr string, collector *metrics.PrometheusCollector) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.PrometheusHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("metrics server starting", "addr", ln.Addr().String(), logging.Component("metrics"))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}
