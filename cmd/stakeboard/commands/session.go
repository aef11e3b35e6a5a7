package commands

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/stakeboard/stakeboard/internal/chain"
	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/identity"
	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/metrics"
	"github.com/stakeboard/stakeboard/internal/staking"
)

// logOutput receives log records. Command output goes to stdout.
var logOutput io.Writer = os.Stderr

// session is one connected staking service plus the resources behind it.
type session struct {
	cfg     *config.Config
	svc     *staking.Service
	metrics *metrics.PrometheusCollector
	clock   clockwork.Clock
	closers []func()
}

type sessionOptions struct {
	// sign unlocks the wallet so transactions can be sent.
	sign bool
}

// openSession builds the chain client, wires the service and connects it.
// The returned session must be closed.
func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (*session, error) {
	s := &session{
		cfg:     cfg,
		metrics: metrics.NewPrometheusCollector(metrics.NewCollector()),
		clock:   clockwork.NewRealClock(),
	}

	client, err := s.chainClient(ctx, opts)
	if err != nil {
		s.Close()
		return nil, err
	}

	svc, err := staking.NewServiceFromConfig(cfg, client, s.metrics, s.clock)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.svc = svc
	s.closers = append(s.closers, svc.Close)

	if err := svc.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *session) chainClient(ctx context.Context, opts sessionOptions) (staking.ChainClient, error) {
	if s.cfg.Chain.Mock {
		if s.cfg.Chain.StakingAddress == "" {
			s.cfg.Chain.StakingAddress = staking.DemoStakingAddress.Hex()
		}
		contracts, err := staking.NewContracts(common.HexToAddress(s.cfg.Chain.StakingAddress))
		if err != nil {
			return nil, err
		}
		logging.Info("using in-memory demo chain",
			"network_id", s.cfg.Chain.ProductionNetworkID,
			logging.Account(staking.DemoAccount.Hex()),
			logging.Component("cli"))
		return staking.NewDemoChain(s.cfg.Chain.ProductionNetworkID, contracts, nil), nil
	}

	var (
		key  *ecdsa.PrivateKey
		from common.Address
	)
	wallet, err := identity.OpenWallet(s.cfg.Wallet.KeystoreDir, s.cfg.Wallet.Account)
	switch {
	case err == nil:
		from = wallet.Address()
		if opts.sign {
			password, err := identity.ResolvePassword(identity.PasswordOptionsFromConfig(s.cfg.Wallet, isInteractive()))
			if err != nil {
				return nil, fmt.Errorf("failed to unlock wallet: %w", err)
			}
			key, err = wallet.Unlock(password)
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, wallet.Lock)
		}
	case errors.Is(err, identity.ErrNoWallet) && !opts.sign:
		// Read-only session for a configured address without a local key.
		if s.cfg.Wallet.Account != "" {
			from = common.HexToAddress(s.cfg.Wallet.Account)
		}
	default:
		return nil, err
	}

	client := chain.NewClient(chainClientConfig(s.cfg), key, from)
	if err := client.Dial(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", staking.ErrConnection, err)
	}
	s.closers = append(s.closers, client.Close)
	return client, nil
}

// chainClientConfig maps the chain section onto the RPC client settings.
func chainClientConfig(cfg *config.Config) *chain.ClientConfig {
	c := chain.DefaultClientConfig()
	c.RPCURL = cfg.Chain.RPCURL
	c.WSEndpoint = cfg.Chain.WSEndpoint
	c.RateLimit = cfg.Chain.RateLimit
	c.RateLimitBurst = cfg.Chain.RateLimitBurst
	c.BlockConfirmations = cfg.Chain.BlockConfirmations
	if cfg.Chain.GasLimitMultiplier > 0 {
		c.GasLimitMultiplier = cfg.Chain.GasLimitMultiplier
	}
	if cfg.Chain.MaxGasPriceGwei > 0 {
		c.MaxGasPrice = new(big.Int).Mul(big.NewInt(cfg.Chain.MaxGasPriceGwei), big.NewInt(1e9))
	} else {
		c.MaxGasPrice = nil
	}
	return c
}
