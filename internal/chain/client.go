package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/util"
)

// ClientConfig holds configuration for the RPC client
type ClientConfig struct {
	RPCURL             string
	WSEndpoint         string // optional; log polling is used without it
	RateLimit          float64
	RateLimitBurst     int
	BlockConfirmations int
	GasLimitMultiplier float64 // Multiplier for estimated gas (default: 1.2)
	MaxGasPrice        *big.Int
	PollInterval       time.Duration // log polling period when no websocket is configured
	RetryConfig        *util.RetryConfig
}

// DefaultClientConfig returns sensible defaults for a local development node.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RPCURL:             "http://127.0.0.1:8545",
		RateLimit:          20,
		RateLimitBurst:     10,
		GasLimitMultiplier: 1.2,
		MaxGasPrice:        big.NewInt(100e9), // 100 gwei
		PollInterval:       5 * time.Second,
		RetryConfig:        util.DefaultRetryConfig(),
	}
}

// Client talks to an Ethereum JSON-RPC node through go-ethereum's ethclient.
type Client struct {
	config     *ClientConfig
	privateKey *ecdsa.PrivateKey
	from       common.Address
	limiter    *rate.Limiter

	mu       sync.RWMutex
	rpc      *ethclient.Client
	wsClient *ethclient.Client

	// Transactions are submitted one at a time so pending nonces never collide.
	sendMu sync.Mutex
}

// NewClient creates a client. privateKey may be nil for a read-only session,
// in which case from identifies the account whose state is read.
func NewClient(config *ClientConfig, privateKey *ecdsa.PrivateKey, from common.Address) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.RetryConfig == nil {
		config.RetryConfig = util.DefaultRetryConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}

	c := &Client{
		config:     config,
		privateKey: privateKey,
		from:       from,
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	if privateKey != nil {
		c.from = crypto.PubkeyToAddress(privateKey.PublicKey)
	}
	if config.RateLimit > 0 {
		burst := config.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return c
}

// Dial connects to the RPC endpoint and, when configured, the websocket
// endpoint. A websocket failure is only logged; subscriptions redial it.
func (c *Client) Dial(ctx context.Context) error {
	rpc, err := ethclient.DialContext(ctx, c.config.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.RPCURL, err)
	}

	var ws *ethclient.Client
	if c.config.WSEndpoint != "" {
		ws, err = ethclient.DialContext(ctx, c.config.WSEndpoint)
		if err != nil {
			logging.Warn("websocket endpoint unavailable, subscriptions will redial",
				"endpoint", c.config.WSEndpoint, logging.Err(err))
			ws = nil
		}
	}

	c.mu.Lock()
	c.rpc = rpc
	c.wsClient = ws
	c.mu.Unlock()
	return nil
}

// Close closes all connections
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}

// Address returns the account used as sender and as the subject of reads.
func (c *Client) Address() common.Address {
	return c.from
}

// CanSign reports whether a private key is loaded.
func (c *Client) CanSign() bool {
	return c.privateKey != nil
}

func (c *Client) rpcClient() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpc == nil {
		return nil, ErrNotDialed
	}
	return c.rpc, nil
}

// Accounts returns the configured account, or nothing for an anonymous session.
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	if _, err := c.rpcClient(); err != nil {
		return nil, err
	}
	if c.from == (common.Address{}) {
		return nil, nil
	}
	return []common.Address{c.from}, nil
}

// NetworkID returns the node's network identifier (net_version).
func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	rpc, err := c.rpcClient()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	id, err := rpc.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get network id: %w", err)
	}
	return id, nil
}

// Call executes a constant method and returns its unpacked outputs.
func (c *Client) Call(ctx context.Context, contract *Contract, method string, args ...any) ([]any, error) {
	rpc, err := c.rpcClient()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(contract.Address, contract.ABI, rpc, rpc, rpc)
	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx, From: c.from}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, method, err)
	}
	return out, nil
}

// Send signs and submits a transaction, then waits for it to be mined and
// confirmed. A reverted transaction is returned together with ErrReverted.
func (c *Client) Send(ctx context.Context, contract *Contract, method string, opts SendOpts, args ...any) (*types.Receipt, error) {
	if c.privateKey == nil {
		return nil, ErrNoSigner
	}
	rpc, err := c.rpcClient()
	if err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	auth, err := c.transactOpts(ctx, rpc, contract, method, opts, args...)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(contract.Address, contract.ABI, rpc, rpc, rpc)
	tx, err := bound.Transact(auth, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, method, err)
	}

	logging.Info("transaction submitted",
		logging.Contract(contract.Address.Hex()),
		"method", method,
		logging.TxHash(tx.Hash().Hex()))

	return c.waitForTransaction(ctx, rpc, tx)
}

func (c *Client) transactOpts(ctx context.Context, rpc *ethclient.Client, contract *Contract, method string, opts SendOpts, args ...any) (*bind.TransactOpts, error) {
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.Value = opts.Value

	gasPrice, err := rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.config.MaxGasPrice != nil && c.config.MaxGasPrice.Sign() > 0 && gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
		gasPrice = c.config.MaxGasPrice
	}
	auth.GasPrice = gasPrice

	auth.GasLimit = opts.GasLimit
	if auth.GasLimit == 0 && c.config.GasLimitMultiplier > 1 {
		data, err := contract.ABI.Pack(method, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to pack %s: %w", method, err)
		}
		gas, err := rpc.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.from,
			To:    &contract.Address,
			Value: opts.Value,
			Data:  data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas for %s: %w", method, err)
		}
		auth.GasLimit = uint64(float64(gas) * c.config.GasLimitMultiplier)
	}

	return auth, nil
}

// waitForTransaction waits for a transaction to be mined and confirmed
func (c *Client) waitForTransaction(ctx context.Context, rpc *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, rpc, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction %s: %w", tx.Hash().Hex(), err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}

	if c.config.BlockConfirmations > 0 {
		targetBlock := receipt.BlockNumber.Uint64() + uint64(c.config.BlockConfirmations)
		for {
			if !util.SleepContext(ctx, 2*time.Second) {
				return receipt, ctx.Err()
			}
			currentBlock, err := rpc.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if currentBlock >= targetBlock {
				break
			}
		}
	}

	return receipt, nil
}

// Subscribe streams the named contract event. With a websocket endpoint the
// stream is a log subscription that re-subscribes with backoff and backfills
// the gap; without one the node is polled with eth_getLogs.
func (c *Client) Subscribe(ctx context.Context, contract *Contract, event string) (Subscription, error) {
	ev, ok := contract.ABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", contract.Name, event, ErrUnknownEvent)
	}
	rpc, err := c.rpcClient()
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract.Address},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	sub := newLogSubscription(c, contract, event, query)
	if head, err := rpc.BlockNumber(ctx); err == nil {
		sub.lastBlock.Store(head)
	}
	sub.start()
	return sub, nil
}

// currentWS returns the websocket client, redialing it when a previous
// subscription dropped the connection.
func (c *Client) currentWS(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	ws := c.wsClient
	c.mu.RUnlock()
	if ws != nil {
		return ws, nil
	}

	ws, err := ethclient.DialContext(ctx, c.config.WSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect websocket: %w", err)
	}

	c.mu.Lock()
	if c.wsClient != nil {
		c.mu.Unlock()
		ws.Close()
		return c.currentWS(ctx)
	}
	c.wsClient = ws
	c.mu.Unlock()
	return ws, nil
}

// dropWS discards a websocket connection after a subscription error.
func (c *Client) dropWS(ws *ethclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsClient == ws && ws != nil {
		ws.Close()
		c.wsClient = nil
	}
}
