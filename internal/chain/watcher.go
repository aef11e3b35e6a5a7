package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/util"
)

const eventChannelBuffer = 64

// logKey identifies a log within the chain.
type logKey struct {
	block uint64
	index uint
}

// logSubscription delivers one contract event either from a websocket log
// subscription (with reconnect and backfill) or by polling eth_getLogs.
type logSubscription struct {
	client   *Client
	contract *Contract
	event    string
	query    ethereum.FilterQuery

	events chan Event
	errs   chan error

	lastBlock atomic.Uint64
	seenMu    sync.Mutex
	seen      map[logKey]struct{} // delivered logs at or above lastBlock
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
	once      sync.Once
}

func newLogSubscription(c *Client, contract *Contract, event string, query ethereum.FilterQuery) *logSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &logSubscription{
		client:   c,
		contract: contract,
		event:    event,
		query:    query,
		events:   make(chan Event, eventChannelBuffer),
		errs:     make(chan error, 1),
		seen:     make(map[logKey]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *logSubscription) start() {
	name := "subscription-" + s.event
	if s.client.config.WSEndpoint != "" {
		util.GoTracked(&s.wg, name, s.subscribeWithReconnect)
	} else {
		util.GoTracked(&s.wg, name, s.poll)
	}
}

func (s *logSubscription) Events() <-chan Event { return s.events }

func (s *logSubscription) Err() <-chan error { return s.errs }

// Unsubscribe stops delivery and waits for the worker goroutine. Events is
// closed afterwards so consumers ranging over it unblock.
func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// deliver forwards log once. Logs already delivered are skipped, so the
// backfill may overlap the live stream.
func (s *logSubscription) deliver(log ethtypes.Log) {
	key := logKey{block: log.BlockNumber, index: log.Index}
	s.seenMu.Lock()
	if _, dup := s.seen[key]; dup {
		s.seenMu.Unlock()
		return
	}
	if log.BlockNumber > s.lastBlock.Load() {
		s.lastBlock.Store(log.BlockNumber)
		for k := range s.seen {
			if k.block < log.BlockNumber {
				delete(s.seen, k)
			}
		}
	}
	s.seen[key] = struct{}{}
	s.seenMu.Unlock()

	ev := Event{Name: s.event, Contract: s.contract.Address, Log: log}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		logging.Warn("event channel full, dropping", "event", s.event)
	}
}

func (s *logSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// subscribeWithReconnect keeps a websocket subscription alive until the
// subscription is cancelled, backfilling any blocks missed while it was down.
func (s *logSubscription) subscribeWithReconnect() {
	ctx := s.ctx
	for {
		logs := make(chan ethtypes.Log, 16)
		var ws *ethclient.Client
		sub, result := util.RetryWithValue(ctx, s.client.config.RetryConfig, func() (ethereum.Subscription, error) {
			client, err := s.client.currentWS(ctx)
			if err != nil {
				logging.Warn("websocket reconnect failed", "event", s.event, logging.Err(err))
				return nil, err
			}
			ws = client
			s.backfill(ctx)
			sub, err := client.SubscribeFilterLogs(ctx, s.query, logs)
			if err != nil {
				logging.Warn("subscribe failed", "event", s.event, logging.Err(err))
				s.client.dropWS(client)
				return nil, classifySubscribeErr(err)
			}
			return sub, nil
		})
		if result.LastError != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(result.LastError, gethrpc.ErrNotificationsUnsupported) {
				logging.Info("endpoint has no log subscriptions, polling instead", "event", s.event)
				s.poll()
				return
			}
			s.fail(result.LastError)
			return
		}

		logging.Debug("subscribed to contract event", "event", s.event, "attempts", result.Attempts)

		if done := s.processEvents(ctx, sub, logs); done {
			sub.Unsubscribe()
			return
		}
		sub.Unsubscribe()
		s.client.dropWS(ws)
	}
}

// classifySubscribeErr marks subscribe failures that another attempt cannot
// fix as non-retryable.
func classifySubscribeErr(err error) error {
	if errors.Is(err, gethrpc.ErrNotificationsUnsupported) || errors.Is(err, ErrUnknownEvent) {
		return util.MarkNonRetryable(err)
	}
	return err
}

// processEvents reads logs until the subscription errors or ctx is done.
// Returns true if ctx was cancelled (should stop), false if the subscription
// errored (should reconnect).
func (s *logSubscription) processEvents(ctx context.Context, sub ethereum.Subscription, logs <-chan ethtypes.Log) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case err := <-sub.Err():
			if err != nil {
				logging.Warn("subscription error", "event", s.event, logging.Err(err))
			}
			return false
		case log := <-logs:
			if log.Removed {
				continue
			}
			s.deliver(log)
		}
	}
}

// backfill queries logs from the last seen block to cover a subscription
// gap. The last block itself is re-read because the connection may have
// dropped part way through its logs.
func (s *logSubscription) backfill(ctx context.Context) {
	last := s.lastBlock.Load()
	if last == 0 {
		return
	}
	rpc, err := s.client.rpcClient()
	if err != nil {
		return
	}

	query := s.query
	query.FromBlock = new(big.Int).SetUint64(last)

	logs, err := rpc.FilterLogs(ctx, query)
	if err != nil {
		logging.Warn("event backfill failed", "event", s.event, logging.Err(err))
		return
	}
	for _, log := range logs {
		if !log.Removed {
			s.deliver(log)
		}
	}
}

// poll fetches new logs every PollInterval for nodes without a websocket.
func (s *logSubscription) poll() {
	ctx := s.ctx
	ticker := time.NewTicker(s.client.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rpc, err := s.client.rpcClient()
		if err != nil {
			s.fail(err)
			return
		}
		head, err := rpc.BlockNumber(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.Debug("poll: block number failed", "event", s.event, logging.Err(err))
			}
			continue
		}
		last := s.lastBlock.Load()
		if head <= last {
			continue
		}

		query := s.query
		query.FromBlock = new(big.Int).SetUint64(last + 1)
		query.ToBlock = new(big.Int).SetUint64(head)
		logs, err := rpc.FilterLogs(ctx, query)
		if err != nil {
			logging.Debug("poll: get logs failed", "event", s.event, logging.Err(err))
			continue
		}
		for _, log := range logs {
			if !log.Removed {
				s.deliver(log)
			}
		}
		s.lastBlock.Store(head)
	}
}
