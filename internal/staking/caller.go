package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stakeboard/stakeboard/internal/chain"
)

// ChainClient is the chain access the staking core needs. *chain.Client and
// *chain.MockClient implement it.
type ChainClient interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, c *chain.Contract, method string, args ...any) ([]any, error)
	Send(ctx context.Context, c *chain.Contract, method string, opts chain.SendOpts, args ...any) (*types.Receipt, error)
	Subscribe(ctx context.Context, c *chain.Contract, event string) (chain.Subscription, error)
}

// Recorder receives operational measurements. *metrics.PrometheusCollector
// implements it.
type Recorder interface {
	RecordChainCall(method string, d time.Duration, err error)
	RecordRefresh(scope string, d time.Duration, err error)
	RecordPublished(seq uint64)
	RecordStaleDiscard(scope string)
	RecordTransaction(intent string, err error)
	RecordOracleFetch(err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordChainCall(string, time.Duration, error) {}
func (nopRecorder) RecordRefresh(string, time.Duration, error)   {}
func (nopRecorder) RecordPublished(uint64)                       {}
func (nopRecorder) RecordStaleDiscard(string)                    {}
func (nopRecorder) RecordTransaction(string, error)              {}
func (nopRecorder) RecordOracleFetch(error)                      {}

// caller applies the per-call deadline and records every read and write.
type caller struct {
	client      ChainClient
	timeout     time.Duration // reads
	sendTimeout time.Duration // submit + mining
	recorder    Recorder
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutErr converts a deadline hit by the per-call timer into ErrTimeout.
// Cancellation or deadlines of the parent context pass through unchanged.
func timeoutErr(parent, callCtx context.Context, what string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", what, ErrTimeout, context.DeadlineExceeded)
	}
	return err
}

func (c *caller) call(ctx context.Context, contract *chain.Contract, method string, args ...any) ([]any, error) {
	callCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.client.Call(callCtx, contract, method, args...)
	err = timeoutErr(ctx, callCtx, method, err)
	c.recorder.RecordChainCall(method, time.Since(start), err)
	return out, err
}

// callBig reads a method returning a single unsigned integer.
func (c *caller) callBig(ctx context.Context, contract *chain.Contract, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: expected uint256, got %T", method, out[0])
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative value %s", method, v)
	}
	return v, nil
}

// callAddress reads a method returning a single address.
func (c *caller) callAddress(ctx context.Context, contract *chain.Contract, method string, args ...any) (common.Address, error) {
	out, err := c.call(ctx, contract, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: expected address, got %T", method, out[0])
	}
	return v, nil
}

// send submits a transaction and waits for its receipt under sendTimeout.
func (c *caller) send(ctx context.Context, contract *chain.Contract, method string, opts chain.SendOpts, args ...any) (*types.Receipt, error) {
	sendCtx, cancel := withTimeout(ctx, c.sendTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := c.client.Send(sendCtx, contract, method, opts, args...)
	err = timeoutErr(ctx, sendCtx, method, err)
	c.recorder.RecordChainCall(method, time.Since(start), err)
	return receipt, err
}
