// Package chain is the boundary between stakeboard and an Ethereum node. It
// reads contract state, submits signed transactions and streams contract events
// through a small surface that both the go-ethereum backed Client and the
// in-memory MockClient implement.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNotDialed is returned when the client has no RPC connection.
	ErrNotDialed = errors.New("chain client not connected")

	// ErrNoSigner is returned by Send when no private key is loaded.
	ErrNoSigner = errors.New("no signing key loaded")

	// ErrUnknownEvent is returned by Subscribe for events missing from the ABI.
	ErrUnknownEvent = errors.New("event not in contract ABI")

	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("transaction reverted")
)

// Contract is a deployed contract: its address and the ABI used to encode
// calls and decode results and logs.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// NewContract parses abiJSON and binds it to address.
func NewContract(name string, address common.Address, abiJSON string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s ABI: %w", name, err)
	}
	return &Contract{Name: name, Address: address, ABI: parsed}, nil
}

// At returns a copy of the contract bound to another address. Used for ERC20
// tokens and price feeds, which share one ABI across several deployments.
func (c *Contract) At(address common.Address) *Contract {
	return &Contract{Name: c.Name, Address: address, ABI: c.ABI}
}

// HasEvent reports whether the ABI declares the named event.
func (c *Contract) HasEvent(name string) bool {
	_, ok := c.ABI.Events[name]
	return ok
}

// EventByTopic resolves a log's first topic to an event name.
func (c *Contract) EventByTopic(topic common.Hash) (string, bool) {
	ev, err := c.ABI.EventByID(topic)
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

// SendOpts carries the per-transaction parameters that are not method arguments.
type SendOpts struct {
	Value    *big.Int // wei attached to a payable method
	GasLimit uint64   // 0 = estimate
}

// Event is a decoded contract log.
type Event struct {
	Name     string
	Contract common.Address
	Log      types.Log
}

// Subscription is a stream of events for one contract event name. Events is
// closed after Unsubscribe returns.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}
