package staking

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed tokens.yaml
var defaultTokensYAML []byte

// TokenDescriptor describes a stakeable ERC20 token and its price feed.
type TokenDescriptor struct {
	Symbol    string         `yaml:"symbol" json:"symbol"`
	Address   common.Address `yaml:"-" json:"address"`
	PriceFeed common.Address `yaml:"-" json:"price_feed"`

	RawAddress   string `yaml:"address" json:"-"`
	RawPriceFeed string `yaml:"price_feed" json:"-"`
}

// TokenRegistry is the fixed set of known tokens. Lookups of unknown
// addresses resolve to the first entry.
type TokenRegistry struct {
	tokens []TokenDescriptor
}

// ParseTokenRegistry parses a registry document of the form
// `tokens: [{symbol, address, price_feed}]`.
func ParseTokenRegistry(data []byte) (*TokenRegistry, error) {
	var doc struct {
		Tokens []TokenDescriptor `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse token registry: %w", err)
	}
	if len(doc.Tokens) == 0 {
		return nil, fmt.Errorf("token registry is empty")
	}

	seen := make(map[common.Address]bool)
	for i := range doc.Tokens {
		t := &doc.Tokens[i]
		if t.Symbol == "" {
			return nil, fmt.Errorf("token %d: symbol is required", i)
		}
		if !common.IsHexAddress(t.RawAddress) {
			return nil, fmt.Errorf("token %s: invalid address %q", t.Symbol, t.RawAddress)
		}
		if !common.IsHexAddress(t.RawPriceFeed) {
			return nil, fmt.Errorf("token %s: invalid price feed %q", t.Symbol, t.RawPriceFeed)
		}
		t.Address = common.HexToAddress(t.RawAddress)
		t.PriceFeed = common.HexToAddress(t.RawPriceFeed)
		if seen[t.Address] {
			return nil, fmt.Errorf("token %s: duplicate address %s", t.Symbol, t.Address.Hex())
		}
		seen[t.Address] = true
	}

	return &TokenRegistry{tokens: doc.Tokens}, nil
}

// DefaultTokenRegistry returns the embedded DAI/ALY registry.
func DefaultTokenRegistry() *TokenRegistry {
	r, err := ParseTokenRegistry(defaultTokensYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded token registry: %v", err))
	}
	return r
}

// Tokens returns the registry entries in order.
func (r *TokenRegistry) Tokens() []TokenDescriptor {
	out := make([]TokenDescriptor, len(r.tokens))
	copy(out, r.tokens)
	return out
}

// Default returns the fallback entry.
func (r *TokenRegistry) Default() TokenDescriptor {
	return r.tokens[0]
}

// Lookup returns the descriptor for address and whether it is known.
func (r *TokenRegistry) Lookup(address common.Address) (TokenDescriptor, bool) {
	for _, t := range r.tokens {
		if t.Address == address {
			return t, true
		}
	}
	return TokenDescriptor{}, false
}

// ResolveOrDefault returns the descriptor for address, or the first entry
// when the address is not registered. Unknown tokens are never an error.
func (r *TokenRegistry) ResolveOrDefault(address common.Address) TokenDescriptor {
	if t, ok := r.Lookup(address); ok {
		return t
	}
	return r.Default()
}

// ResolveFeed returns the price feed for address under ResolveOrDefault.
func (r *TokenRegistry) ResolveFeed(address common.Address) common.Address {
	return r.ResolveOrDefault(address).PriceFeed
}

// ResolveSymbol returns the display symbol for address under ResolveOrDefault.
func (r *TokenRegistry) ResolveSymbol(address common.Address) string {
	return r.ResolveOrDefault(address).Symbol
}

// BySymbol finds a token by its symbol, case-insensitively.
func (r *TokenRegistry) BySymbol(symbol string) (TokenDescriptor, bool) {
	for _, t := range r.tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenDescriptor{}, false
}

// ParseToken accepts either a symbol or a hex address. Hex addresses are
// accepted as-is even when unregistered.
func (r *TokenRegistry) ParseToken(s string) (common.Address, error) {
	if s == "" {
		return r.Default().Address, nil
	}
	if t, ok := r.BySymbol(s); ok {
		return t.Address, nil
	}
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	return common.Address{}, fmt.Errorf("unknown token %q", s)
}
