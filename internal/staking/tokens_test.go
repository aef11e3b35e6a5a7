package staking

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTokenRegistry(t *testing.T) {
	r := DefaultTokenRegistry()

	tokens := r.Tokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "DAI", tokens[0].Symbol)
	assert.Equal(t, daiToken, tokens[0].Address)
	assert.Equal(t, daiFeed, tokens[0].PriceFeed)
	assert.Equal(t, "ALY", tokens[1].Symbol)
	assert.Equal(t, alyFeed, tokens[1].PriceFeed)
	assert.Equal(t, tokens[0], r.Default())
}

func TestResolveUnknownTokenFallsBackToDefault(t *testing.T) {
	r := DefaultTokenRegistry()
	unknown := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	_, known := r.Lookup(unknown)
	assert.False(t, known)

	assert.Equal(t, r.Tokens()[0].PriceFeed, r.ResolveFeed(unknown))
	assert.Equal(t, r.Tokens()[0].Symbol, r.ResolveSymbol(unknown))
	assert.Equal(t, alyFeed, r.ResolveFeed(alyToken))
	assert.Equal(t, "ALY", r.ResolveSymbol(alyToken))
}

func TestParseToken(t *testing.T) {
	r := DefaultTokenRegistry()

	addr, err := r.ParseToken("")
	require.NoError(t, err)
	assert.Equal(t, daiToken, addr)

	addr, err = r.ParseToken("aly")
	require.NoError(t, err)
	assert.Equal(t, alyToken, addr)

	addr, err = r.ParseToken(alyToken.Hex())
	require.NoError(t, err)
	assert.Equal(t, alyToken, addr)

	_, err = r.ParseToken("WETH")
	require.Error(t, err)
}

func TestParseTokenRegistryRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"empty":        "tokens: []",
		"no symbol":    "tokens:\n  - address: \"0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa\"\n    price_feed: \"0x22B58f1EbEDfCA50feF632bD73368b2FdA96D541\"",
		"bad address":  "tokens:\n  - symbol: X\n    address: \"0x12\"\n    price_feed: \"0x22B58f1EbEDfCA50feF632bD73368b2FdA96D541\"",
		"bad feed":     "tokens:\n  - symbol: X\n    address: \"0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa\"\n    price_feed: \"nope\"",
		"not yaml":     "tokens: [",
		"duplicate": "tokens:\n" +
			"  - {symbol: A, address: \"0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa\", price_feed: \"0x22B58f1EbEDfCA50feF632bD73368b2FdA96D541\"}\n" +
			"  - {symbol: B, address: \"0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa\", price_feed: \"0x22B58f1EbEDfCA50feF632bD73368b2FdA96D541\"}",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTokenRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}
