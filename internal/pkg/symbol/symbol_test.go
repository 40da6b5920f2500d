package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Clean("btc/usdt"))
	assert.Equal(t, "ETHUSDT", Clean(" ETH/USDT:USDT "))
	assert.Equal(t, "SOLUSDT", Clean("SOL-USDT"))
	assert.Equal(t, "BTCUSDT", Clean("BTCUSDT"))
	assert.Equal(t, "", Clean("  "))
}

func TestPair(t *testing.T) {
	base, quote := Pair("BTC/USDT")
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	base, quote = Pair("XYZ")
	assert.Empty(t, base)
	assert.Empty(t, quote)

	assert.True(t, IsValid("ethusdt"))
	assert.False(t, IsValid("USDT"))
}

func TestCleanList(t *testing.T) {
	got := CleanList([]string{"btc/usdt", "BTCUSDT", "", "eth/usdt"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
	assert.Nil(t, CleanList(nil))
}
