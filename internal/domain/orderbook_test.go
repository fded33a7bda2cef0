package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderBook_BestIgnoresLevelOrder(t *testing.T) {
	// Polymarket devuelve bids ascendentes y asks descendentes: el primero no es el mejor.
	ob := OrderBook{
		Bids: []BookEntry{{Price: 0.38, Size: 10}, {Price: 0.40, Size: 5}, {Price: 0.39, Size: 1}},
		Asks: []BookEntry{{Price: 0.45, Size: 10}, {Price: 0.42, Size: 5}, {Price: 0.44, Size: 1}},
	}

	assert.Equal(t, 0.40, ob.BestBid())
	assert.Equal(t, 0.42, ob.BestAsk())
	assert.InDelta(t, 0.41, ob.Midpoint(), 1e-9)
	assert.InDelta(t, 0.02, ob.Spread(), 1e-9)
}

func TestOrderBook_Empty(t *testing.T) {
	var ob OrderBook
	_, ok := ob.Best(BookBid)
	assert.False(t, ok)
	assert.Equal(t, 0.0, ob.BestAsk())
	assert.Equal(t, 0.0, ob.Midpoint())
}

func TestSampleFromEntry_UsesLiteralText(t *testing.T) {
	s := SampleFromEntry(BookEntry{Price: 0.5, PriceText: "0.500"})
	require.True(t, s.HasDecimals)
	assert.Equal(t, 3, s.Decimals)

	s = SampleFromEntry(BookEntry{Price: 0.57})
	require.True(t, s.HasDecimals)
	assert.Equal(t, 2, s.Decimals)
}
