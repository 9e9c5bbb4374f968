package main

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasePrice(t *testing.T) {
	assert.Equal(t, 150.0, basePrice("SOL", "USDC"))
	assert.InDelta(t, 1.0/0.92, basePrice("USDC", "JUP"), 1e-9)
	assert.Equal(t, 1.0, basePrice("FOO", "BAR"))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "150.00000000", formatPrice(150))
	assert.Equal(t, "0.00002250", formatPrice(0.0000225))
	assert.Equal(t, "89.10000000", formatPrice(89.1))
}

func TestSimQuote(t *testing.T) {
	q := simQuote(DexRaydium, 150, 0.0025)

	assert.Equal(t, DexRaydium, q.Dex)
	assert.Equal(t, 0.0025, q.FeePct)
	assert.InDelta(t, q.QuotePrice*(1-0.0025), q.EffectivePrice, 1e-9)

	// Venue prices stay within ±0.5% of the anchor
	assert.Greater(t, q.QuotePrice, 150*0.995)
	assert.Less(t, q.QuotePrice, 150*1.005)
}

func TestBestQuotePicksBestEffectivePrice(t *testing.T) {
	if testing.Short() {
		t.Skip("quote aggregation carries a multi-second delay")
	}

	router := NewSimulatedRouter(testLogger())
	order := &Order{OrderID: "o-quote", TokenIn: "SOL", TokenOut: "USDC"}

	q, err := router.BestQuote(context.Background(), order)
	require.NoError(t, err)

	assert.Contains(t, []string{DexRaydium, DexMeteora}, q.Dex)
	assert.Less(t, q.EffectivePrice, q.QuotePrice)
	assert.Greater(t, q.EffectivePrice, 0.0)
}

func TestBestQuoteHonorsCancellation(t *testing.T) {
	router := NewSimulatedRouter(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := router.BestQuote(ctx, &Order{OrderID: "o-cancel", TokenIn: "SOL", TokenOut: "USDC"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildTx(t *testing.T) {
	router := NewSimulatedRouter(testLogger())
	order := &Order{OrderID: "o-tx", TokenIn: "SOL", TokenOut: "USDC"}
	quote := &Quote{Dex: DexMeteora, QuotePrice: 150, EffectivePrice: 149.7}

	tx, err := router.BuildTx(context.Background(), order, quote)
	require.NoError(t, err)

	parts := strings.SplitN(string(tx), ":", 4)
	require.Len(t, parts, 4)
	assert.Equal(t, DexMeteora, parts[0])
	assert.Equal(t, "SOL", parts[1])
	assert.Equal(t, "USDC", parts[2])

	payload, err := base64.StdEncoding.DecodeString(parts[3])
	require.NoError(t, err)
	assert.Len(t, payload, 96)
}
