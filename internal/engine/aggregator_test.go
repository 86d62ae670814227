package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"balanceflow/internal/venue"
)

func TestAggregateSumsAcrossVenues(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT", "ETH": "ETHUSDT"})
	a.positions = []venue.Position{
		{Venue: "binance", Asset: "BTC", Symbol: "BTCUSDT", AmountCoin: 1.5, AmountUSD: 75000},
		{Venue: "binance", Asset: "ETH", Symbol: "ETHUSDT", AmountCoin: -2, AmountUSD: -4000},
	}
	b := newFakeClient("bybit", map[string]string{"BTC": "BTCUSDT"})
	b.positions = []venue.Position{
		{Venue: "bybit", Asset: "BTC", Symbol: "BTCUSDT", AmountCoin: -0.5, AmountUSD: -25000},
	}

	agg := NewAggregator()
	positions, counts := agg.Aggregate(context.Background(), []venue.Client{a, b})

	if len(positions["BTC"]) != 2 {
		t.Fatalf("BTC venues = %d, want 2", len(positions["BTC"]))
	}
	if counts["binance"] != 2 || counts["bybit"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	total := 0.0
	for _, pos := range positions["BTC"] {
		total += pos.AmountCoin
	}
	if total != 1.0 {
		t.Fatalf("BTC total coin = %f, want 1.0", total)
	}

	// Order independence: the merge must commute.
	reversed, _ := agg.Aggregate(context.Background(), []venue.Client{b, a})
	totalRev := 0.0
	for _, pos := range reversed["BTC"] {
		totalRev += pos.AmountCoin
	}
	if totalRev != total {
		t.Fatalf("aggregation depends on venue order: %f vs %f", totalRev, total)
	}
}

func TestAggregateVenueFailureContributesNothing(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})
	a.positions = []venue.Position{
		{Venue: "binance", Asset: "BTC", Symbol: "BTCUSDT", AmountCoin: 1, AmountUSD: 50000},
	}
	b := newFakeClient("bybit", map[string]string{"BTC": "BTCUSDT"})
	b.positionsErr = fmt.Errorf("timeout")

	positions, counts := NewAggregator().Aggregate(context.Background(), []venue.Client{a, b})

	if counts["bybit"] != 0 {
		t.Fatalf("failed venue count = %d, want 0", counts["bybit"])
	}
	if _, ok := positions["BTC"]["bybit"]; ok {
		t.Fatalf("failed venue should contribute no positions")
	}
}

func TestComputeExposuresUsesSharedPrice(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"ETH": "ETHUSDT"})
	a.cachedBooks["ETHUSDT"] = book("binance", "ETHUSDT", 1995, 2005)

	positions := PositionsByAsset{
		"ETH": {
			"binance": {Venue: "binance", Asset: "ETH", AmountCoin: 2, AmountUSD: 4010},
			"bybit":   {Venue: "bybit", Asset: "ETH", AmountCoin: -1.4, AmountUSD: -2790},
		},
	}

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(1)))
	exposures := NewAggregator().ComputeExposures(context.Background(), positions, oracle)

	exp, ok := exposures["ETH"]
	if !ok {
		t.Fatalf("ETH exposure missing")
	}
	if math.Abs(exp.TotalCoin-0.6) > 1e-12 {
		t.Fatalf("total coin = %f, want 0.6", exp.TotalCoin)
	}
	// Mid price is 2000, so USD exposure uses the shared price, not
	// the venues' own marks.
	if math.Abs(exp.TotalUSD-exp.TotalCoin*2000) > 1e-9 {
		t.Fatalf("total usd = %f, want %f", exp.TotalUSD, exp.TotalCoin*2000)
	}
}

func TestComputeExposuresSkipsUnpricedAsset(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"ETH": "ETHUSDT"})
	a.cachedBooks["ETHUSDT"] = book("binance", "ETHUSDT", 1995, 2005)

	positions := PositionsByAsset{
		"ETH": {"binance": {Asset: "ETH", AmountCoin: 1}},
		// No venue quotes DOGE, a configuration error contained to the
		// asset.
		"DOGE": {"bybit": {Asset: "DOGE", AmountCoin: 100}},
	}

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(1)))
	exposures := NewAggregator().ComputeExposures(context.Background(), positions, oracle)

	if _, ok := exposures["DOGE"]; ok {
		t.Fatalf("unpriced asset should be skipped")
	}
	if _, ok := exposures["ETH"]; !ok {
		t.Fatalf("priced asset should survive")
	}
}
