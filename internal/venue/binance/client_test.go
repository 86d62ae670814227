package binance

import (
	"testing"

	"balanceflow/config"
	"balanceflow/internal/venue"
)

func testClient() *Client {
	return New(config.VenueConfig{
		Symbols: map[string]string{"BTC": "BTCUSDT", "ETH": "ETHUSDT"},
	})
}

func TestSymbolMapping(t *testing.T) {
	c := testClient()

	if sym, ok := c.SymbolFor("BTC"); !ok || sym != "BTCUSDT" {
		t.Fatalf("SymbolFor(BTC) = %q, %v", sym, ok)
	}
	if asset := c.AssetFor("ETHUSDT"); asset != "ETH" {
		t.Fatalf("AssetFor(ETHUSDT) = %q", asset)
	}
}

func TestFitSizesWithoutMetadata(t *testing.T) {
	c := testClient()

	// Before Connect loads exchange info there are no instrument rules,
	// so values pass through untouched.
	price, size := c.FitSizes(100.123, 0.4567, "BTCUSDT")
	if price != 100.123 || size != 0.4567 {
		t.Fatalf("FitSizes = %f, %f", price, size)
	}
}

func TestFitSizesWithMetadata(t *testing.T) {
	c := testClient()
	c.instruments["BTCUSDT"] = venue.Instrument{
		Symbol:   "BTCUSDT",
		TickSize: 0.1,
		MinSize:  0.001,
	}

	price, size := c.FitSizes(50000.17, 0.45678, "BTCUSDT")
	if price != 50000.1 {
		t.Fatalf("price = %f, want 50000.1", price)
	}
	if size != 0.456 {
		t.Fatalf("size = %f, want 0.456", size)
	}
}

func TestFitSizesStepFinerThanMinimum(t *testing.T) {
	// BTCUSDT perp style filters: min quantity 0.01 with a 0.001 step.
	// Sizes round to the step, not the minimum.
	c := testClient()
	c.instruments["BTCUSDT"] = venue.Instrument{
		Symbol:   "BTCUSDT",
		TickSize: 0.1,
		MinSize:  0.01,
		StepSize: 0.001,
	}

	if _, size := c.FitSizes(50000, 0.0157, "BTCUSDT"); size != 0.015 {
		t.Fatalf("size = %f, want 0.015", size)
	}
	if _, size := c.FitSizes(50000, 0.009, "BTCUSDT"); size != 0 {
		t.Fatalf("below-minimum size = %f, want 0", size)
	}
}

func TestBookStreamApply(t *testing.T) {
	books := venue.NewBookCache()
	s := newBookStream([]string{"BTCUSDT"}, books, nil)

	s.apply(bookTickerData{Symbol: "BTCUSDT", BidPx: "99.5", BidQty: "2", AskPx: "100.5", AskQty: "1"})

	book, ok := books.Get("BTCUSDT")
	if !ok {
		t.Fatalf("book not cached")
	}
	if mid, ok := book.Mid(); !ok || mid != 100.0 {
		t.Fatalf("mid = %f, %v", mid, ok)
	}

	// Malformed prices never reach the cache.
	s.apply(bookTickerData{Symbol: "ETHUSDT", BidPx: "bad", AskPx: "100"})
	if _, ok := books.Get("ETHUSDT"); ok {
		t.Fatalf("malformed update cached")
	}
}

func TestIsStableAsset(t *testing.T) {
	for asset, want := range map[string]bool{"USDT": true, "USDC": true, "BTC": false} {
		if got := isStableAsset(asset); got != want {
			t.Fatalf("isStableAsset(%s) = %v, want %v", asset, got, want)
		}
	}
}
