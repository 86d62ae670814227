package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"balanceflow/internal/venue"
)

func TestReferencePriceFromCachedBook(t *testing.T) {
	// Fresh fetch unavailable, cached book carries the price.
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})
	a.cachedBooks["BTCUSDT"] = book("binance", "BTCUSDT", 49990, 50010)
	a.fetchErr = fmt.Errorf("rate limited")

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(7)))
	price, err := oracle.ReferencePrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("ReferencePrice failed: %v", err)
	}
	if price != 50000 {
		t.Fatalf("price = %f, want 50000", price)
	}
}

func TestReferencePricePrefersFreshOverCache(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})
	a.cachedBooks["BTCUSDT"] = book("binance", "BTCUSDT", 100, 102)
	a.liveBooks["BTCUSDT"] = book("binance", "BTCUSDT", 200, 202)

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(7)))
	price, err := oracle.ReferencePrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("ReferencePrice failed: %v", err)
	}
	if price != 201 {
		t.Fatalf("price = %f, want the fresh mid 201", price)
	}
}

func TestReferencePriceCachedFallbackOnOneSidedFetch(t *testing.T) {
	// The fetch succeeds but comes back one-sided; the cached book still
	// yields a price.
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})
	a.liveBooks["BTCUSDT"] = &venue.OrderBook{
		Symbol: "BTCUSDT",
		Asks:   []venue.Level{{Price: 205, Quantity: 1}},
	}
	a.cachedBooks["BTCUSDT"] = book("binance", "BTCUSDT", 100, 102)

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(7)))
	price, err := oracle.ReferencePrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("ReferencePrice failed: %v", err)
	}
	if price != 101 {
		t.Fatalf("price = %f, want the cached mid 101", price)
	}
}

func TestReferencePriceFallsBackAcrossVenues(t *testing.T) {
	// Venue a has no book at all, venue b quotes through a fresh fetch.
	a := newFakeClient("binance", map[string]string{"ETH": "ETHUSDT"})
	a.fetchErr = fmt.Errorf("network down")
	b := newFakeClient("bybit", map[string]string{"ETH": "ETHUSDT"})
	b.liveBooks["ETHUSDT"] = book("bybit", "ETHUSDT", 1999, 2001)

	// Every seed must land on b eventually, regardless of which venue
	// the random primary pick starts from.
	for seed := int64(0); seed < 4; seed++ {
		oracle := NewOracle([]venue.Client{a, b}, rand.New(rand.NewSource(seed)))
		price, err := oracle.ReferencePrice(context.Background(), "ETH")
		if err != nil {
			t.Fatalf("seed %d: ReferencePrice failed: %v", seed, err)
		}
		if price != 2000 {
			t.Fatalf("seed %d: price = %f, want 2000", seed, price)
		}
	}
}

func TestReferencePriceNoQuotingVenue(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(1)))
	_, err := oracle.ReferencePrice(context.Background(), "DOGE")
	if !errors.Is(err, ErrNoQuotingVenue) {
		t.Fatalf("expected ErrNoQuotingVenue, got %v", err)
	}
}

func TestReferencePriceOneSidedBookRejected(t *testing.T) {
	a := newFakeClient("binance", map[string]string{"BTC": "BTCUSDT"})
	a.cachedBooks["BTCUSDT"] = &venue.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []venue.Level{{Price: 100, Quantity: 1}},
	}
	a.fetchErr = fmt.Errorf("unreachable")

	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(1)))
	if _, err := oracle.ReferencePrice(context.Background(), "BTC"); err == nil {
		t.Fatalf("one-sided book should not yield a price")
	}
}
