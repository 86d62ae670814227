package bybit

import (
	"testing"

	"balanceflow/config"
	"balanceflow/internal/venue"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

func testClient() *Client {
	return New(config.VenueConfig{
		Symbols: map[string]string{"BTC": "BTCUSDT", "PEPE": "1000PEPEUSDT"},
	})
}

func TestSymbolMapping(t *testing.T) {
	c := testClient()

	if sym, ok := c.SymbolFor("pepe"); !ok || sym != "1000PEPEUSDT" {
		t.Fatalf("SymbolFor(pepe) = %q, %v", sym, ok)
	}
	if asset := c.AssetFor("1000PEPEUSDT"); asset != "PEPE" {
		t.Fatalf("AssetFor(1000PEPEUSDT) = %q", asset)
	}
}

func TestDecodeResult(t *testing.T) {
	res := &bybit.ServerResponse{
		RetCode: 0,
		Result: map[string]interface{}{
			"list": []interface{}{
				map[string]interface{}{
					"symbol": "BTCUSDT",
					"side":   "Sell",
					"size":   "0.5",
				},
			},
		},
	}

	var list positionListResult
	if err := decodeResult(res, &list); err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if len(list.List) != 1 || list.List[0].Symbol != "BTCUSDT" || list.List[0].Size != "0.5" {
		t.Fatalf("unexpected decode: %+v", list.List)
	}
}

func TestDecodeResultRejectsErrorCode(t *testing.T) {
	res := &bybit.ServerResponse{RetCode: 10001, RetMsg: "params error"}

	var list positionListResult
	if err := decodeResult(res, &list); err == nil {
		t.Fatalf("expected error for non-zero retCode")
	}
	if err := decodeResult(nil, &list); err == nil {
		t.Fatalf("expected error for nil response")
	}
}

func TestParseLevels(t *testing.T) {
	levels := parseLevels([][]string{
		{"100.5", "2"},
		{"100.4", "1.5"},
		{"bad", "1"},
		{"99"},
	})
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(levels))
	}
	if levels[0].Price != 100.5 || levels[0].Quantity != 2 {
		t.Fatalf("unexpected top level: %+v", levels[0])
	}
}

func TestFitSizesWithMetadata(t *testing.T) {
	c := testClient()
	c.instruments["BTCUSDT"] = venue.Instrument{
		Symbol:   "BTCUSDT",
		TickSize: 0.5,
		MinSize:  0.001,
	}

	price, size := c.FitSizes(50000.7, 0.0123, "BTCUSDT")
	if price != 50000.5 {
		t.Fatalf("price = %f, want 50000.5", price)
	}
	if size != 0.012 {
		t.Fatalf("size = %f, want 0.012", size)
	}
}
