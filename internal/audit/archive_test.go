package audit

import (
	"strings"
	"testing"
	"time"

	appconfig "balanceflow/config"
)

func TestBuildParquet(t *testing.T) {
	events := []OrderIntentEvent{
		{
			ID:            "e1",
			DisbalanceID:  "d1",
			Venue:         "binance",
			Asset:         "BTC",
			Symbol:        "BTCUSDT",
			Side:          "sell",
			ExpectedPrice: 50000,
			ExpectedSize:  0.5,
			ExpectedUSD:   25000,
			OrderID:       "42",
			PlacedAt:      time.Now(),
			OneWayLatency: 12 * time.Millisecond,
			Env:           "development",
		},
		{ID: "e2", Venue: "bybit", Asset: "ETH", Side: "buy"},
	}

	data, err := buildParquet(events)
	if err != nil {
		t.Fatalf("buildParquet failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty parquet output")
	}
	// Parquet files end with the magic bytes.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("output is not a parquet file")
	}
}

func TestArchiveObjectKey(t *testing.T) {
	aw := &ArchiveWriter{config: &appconfig.Config{}}
	aw.config.Audit.Archive.Prefix = "balanceflow/orders"

	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	key := aw.objectKey(ts)

	if !strings.HasPrefix(key, "balanceflow/orders/date=2025-03-14/") {
		t.Fatalf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, "orders_20250314150926.parquet") {
		t.Fatalf("unexpected key suffix: %s", key)
	}
	if strings.Contains(key, "\\") {
		t.Fatalf("key contains backslashes: %s", key)
	}
}

func TestArchiveTee(t *testing.T) {
	c := NewChannels(4)

	// Without the archive enabled the tee stays silent.
	c.SendOrder(OrderIntentEvent{ID: "a"})
	if len(c.ArchiveChan) != 0 {
		t.Fatalf("archive tee active while disabled")
	}

	c.EnableArchive()
	c.SendOrder(OrderIntentEvent{ID: "b"})
	if len(c.ArchiveChan) != 1 {
		t.Fatalf("archive tee missed an order event")
	}
	if got := <-c.ArchiveChan; got.ID != "b" {
		t.Fatalf("archived event id = %q", got.ID)
	}
}
