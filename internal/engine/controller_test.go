package engine

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"balanceflow/config"
	"balanceflow/internal/audit"
	"balanceflow/internal/venue"
)

func testController(clients []venue.Client, channels *audit.Channels) *Controller {
	cfg := &config.Config{
		Balanceflow: config.BalanceflowConfig{Name: "test", Version: "0.0.0"},
		Engine:      testEngineConfig(),
	}
	oracle := NewOracle(clients, rand.New(rand.NewSource(42)))
	c := NewController(cfg, clients, channels, oracle)
	c.ctx = context.Background()
	return c
}

func positionedClient(name string, coin, usd float64) *fakeClient {
	client := tradingClient(name, 1999, 2001, 1e7)
	client.positions = []venue.Position{
		{Venue: name, Asset: "ETH", Symbol: "ETHUSDT", AmountCoin: coin, AmountUSD: usd},
	}
	return client
}

func TestSafetyGateBlocksOnEmptyVenue(t *testing.T) {
	a := positionedClient("binance", 1.0, 2000)
	b := tradingClient("bybit", 1999, 2001, 1e7) // no positions

	channels := audit.NewChannels(16)
	c := testController([]venue.Client{a, b}, channels)
	c.runCycle()

	if len(a.orders)+len(b.orders) != 0 {
		t.Fatalf("gate-blocked cycle must not place orders")
	}

	snapshot, ok := c.LastCycle()
	if !ok || !snapshot.GateBlocked {
		t.Fatalf("cycle not marked gate-blocked: %+v", snapshot)
	}
	if len(snapshot.EmptyVenues) != 1 || snapshot.EmptyVenues[0] != "bybit" {
		t.Fatalf("empty venues = %v, want [bybit]", snapshot.EmptyVenues)
	}

	var gateAlert *audit.AlertEvent
	for len(channels.AlertChan) > 0 {
		alert := <-channels.AlertChan
		if alert.Group == audit.GroupAlert {
			gateAlert = &alert
		}
	}
	if gateAlert == nil {
		t.Fatalf("no gate alert emitted")
	}
	if !strings.Contains(gateAlert.Text, "bybit") {
		t.Fatalf("gate alert does not name the silent venue: %q", gateAlert.Text)
	}
}

func TestCycleRebalancesOverThreshold(t *testing.T) {
	// Net ETH exposure 0.6 coin, about 1200 USD at the shared mid of
	// 2000, above the 500 USD threshold.
	a := positionedClient("binance", 1.0, 2000)
	b := positionedClient("bybit", -0.4, -800)

	channels := audit.NewChannels(16)
	c := testController([]venue.Client{a, b}, channels)
	c.runCycle()

	if len(a.orders)+len(b.orders) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(a.orders)+len(b.orders))
	}
	snapshot, _ := c.LastCycle()
	if snapshot.OrdersPlaced != 1 || snapshot.GateBlocked {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	// Cancel and connect ran on every venue before any read.
	if a.cancels != 1 || b.cancels != 1 || a.connects != 1 || b.connects != 1 {
		t.Fatalf("connect/cancel fan-out incomplete: %d %d %d %d", a.connects, a.cancels, b.connects, b.cancels)
	}
}

func TestCycleIdempotentBelowThreshold(t *testing.T) {
	// Net exposure 0.1 coin, about 200 USD, below threshold.
	a := positionedClient("binance", 0.5, 1000)
	b := positionedClient("bybit", -0.4, -800)

	channels := audit.NewChannels(32)
	c := testController([]venue.Client{a, b}, channels)

	c.runCycle()
	c.runCycle()

	if len(a.orders)+len(b.orders) != 0 {
		t.Fatalf("below-threshold cycles placed %d orders", len(a.orders)+len(b.orders))
	}
	stats := channels.GetStats()
	if stats.OrdersSent != 0 || stats.DisbalancesSent != 0 {
		t.Fatalf("below-threshold cycles emitted events: %+v", stats)
	}
}

func TestBalanceShockBoundary(t *testing.T) {
	a := positionedClient("binance", 1.0, 2000)

	cases := []struct {
		previous float64
		current  float64
		fires    bool
	}{
		{1000, 990, true},     // exactly 0.99 must fire
		{1000, 991, false},    // 0.991 must not
		{1000, 500, true},     // deep drop fires
		{0, 990, false},       // no previous cycle yet
		{1000, 1100, false},   // growth never fires
	}

	for _, tc := range cases {
		channels := audit.NewChannels(16)
		c := testController([]venue.Client{a}, channels)
		c.lastTotalBalance = tc.previous

		c.checkBalanceShock(tc.current)

		fired := len(channels.AlertChan) > 0
		if fired != tc.fires {
			t.Fatalf("previous %.0f current %.0f: fired = %v, want %v", tc.previous, tc.current, fired, tc.fires)
		}
	}
}

func TestControllerStartStop(t *testing.T) {
	a := positionedClient("binance", 1.0, 2000)
	channels := audit.NewChannels(64)

	cfg := &config.Config{
		Balanceflow: config.BalanceflowConfig{Name: "test", Version: "0.0.0"},
		Engine:      testEngineConfig(),
	}
	cfg.Engine.CycleTimeout = config.Duration(10 * time.Millisecond)
	oracle := NewOracle([]venue.Client{a}, rand.New(rand.NewSource(1)))
	c := NewController(cfg, []venue.Client{a}, channels, oracle)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatalf("second Start must fail while running")
	}

	time.Sleep(30 * time.Millisecond)
	cancel()
	c.Stop()

	if _, ok := c.LastCycle(); !ok {
		t.Fatalf("no cycle completed while running")
	}
}

func TestComposeDigest(t *testing.T) {
	a := positionedClient("binance", 1.0, 2000)
	channels := audit.NewChannels(16)
	c := testController([]venue.Client{a}, channels)

	state := NewCycleState()
	state.Positions = PositionsByAsset{
		"ETH": {
			"binance": {Venue: "binance", Asset: "ETH", AmountCoin: 1.0, AmountUSD: 2000},
			"bybit":   {Venue: "bybit", Asset: "ETH", AmountCoin: -0.5, AmountUSD: -1000},
		},
	}
	state.Balances = map[string]float64{"binance": 5000, "bybit": 5000}
	state.TotalBalance = 10000

	digest := c.composeDigest(state, "")
	for _, want := range []string{"TOT POS: 1000.00 USD", "ABS POS: 3000.00 USD", "num positions: 2", "total balance: 10000.00 USD", "effective leverage: 0.3000"} {
		if !strings.Contains(digest, want) {
			t.Fatalf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestDigestCarriesBalanceShockLine(t *testing.T) {
	a := positionedClient("binance", 1.0, 2000)
	channels := audit.NewChannels(16)
	c := testController([]venue.Client{a}, channels)

	// Previous cycle saw a much larger balance than the fake venue
	// reports now, so the shock check fires during the cycle.
	c.lastTotalBalance = a.balance * 2
	c.runCycle()

	var digest *audit.AlertEvent
	for len(channels.AlertChan) > 0 {
		alert := <-channels.AlertChan
		if alert.Group == audit.GroupNormal {
			digest = &alert
		}
	}
	if digest == nil {
		t.Fatalf("no cycle digest emitted")
	}
	if !strings.Contains(digest.Text, "total balance dropped") {
		t.Fatalf("digest missing the balance-shock line:\n%s", digest.Text)
	}
}
