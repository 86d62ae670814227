package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"balanceflow/config"
	"balanceflow/internal/audit"
	"balanceflow/internal/metrics"
	"balanceflow/internal/venue"
	"balanceflow/logger"
)

// CycleSnapshot is the read-only summary of the last completed cycle,
// served by the dashboard.
type CycleSnapshot struct {
	CompletedAt  time.Time                `json:"completed_at"`
	Duration     time.Duration            `json:"duration"`
	Exposures    map[string]AssetExposure `json:"exposures"`
	Balances     map[string]float64       `json:"balances"`
	TotalBalance float64                  `json:"total_balance"`
	OrdersPlaced int                      `json:"orders_placed"`
	GateBlocked  bool                     `json:"gate_blocked"`
	EmptyVenues  []string                 `json:"empty_venues,omitempty"`
}

// Controller runs the reconciliation loop: refresh connections, cancel
// stale orders, refresh balances, aggregate positions, compute
// exposures, gate, rebalance, tear down, sleep. Cycles are strictly
// sequential; only the previous cycle's positions and total balance
// survive across the boundary, and only for the anomaly checks.
type Controller struct {
	cfg      *config.Config
	clients  []venue.Client
	channels *audit.Channels

	aggregator *Aggregator
	oracle     *Oracle
	planner    *Planner

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	lastPositions    PositionsByAsset
	lastTotalBalance float64
	lastCycle        *CycleSnapshot

	env string
	log *logger.Log
}

// NewController wires the engine components over the configured venue
// clients.
func NewController(cfg *config.Config, clients []venue.Client, channels *audit.Channels, oracle *Oracle) *Controller {
	selector := NewSelector(cfg.Engine.PriceOffsetTicks)
	return &Controller{
		cfg:        cfg,
		clients:    clients,
		channels:   channels,
		aggregator: NewAggregator(),
		oracle:     oracle,
		planner:    NewPlanner(cfg.Engine, selector, channels),
		wg:         &sync.WaitGroup{},
		env:        config.AppEnvironment(),
		log:        logger.GetLogger(),
	}
}

// Start launches the reconciliation loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("controller")

	venues := make([]string, 0, len(c.clients))
	for _, client := range c.clients {
		venues = append(venues, client.Name())
	}
	log.WithFields(logger.Fields{
		"venues":        venues,
		"cycle_timeout": c.cfg.Engine.CycleTimeout.Std().String(),
		"threshold_usd": c.cfg.Engine.MinDisbalanceUSD,
	}).Info("starting reconciliation controller")

	c.wg.Add(1)
	go c.run()

	return nil
}

// Stop waits for the loop to exit. Call after cancelling the context
// passed to Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("controller").Info("stopping reconciliation controller")
	c.wg.Wait()
	c.log.WithComponent("controller").Info("reconciliation controller stopped")
}

// LastCycle returns the summary of the most recently completed cycle.
func (c *Controller) LastCycle() (CycleSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastCycle == nil {
		return CycleSnapshot{}, false
	}
	return *c.lastCycle, true
}

func (c *Controller) run() {
	defer c.wg.Done()
	log := c.log.WithComponent("controller")

	// Let venue sessions and upstream feeds settle before the first
	// cycle touches real orders.
	if delay := c.cfg.Engine.StartupDelay.Std(); delay > 0 {
		log.WithField("delay", delay.String()).Info("startup delay before first cycle")
		if !sleepCtx(c.ctx, delay) {
			return
		}
	}

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.runCycle()

		if !sleepCtx(c.ctx, c.cfg.Engine.CycleTimeout.Std()) {
			return
		}
	}
}

// runCycle executes one full reconciliation pass. Every failure is
// contained to the cycle; the loop never crashes the process.
func (c *Controller) runCycle() {
	log := c.log.WithComponent("controller")
	state := NewCycleState()

	// RefreshConnections
	c.fanOut("connect", func(client venue.Client) error {
		return client.Connect(c.ctx)
	})

	// CancelOpenOrders runs unconditionally so no stale resting order
	// biases the position read.
	c.fanOut("cancel_orders", func(client venue.Client) error {
		return client.CancelAllOrders(c.ctx)
	})

	// RefreshBalances
	state.Balances = FetchBalances(c.ctx, c.clients)
	for _, usd := range state.Balances {
		state.TotalBalance += usd
	}

	// AggregatePositions
	state.Positions, state.CountByVenue = c.aggregator.Aggregate(c.ctx, c.clients)

	// ComputeExposure
	state.Exposures = c.aggregator.ComputeExposures(c.ctx, state.Positions, c.oracle)

	// Balance shock is advisory and never blocks rebalancing.
	shockLine := c.checkBalanceShock(state.TotalBalance)

	// SafetyGate
	if empty := state.EmptyVenues(c.clients); len(empty) > 0 {
		state.GateBlocked = true
		metrics.IncrementGateBlock()
		log.WithField("venues", empty).Warn("safety gate blocked the cycle, venues reported no positions")
		c.channels.SendAlert(audit.AlertEvent{
			Group: audit.GroupAlert,
			Text: fmt.Sprintf("%s: safety gate: venues %s reported no positions, skipping rebalance\ncurrent:\n%s\nprevious:\n%s",
				strings.ToUpper(c.env), strings.Join(empty, ", "),
				formatPositions(state.Positions), formatPositions(c.lastPositions)),
		})
	} else {
		state.OrdersPlaced = c.planner.Rebalance(c.ctx, c.clients, state.Exposures)
	}

	// Per-cycle digest for the operator chat.
	c.channels.SendAlert(audit.AlertEvent{
		Group: audit.GroupNormal,
		Text:  c.composeDigest(state, shockLine),
	})

	// Teardown
	c.fanOut("close", func(client venue.Client) error {
		return client.Close()
	})

	c.mu.Lock()
	c.lastPositions = state.Positions
	c.lastTotalBalance = state.TotalBalance
	c.lastCycle = &CycleSnapshot{
		CompletedAt:  time.Now().UTC(),
		Duration:     time.Since(state.StartedAt),
		Exposures:    state.Exposures,
		Balances:     state.Balances,
		TotalBalance: state.TotalBalance,
		OrdersPlaced: state.OrdersPlaced,
		GateBlocked:  state.GateBlocked,
		EmptyVenues:  state.EmptyVenues(c.clients),
	}
	c.mu.Unlock()

	metrics.IncrementCycle()
	logger.IncrementCycle()

	log.WithFields(logger.Fields{
		"duration_ms":   time.Since(state.StartedAt).Milliseconds(),
		"assets":        len(state.Exposures),
		"orders_placed": state.OrdersPlaced,
		"gate_blocked":  state.GateBlocked,
		"total_balance": state.TotalBalance,
	}).Info("reconciliation cycle finished")
}

// checkBalanceShock alerts when the total balance dropped to or below
// the configured ratio of the previous cycle's total. The returned line
// is appended to the cycle digest; empty when nothing fired.
func (c *Controller) checkBalanceShock(total float64) string {
	c.mu.RLock()
	previous := c.lastTotalBalance
	c.mu.RUnlock()

	if previous <= 0 {
		return ""
	}
	if total/previous > c.cfg.Engine.BalanceDropRatio {
		return ""
	}

	line := fmt.Sprintf("total balance dropped from %.2f to %.2f USD (ratio %.4f)",
		previous, total, total/previous)
	c.log.WithComponent("controller").WithFields(logger.Fields{
		"previous": previous,
		"current":  total,
	}).Warn("total balance dropped sharply since last cycle")
	c.channels.SendAlert(audit.AlertEvent{
		Group: audit.GroupAlert,
		Text:  fmt.Sprintf("%s: %s", strings.ToUpper(c.env), line),
	})
	return line
}

// fanOut runs one operation against every venue concurrently and joins
// before returning. Failures are logged and counted, never fatal.
func (c *Controller) fanOut(operation string, fn func(venue.Client) error) {
	log := c.log.WithComponent("controller")

	var wg sync.WaitGroup
	for _, client := range c.clients {
		wg.Add(1)
		go func(client venue.Client) {
			defer wg.Done()
			if err := fn(client); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"venue":     client.Name(),
					"operation": operation,
				}).Warn("venue operation failed")
				metrics.IncrementVenueError(client.Name(), operation)
			}
		}(client)
	}
	wg.Wait()
}

// composeDigest renders the per-cycle position summary sent to the
// operator chat. A fired balance-shock line is carried inline so the
// digest alone tells the whole story of the cycle.
func (c *Controller) composeDigest(state *CycleState, shockLine string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s positions:\n", strings.ToUpper(c.env))

	assets := make([]string, 0, len(state.Positions))
	for asset := range state.Positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	totalUSD := 0.0
	absUSD := 0.0
	numPositions := 0
	for _, asset := range assets {
		venues := make([]string, 0, len(state.Positions[asset]))
		for name := range state.Positions[asset] {
			venues = append(venues, name)
		}
		sort.Strings(venues)
		for _, name := range venues {
			pos := state.Positions[asset][name]
			fmt.Fprintf(&b, "%s %s: %.6f (%.2f USD)\n", name, asset, pos.AmountCoin, pos.AmountUSD)
			totalUSD += pos.AmountUSD
			absUSD += math.Abs(pos.AmountUSD)
			numPositions++
		}
	}

	fmt.Fprintf(&b, "TOT POS: %.2f USD\n", totalUSD)
	fmt.Fprintf(&b, "ABS POS: %.2f USD\n", absUSD)
	fmt.Fprintf(&b, "num positions: %d\n", numPositions)

	venues := make([]string, 0, len(state.Balances))
	for name := range state.Balances {
		venues = append(venues, name)
	}
	sort.Strings(venues)
	for _, name := range venues {
		fmt.Fprintf(&b, "%s balance: %.2f USD\n", name, state.Balances[name])
	}
	fmt.Fprintf(&b, "total balance: %.2f USD\n", state.TotalBalance)

	if state.TotalBalance > 0 {
		fmt.Fprintf(&b, "effective leverage: %.4f\n", absUSD/state.TotalBalance)
	}
	if shockLine != "" {
		fmt.Fprintf(&b, "%s\n", shockLine)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatPositions renders an aggregated position map for alert text.
func formatPositions(positions PositionsByAsset) string {
	if len(positions) == 0 {
		return "(none)"
	}

	assets := make([]string, 0, len(positions))
	for asset := range positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var b strings.Builder
	for _, asset := range assets {
		venues := make([]string, 0, len(positions[asset]))
		for name := range positions[asset] {
			venues = append(venues, name)
		}
		sort.Strings(venues)
		for _, name := range venues {
			pos := positions[asset][name]
			fmt.Fprintf(&b, "%s %s: %.6f (%.2f USD)\n", name, asset, pos.AmountCoin, pos.AmountUSD)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// sleepCtx sleeps for the duration and reports false when the context
// was cancelled while waiting.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
