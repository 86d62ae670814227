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

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const clientIDPrefix = "api_balancing_"

// Planner turns net exposures into corrective orders. For each asset
// over the threshold it filters venues by available balance, asks the
// selector for the best venue, submits the order, and emits the audit
// trail.
type Planner struct {
	cfg      config.EngineConfig
	selector *Selector
	channels *audit.Channels
	limiter  *rate.Limiter
	env      string
	log      *logger.Log
}

// NewPlanner creates a planner. The limiter enforces the fixed pause
// between corrective actions on different assets, a courtesy to shared
// venue rate limits rather than a correctness requirement.
func NewPlanner(cfg config.EngineConfig, selector *Selector, channels *audit.Channels) *Planner {
	pause := cfg.OrderPause.Std()
	if pause <= 0 {
		pause = time.Second
	}
	return &Planner{
		cfg:      cfg,
		selector: selector,
		channels: channels,
		limiter:  rate.NewLimiter(rate.Every(pause), 1),
		env:      config.AppEnvironment(),
		log:      logger.GetLogger(),
	}
}

// Rebalance walks every computed exposure in deterministic asset order
// and issues at most one corrective order per asset. Returns the number
// of orders placed.
func (p *Planner) Rebalance(ctx context.Context, clients []venue.Client, exposures map[string]AssetExposure) int {
	assets := make([]string, 0, len(exposures))
	for asset := range exposures {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	placed := 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			return placed
		}
		if p.planAsset(ctx, clients, exposures[asset]) {
			placed++
		}
	}
	return placed
}

// planAsset runs the threshold gate, the two filtering passes, venue
// selection and order submission for one asset. Below-threshold assets
// are skipped entirely, with no audit events.
func (p *Planner) planAsset(ctx context.Context, clients []venue.Client, exp AssetExposure) bool {
	log := p.log.WithComponent("planner").WithFields(logger.Fields{"asset": exp.Asset})

	if math.Abs(exp.TotalUSD) <= p.cfg.MinDisbalanceUSD {
		return false
	}

	side := venue.SideBuy
	if exp.TotalUSD > 0 {
		side = venue.SideSell
	}
	size := math.Abs(exp.TotalCoin)

	disb := Disbalance{
		ID:           uuid.NewString(),
		Asset:        exp.Asset,
		CoinAmount:   exp.TotalCoin,
		USDAmount:    exp.TotalUSD,
		ThresholdUSD: p.cfg.MinDisbalanceUSD,
	}

	log.WithFields(logger.Fields{
		"disbalance_id": disb.ID,
		"usd":           exp.TotalUSD,
		"side":          string(side),
		"size":          size,
	}).Info("disbalance over threshold, planning corrective order")

	p.channels.SendDisbalance(audit.DisbalanceEvent{
		ID:           disb.ID,
		Asset:        disb.Asset,
		CoinAmount:   disb.CoinAmount,
		USDAmount:    disb.USDAmount,
		ThresholdUSD: disb.ThresholdUSD,
		Status:       audit.StatusProcessing,
		Env:          p.env,
		Timestamp:    time.Now().UTC(),
	})

	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}

	candidates := p.filterLive(ctx, clients, side, exp.Asset, size)
	if len(candidates) == 0 {
		candidates = p.filterCached(ctx, clients, side, exp.Asset)
	}

	sel, ok := p.selector.Select(side, candidates)
	if !ok {
		log.Warn("no venue qualified for corrective order")
		p.channels.SendAlert(audit.AlertEvent{
			Group: audit.GroupAlert,
			Text: fmt.Sprintf("%s: no venue qualified to %s %.6f %s (disbalance %.2f USD)",
				strings.ToUpper(p.env), side, size, exp.Asset, exp.TotalUSD),
		})
		return false
	}

	return p.submit(ctx, clients, disb, side, sel)
}

// filterLive is the price-aware pass: each venue must produce a fresh
// two-sided book and enough available balance to cover the order at
// spread cost. A shortfall inside the tolerance shrinks the size for
// that venue only; the reduction never carries into the next venue's
// check.
func (p *Planner) filterLive(ctx context.Context, clients []venue.Client, side venue.Side, asset string, size float64) []Candidate {
	log := p.log.WithComponent("planner").WithFields(logger.Fields{"asset": asset, "pass": "live"})

	var candidates []Candidate
	for _, client := range clients {
		symbol, ok := client.SymbolFor(asset)
		if !ok {
			continue
		}
		inst, ok := client.Instrument(symbol)
		if !ok {
			log.WithField("venue", client.Name()).Warn("missing instrument metadata, skipping venue")
			continue
		}
		if size < inst.MinSize {
			continue
		}

		book, err := client.FetchOrderBook(ctx, symbol)
		if err != nil {
			log.WithError(err).WithField("venue", client.Name()).Warn("live book fetch failed")
			metrics.IncrementVenueError(client.Name(), "order_book")
			continue
		}
		spread, ok := book.Spread()
		if !ok {
			continue
		}

		avail, err := client.AvailableBalance(ctx, symbol, side)
		if err != nil {
			log.WithError(err).WithField("venue", client.Name()).Warn("available balance query failed")
			metrics.IncrementVenueError(client.Name(), "available_balance")
			continue
		}

		cost := size * spread
		venueSize := size
		switch {
		case avail >= cost:
		case avail >= cost*(1-p.cfg.SizeTolerance):
			venueSize = size * (1 - p.cfg.SizeTolerance)
		default:
			continue
		}

		candidates = append(candidates, Candidate{
			Client: client,
			Symbol: symbol,
			Book:   book,
			Size:   venueSize,
		})
	}
	return candidates
}

// filterCached is the fallback pass when no venue qualified on live
// data: each venue's cached book is used instead and the achievable
// size becomes availableBalance / (bestAsk + bestBid), trading
// precision for availability.
func (p *Planner) filterCached(ctx context.Context, clients []venue.Client, side venue.Side, asset string) []Candidate {
	log := p.log.WithComponent("planner").WithFields(logger.Fields{"asset": asset, "pass": "cached"})

	var candidates []Candidate
	for _, client := range clients {
		symbol, ok := client.SymbolFor(asset)
		if !ok {
			continue
		}
		inst, ok := client.Instrument(symbol)
		if !ok {
			continue
		}
		book, ok := client.OrderBook(symbol)
		if !ok {
			continue
		}
		spread, ok := book.Spread()
		if !ok {
			continue
		}

		avail, err := client.AvailableBalance(ctx, symbol, side)
		if err != nil {
			log.WithError(err).WithField("venue", client.Name()).Warn("available balance query failed")
			continue
		}

		achievable := avail / spread
		if achievable < inst.MinSize {
			continue
		}

		candidates = append(candidates, Candidate{
			Client: client,
			Symbol: symbol,
			Book:   book,
			Size:   achievable,
		})
	}
	return candidates
}

// submit places the order on the selected venue and emits the audit
// trail. An exchange rejection alerts the operator and lets the cycle
// continue with the next asset.
func (p *Planner) submit(ctx context.Context, clients []venue.Client, disb Disbalance, side venue.Side, sel Selection) bool {
	log := p.log.WithComponent("planner").WithFields(logger.Fields{
		"asset": disb.Asset,
		"venue": sel.Client.Name(),
	})

	req := venue.OrderRequest{
		Symbol:   sel.Symbol,
		Side:     side,
		Price:    sel.Price,
		Size:     sel.Size,
		ClientID: newClientID(),
	}

	res, err := sel.Client.CreateOrder(ctx, req)

	inst, _ := sel.Client.Instrument(sel.Symbol)
	expectedUSD := sel.Size * sel.Price

	// The intent event goes out regardless of the venue's answer; a
	// rejection carries the empty order id so downstream reconciliation
	// sees the attempt.
	p.channels.SendOrder(audit.OrderIntentEvent{
		ID:            uuid.NewString(),
		DisbalanceID:  disb.ID,
		Venue:         sel.Client.Name(),
		Asset:         disb.Asset,
		Symbol:        sel.Symbol,
		Side:          string(side),
		ExpectedPrice: sel.Price,
		ExpectedSize:  sel.Size,
		ExpectedUSD:   expectedUSD,
		ExpectedFee:   expectedUSD * inst.TakerFee,
		OrderID:       res.OrderID,
		PlacedAt:      res.PlacedAt,
		OneWayLatency: res.Latency,
		Env:           p.env,
	})

	if err != nil || res.Failed() {
		detail := "placement rejected by venue"
		if err != nil {
			detail = err.Error()
		}
		log.WithError(err).Error("corrective order failed")
		metrics.IncrementVenueError(sel.Client.Name(), "create_order")
		p.channels.SendAlert(audit.AlertEvent{
			Group: audit.GroupAlert,
			Text: fmt.Sprintf("%s: order FAILED on %s for %s (%s %.6f @ %.6f): %s",
				strings.ToUpper(p.env), sel.Client.Name(), disb.Asset, side, sel.Size, sel.Price, detail),
		})
		return false
	}

	p.publishBalanceCheckpoint(ctx, clients)

	p.channels.SendAlert(audit.AlertEvent{
		Group: audit.GroupNormal,
		Text: fmt.Sprintf("%s: %s %.6f %s on %s @ %.6f (%.2f USD, disbalance %.2f USD)",
			strings.ToUpper(p.env), side, sel.Size, disb.Asset, sel.Client.Name(), sel.Price, expectedUSD, disb.USDAmount),
	})

	log.WithFields(logger.Fields{
		"order_id":     res.OrderID,
		"side":         string(side),
		"price":        sel.Price,
		"size":         sel.Size,
		"expected_usd": expectedUSD,
		"latency_ms":   res.Latency.Milliseconds(),
	}).Info("corrective order placed")

	metrics.IncrementOrder(sel.Client.Name(), disb.Asset, string(side))
	logger.IncrementOrder()
	return true
}

// publishBalanceCheckpoint refreshes every venue balance and emits one
// checkpoint event, so the audit trail shows the account state right
// after each corrective order.
func (p *Planner) publishBalanceCheckpoint(ctx context.Context, clients []venue.Client) {
	balances := FetchBalances(ctx, clients)

	total := 0.0
	for _, usd := range balances {
		total += usd
	}

	p.channels.SendBalance(audit.BalanceCheckpointEvent{
		Balances:  balances,
		TotalUSD:  total,
		Env:       p.env,
		Timestamp: time.Now().UTC(),
	})
}

// FetchBalances queries every venue balance concurrently. A failing
// venue is simply absent from the result.
func FetchBalances(ctx context.Context, clients []venue.Client) map[string]float64 {
	log := logger.GetLogger().WithComponent("planner")

	balances := make(map[string]float64, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, client := range clients {
		wg.Add(1)
		go func(client venue.Client) {
			defer wg.Done()
			usd, err := client.Balance(ctx)
			if err != nil {
				log.WithError(err).WithField("venue", client.Name()).Warn("balance query failed")
				metrics.IncrementVenueError(client.Name(), "balance")
				return
			}
			mu.Lock()
			balances[client.Name()] = usd
			mu.Unlock()
		}(client)
	}

	wg.Wait()
	return balances
}

// newClientID builds the client order id every corrective order carries
// so venue-side fills can be traced back to this engine.
func newClientID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return clientIDPrefix + hex[:20]
}
