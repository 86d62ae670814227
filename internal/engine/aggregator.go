package engine

import (
	"context"
	"sync"

	"balanceflow/internal/metrics"
	"balanceflow/internal/venue"
	"balanceflow/logger"
)

// Aggregator merges per-venue position snapshots into the cross-venue
// view the planner works from. It holds no state between calls.
type Aggregator struct {
	log *logger.Log
}

// NewAggregator creates an aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{log: logger.GetLogger()}
}

// Aggregate queries every venue concurrently and merges the results
// into one map keyed by asset, sub-keyed by venue. A failing venue
// contributes nothing and shows up with a zero count, which the safety
// gate later interprets as suspect data. The call joins all venue
// queries before returning, so a slow venue delays the cycle instead of
// being dropped.
func (a *Aggregator) Aggregate(ctx context.Context, clients []venue.Client) (PositionsByAsset, map[string]int) {
	log := a.log.WithComponent("aggregator")

	positions := make(PositionsByAsset)
	counts := make(map[string]int, len(clients))
	for _, client := range clients {
		counts[client.Name()] = 0
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, client := range clients {
		wg.Add(1)
		go func(client venue.Client) {
			defer wg.Done()

			venuePositions, err := client.Positions(ctx)
			if err != nil {
				log.WithError(err).WithField("venue", client.Name()).Warn("position query failed, venue contributes nothing this cycle")
				metrics.IncrementVenueError(client.Name(), "positions")
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, pos := range venuePositions {
				byVenue, ok := positions[pos.Asset]
				if !ok {
					byVenue = make(map[string]venue.Position)
					positions[pos.Asset] = byVenue
				}
				byVenue[pos.Venue] = pos
			}
			counts[client.Name()] = len(venuePositions)
		}(client)
	}

	wg.Wait()

	log.WithFields(logger.Fields{
		"assets": len(positions),
		"venues": len(clients),
	}).Debug("positions aggregated")
	return positions, counts
}

// ComputeExposures derives the net exposure per asset from aggregated
// positions, pricing every venue's coin amount at one shared reference
// price. An asset whose price cannot be resolved is skipped for the
// cycle; other assets are unaffected.
func (a *Aggregator) ComputeExposures(ctx context.Context, positions PositionsByAsset, oracle *Oracle) map[string]AssetExposure {
	log := a.log.WithComponent("aggregator")

	exposures := make(map[string]AssetExposure, len(positions))
	for asset, byVenue := range positions {
		totalCoin := 0.0
		for _, pos := range byVenue {
			totalCoin += pos.AmountCoin
		}

		price, err := oracle.ReferencePrice(ctx, asset)
		if err != nil {
			log.WithError(err).WithField("asset", asset).Warn("no reference price, skipping asset this cycle")
			continue
		}

		exposure := AssetExposure{
			Asset:     asset,
			TotalCoin: totalCoin,
			TotalUSD:  totalCoin * price,
		}
		exposures[asset] = exposure
		metrics.SetDisbalance(asset, exposure.TotalUSD)
	}
	return exposures
}
