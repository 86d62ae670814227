package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"balanceflow/internal/venue"
	"balanceflow/logger"
)

// ErrNoQuotingVenue means no configured venue lists the asset at all.
// That is a configuration error, not a transient condition.
var ErrNoQuotingVenue = fmt.Errorf("no configured venue quotes the asset")

// Oracle resolves one shared reference mid-price per asset. The primary
// venue is chosen at random to spread book fetches across venues; all
// venues are assumed to track the common market price within noise, so
// the choice is load-spreading, not correctness.
type Oracle struct {
	clients []venue.Client

	mu  sync.Mutex
	rnd *rand.Rand

	log *logger.Log
}

// NewOracle creates an oracle over the configured venue clients. The
// random source is injected so tests can force a deterministic venue
// choice.
func NewOracle(clients []venue.Client, rnd *rand.Rand) *Oracle {
	return &Oracle{
		clients: clients,
		rnd:     rnd,
		log:     logger.GetLogger(),
	}
}

// ReferencePrice returns (bestAsk + bestBid) / 2 for the asset. One
// random quoting venue is tried first; on a stale or one-sided book the
// oracle falls back to the remaining quoting venues in configured
// order. Each venue is asked for a fresh book first, with its cached
// book as the fallback when the fetch fails or comes back one-sided.
func (o *Oracle) ReferencePrice(ctx context.Context, asset string) (float64, error) {
	quoting := make([]venue.Client, 0, len(o.clients))
	for _, client := range o.clients {
		if _, ok := client.SymbolFor(asset); ok {
			quoting = append(quoting, client)
		}
	}
	if len(quoting) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoQuotingVenue, asset)
	}

	o.mu.Lock()
	primary := o.rnd.Intn(len(quoting))
	o.mu.Unlock()

	// Rotate so the random primary is tried first and the rest keep
	// their configured order.
	for i := 0; i < len(quoting); i++ {
		client := quoting[(primary+i)%len(quoting)]
		if price, ok := o.priceFrom(ctx, client, asset); ok {
			return price, nil
		}
	}

	return 0, fmt.Errorf("no venue yielded a two-sided book for %s", asset)
}

func (o *Oracle) priceFrom(ctx context.Context, client venue.Client, asset string) (float64, bool) {
	symbol, ok := client.SymbolFor(asset)
	if !ok {
		return 0, false
	}

	book, err := client.FetchOrderBook(ctx, symbol)
	if err != nil {
		o.log.WithComponent("oracle").WithError(err).WithFields(logger.Fields{
			"venue":  client.Name(),
			"symbol": symbol,
		}).Debug("book fetch failed, falling back to cached book")
	} else if mid, ok := book.Mid(); ok {
		return mid, true
	}

	if book, ok := client.OrderBook(symbol); ok {
		if mid, ok := book.Mid(); ok {
			return mid, true
		}
	}
	return 0, false
}
