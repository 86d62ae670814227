package engine

import (
	"balanceflow/internal/venue"
	"balanceflow/logger"
)

// Candidate is one venue that survived the planner's balance filtering,
// together with the book used to qualify it and the size it can absorb.
type Candidate struct {
	Client venue.Client
	Symbol string
	Book   *venue.OrderBook
	Size   float64
}

// Selection is the venue the selector committed to, with the price and
// size already fitted to that venue's precision rules.
type Selection struct {
	Client venue.Client
	Symbol string
	Price  float64
	Size   float64
}

// Selector ranks candidate venues by pretend price: the best quote
// shifted a fixed number of ticks against us, a worst-case slippage
// guard that keeps a thin top level from winning the comparison.
type Selector struct {
	offsetTicks int
	log         *logger.Log
}

// NewSelector creates a selector with the configured tick offset.
func NewSelector(offsetTicks int) *Selector {
	return &Selector{
		offsetTicks: offsetTicks,
		log:         logger.GetLogger(),
	}
}

// Select picks the candidate with the most favorable pretend price:
// lowest for buys, highest for sells. Ties go to the first candidate in
// the supplied order. Venues without instrument metadata or a usable
// book are skipped. The second return is false when no candidate
// qualifies, which callers treat as "no corrective action this cycle",
// not as an error.
func (s *Selector) Select(side venue.Side, candidates []Candidate) (Selection, bool) {
	var best Selection
	found := false

	for _, cand := range candidates {
		inst, ok := cand.Client.Instrument(cand.Symbol)
		if !ok {
			s.log.WithComponent("selector").WithFields(logger.Fields{
				"venue":  cand.Client.Name(),
				"symbol": cand.Symbol,
			}).Warn("missing instrument metadata, skipping venue")
			continue
		}

		price, ok := s.pretendPrice(side, cand.Book, inst)
		if !ok {
			continue
		}

		// Strict comparison keeps the first candidate on ties.
		if !found || better(side, price, best.Price) {
			best = Selection{
				Client: cand.Client,
				Symbol: cand.Symbol,
				Price:  price,
				Size:   cand.Size,
			}
			found = true
		}
	}

	if !found {
		return Selection{}, false
	}

	best.Price, best.Size = best.Client.FitSizes(best.Price, best.Size, best.Symbol)
	if best.Size <= 0 {
		return Selection{}, false
	}
	return best, true
}

// pretendPrice computes best-ask plus the tick offset for buys and
// best-bid minus it for sells.
func (s *Selector) pretendPrice(side venue.Side, book *venue.OrderBook, inst venue.Instrument) (float64, bool) {
	offset := float64(s.offsetTicks) * inst.TickSize
	if side == venue.SideBuy {
		ask, ok := book.BestAsk()
		if !ok {
			return 0, false
		}
		return ask + offset, true
	}
	bid, ok := book.BestBid()
	if !ok {
		return 0, false
	}
	return bid - offset, true
}

func better(side venue.Side, price, current float64) bool {
	if side == venue.SideBuy {
		return price < current
	}
	return price > current
}
