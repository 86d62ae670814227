package venue

import (
	"sync"
	"time"
)

// Level is a single price level in an order book.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a top-of-book snapshot for one symbol on one venue.
// Bids and Asks are sorted best-first.
type OrderBook struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// BestBid returns the highest bid price, if the book has one.
func (b *OrderBook) BestBid() (float64, bool) {
	if b == nil || len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, if the book has one.
func (b *OrderBook) BestAsk() (float64, bool) {
	if b == nil || len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Mid returns (bestAsk + bestBid) / 2. The second return is false when
// either side of the book is empty.
func (b *OrderBook) Mid() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (ask + bid) / 2, true
}

// Spread returns bestAsk + bestBid, the denominator of the fallback
// sizing rule. The second return is false when the book is one-sided.
func (b *OrderBook) Spread() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask + bid, true
}

// BookCache holds the last known book per symbol for one venue. Venue
// clients write into it from REST fetches and websocket streams; the
// engine reads cached copies through Client.OrderBook.
type BookCache struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewBookCache creates an empty cache.
func NewBookCache() *BookCache {
	return &BookCache{books: make(map[string]*OrderBook)}
}

// Put stores a snapshot, replacing any previous book for the symbol.
func (c *BookCache) Put(book *OrderBook) {
	if book == nil || book.Symbol == "" {
		return
	}
	c.mu.Lock()
	c.books[book.Symbol] = book
	c.mu.Unlock()
}

// Get returns the cached book for a symbol, if present.
func (c *BookCache) Get(symbol string) (*OrderBook, bool) {
	c.mu.RLock()
	book, ok := c.books[symbol]
	c.mu.RUnlock()
	return book, ok
}

// Len returns the number of cached symbols.
func (c *BookCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.books)
}
