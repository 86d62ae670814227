package venue

import (
	"context"
	"strings"
	"time"

	"balanceflow/internal/symbols"
)

// Side identifies the direction of a corrective order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is one open position reported by a venue, keyed by the
// venue-native symbol and translated back to the canonical asset code.
type Position struct {
	Venue      string  `json:"venue"`
	Asset      string  `json:"asset"`
	Symbol     string  `json:"symbol"`
	AmountCoin float64 `json:"amount_coin"`
	AmountUSD  float64 `json:"amount_usd"`
}

// Balance is a venue account balance snapshot in USD terms.
type Balance struct {
	Venue string  `json:"venue"`
	USD   float64 `json:"usd"`
}

// Instrument carries the per-symbol trading rules a venue publishes.
type Instrument struct {
	Symbol   string
	TickSize float64
	// MinSize is the smallest order quantity the venue accepts. StepSize
	// is the quantity increment; when the venue reports no separate
	// increment it stays zero and MinSize doubles as the step.
	MinSize  float64
	StepSize float64
	TakerFee float64
}

// SizeStep returns the quantity increment orders must be rounded to.
func (i Instrument) SizeStep() float64 {
	if i.StepSize > 0 {
		return i.StepSize
	}
	return i.MinSize
}

// OrderRequest describes one corrective order to be submitted.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Price    float64
	Size     float64
	ClientID string
}

// OrderResult is the venue's acknowledgement of an order submission. An
// empty OrderID is the placement-failure sentinel: the request reached
// the venue but no order was accepted.
type OrderResult struct {
	OrderID  string
	PlacedAt time.Time
	Latency  time.Duration
}

// Failed reports whether the venue rejected the order.
func (r OrderResult) Failed() bool {
	return r.OrderID == ""
}

// Client is the per-exchange capability contract. The engine never
// special-cases a venue name; everything venue specific lives behind
// this interface.
type Client interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string

	// Connect establishes API connectivity and loads instrument
	// metadata. Start of every reconciliation cycle.
	Connect(ctx context.Context) error

	// Close tears down connections at the end of a cycle.
	Close() error

	// Positions returns all currently open positions.
	Positions(ctx context.Context) ([]Position, error)

	// Balance returns the total account balance in USD terms.
	Balance(ctx context.Context) (float64, error)

	// AvailableBalance returns the balance available to open a new
	// order on the given symbol and side.
	AvailableBalance(ctx context.Context, symbol string, side Side) (float64, error)

	// OrderBook returns the last cached book for the symbol, if any.
	OrderBook(symbol string) (*OrderBook, bool)

	// FetchOrderBook performs a fresh book fetch and refreshes the
	// cached copy on success.
	FetchOrderBook(ctx context.Context, symbol string) (*OrderBook, error)

	// CancelAllOrders cancels every resting order on this venue.
	CancelAllOrders(ctx context.Context) error

	// CreateOrder submits a limit order. A returned OrderResult with
	// an empty order id means the venue rejected the placement.
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// FitSizes rounds price and size down to the venue's precision
	// rules for the symbol.
	FitSizes(price, size float64, symbol string) (float64, float64)

	// SymbolFor maps a canonical asset code to the venue-native symbol.
	SymbolFor(asset string) (string, bool)

	// AssetFor maps a venue-native symbol back to the canonical asset.
	AssetFor(symbol string) string

	// Instrument returns the trading rules for a symbol. The second
	// return is false when the venue published no metadata for it.
	Instrument(symbol string) (Instrument, bool)
}

// SymbolTable is the bidirectional asset <-> venue-native symbol map
// shared by all venue clients. It is built once from configuration and
// read-only afterwards.
type SymbolTable struct {
	venue    string
	byAsset  map[string]string
	bySymbol map[string]string
}

// NewSymbolTable builds a table for one venue from the configured
// asset -> native symbol map. Asset lookups are case-insensitive.
func NewSymbolTable(venue string, assetToSymbol map[string]string) *SymbolTable {
	t := &SymbolTable{
		venue:    venue,
		byAsset:  make(map[string]string, len(assetToSymbol)),
		bySymbol: make(map[string]string, len(assetToSymbol)),
	}
	for asset, sym := range assetToSymbol {
		a := strings.ToUpper(strings.TrimSpace(asset))
		t.byAsset[a] = sym
		t.bySymbol[sym] = a
	}
	return t
}

// SymbolFor returns the venue-native symbol for an asset.
func (t *SymbolTable) SymbolFor(asset string) (string, bool) {
	sym, ok := t.byAsset[strings.ToUpper(strings.TrimSpace(asset))]
	return sym, ok
}

// AssetFor returns the canonical asset for a venue-native symbol. When
// the symbol is not in the configured table it falls back to the
// generic suffix-stripping rules, so positions in unconfigured symbols
// still aggregate under a sensible asset code.
func (t *SymbolTable) AssetFor(symbol string) string {
	if asset, ok := t.bySymbol[symbol]; ok {
		return asset
	}
	return symbols.Asset(t.venue, symbol)
}

// Symbols returns every configured venue-native symbol.
func (t *SymbolTable) Symbols() []string {
	out := make([]string, 0, len(t.bySymbol))
	for sym := range t.bySymbol {
		out = append(out, sym)
	}
	return out
}
