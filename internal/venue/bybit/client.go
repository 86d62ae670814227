package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"balanceflow/config"
	"balanceflow/internal/venue"
	"balanceflow/logger"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

const (
	venueName = "bybit"
	category  = "linear"
)

// Client talks to Bybit's unified trading account through the official
// v5 connector. Responses arrive as untyped maps, so every call decodes
// the result payload into a local struct.
type Client struct {
	cfg   config.VenueConfig
	api   *bybit.Client
	table *venue.SymbolTable
	books *venue.BookCache

	mu          sync.RWMutex
	instruments map[string]venue.Instrument

	log *logger.Log
}

// New builds a Bybit client from the venue configuration.
func New(cfg config.VenueConfig) *Client {
	opts := []bybit.ClientOption{}
	if cfg.URL != "" {
		opts = append(opts, bybit.WithBaseURL(cfg.URL))
	}

	return &Client{
		cfg:         cfg,
		api:         bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, opts...),
		table:       venue.NewSymbolTable(venueName, cfg.Symbols),
		books:       venue.NewBookCache(),
		instruments: make(map[string]venue.Instrument),
		log:         logger.GetLogger(),
	}
}

// Name implements venue.Client.
func (c *Client) Name() string { return venueName }

type instrumentInfoResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

// Connect loads instrument metadata for every configured symbol.
func (c *Client) Connect(ctx context.Context) error {
	log := c.log.WithComponent("bybit_client")

	instruments := make(map[string]venue.Instrument)
	for _, sym := range c.table.Symbols() {
		res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   sym,
		}).GetInstrumentInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to load bybit instrument info for %s: %w", sym, err)
		}

		var info instrumentInfoResult
		if err := decodeResult(res, &info); err != nil {
			return fmt.Errorf("failed to decode bybit instrument info for %s: %w", sym, err)
		}
		for _, entry := range info.List {
			tick, _ := strconv.ParseFloat(entry.PriceFilter.TickSize, 64)
			step, _ := strconv.ParseFloat(entry.LotSizeFilter.QtyStep, 64)
			min, _ := strconv.ParseFloat(entry.LotSizeFilter.MinOrderQty, 64)
			if min == 0 {
				min = step
			}
			instruments[entry.Symbol] = venue.Instrument{
				Symbol:   entry.Symbol,
				TickSize: tick,
				MinSize:  min,
				StepSize: step,
				TakerFee: defaultTakerFee,
			}
		}
	}

	c.mu.Lock()
	c.instruments = instruments
	c.mu.Unlock()

	log.WithField("instruments", len(instruments)).Info("bybit client connected")
	return nil
}

// Close implements venue.Client. The connector is stateless HTTP, so
// there is nothing to tear down.
func (c *Client) Close() error { return nil }

type positionListResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		PositionValue string `json:"positionValue"`
		MarkPrice     string `json:"markPrice"`
	} `json:"list"`
}

// Positions returns open linear positions. Sell-side positions carry
// negative coin and USD amounts.
func (c *Client) Positions(ctx context.Context) ([]venue.Position, error) {
	res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":   category,
		"settleCoin": "USDT",
	}).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bybit positions: %w", err)
	}

	var list positionListResult
	if err := decodeResult(res, &list); err != nil {
		return nil, fmt.Errorf("failed to decode bybit positions: %w", err)
	}

	positions := make([]venue.Position, 0, len(list.List))
	for _, p := range list.List {
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil || size == 0 {
			continue
		}
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		usd, err := strconv.ParseFloat(p.PositionValue, 64)
		if err != nil || usd == 0 {
			usd = size * mark
		}
		if p.Side == "Sell" {
			size = -size
			usd = -usd
		}
		positions = append(positions, venue.Position{
			Venue:      venueName,
			Asset:      c.table.AssetFor(p.Symbol),
			Symbol:     p.Symbol,
			AmountCoin: size,
			AmountUSD:  usd,
		})
	}
	return positions, nil
}

type walletResult struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

func (c *Client) fetchWallet(ctx context.Context) (*walletResult, error) {
	res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
		"accountType": "UNIFIED",
	}).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bybit wallet: %w", err)
	}

	var wallet walletResult
	if err := decodeResult(res, &wallet); err != nil {
		return nil, fmt.Errorf("failed to decode bybit wallet: %w", err)
	}
	return &wallet, nil
}

// Balance returns the unified account's total equity in USD.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	wallet, err := c.fetchWallet(ctx)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, acct := range wallet.List {
		v, err := strconv.ParseFloat(acct.TotalEquity, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// AvailableBalance returns the margin available for new orders. The
// unified account shares margin across symbols and sides.
func (c *Client) AvailableBalance(ctx context.Context, _ string, _ venue.Side) (float64, error) {
	wallet, err := c.fetchWallet(ctx)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, acct := range wallet.List {
		v, err := strconv.ParseFloat(acct.TotalAvailableBalance, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// OrderBook returns the cached book from the last fetch.
func (c *Client) OrderBook(symbol string) (*venue.OrderBook, bool) {
	return c.books.Get(symbol)
}

type orderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TsMs   int64      `json:"ts"`
}

// FetchOrderBook performs a fresh book fetch and refreshes the cache.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (*venue.OrderBook, error) {
	res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"limit":    bookDepthLimit,
	}).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bybit order book for %s: %w", symbol, err)
	}

	var raw orderBookResult
	if err := decodeResult(res, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode bybit order book for %s: %w", symbol, err)
	}

	ts := time.Now().UTC()
	if raw.TsMs > 0 {
		ts = time.UnixMilli(raw.TsMs).UTC()
	}
	book := &venue.OrderBook{
		Venue:     venueName,
		Symbol:    symbol,
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		Timestamp: ts,
	}

	c.books.Put(book)
	return book, nil
}

// CancelAllOrders cancels every resting linear order settled in USDT.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":   category,
		"settleCoin": "USDT",
	}).CancelAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel bybit orders: %w", err)
	}
	if res != nil && res.RetCode != 0 {
		return fmt.Errorf("bybit cancel-all rejected: %s", res.RetMsg)
	}
	return nil
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// CreateOrder submits a GTC limit order. A rejection with a retCode is
// reported through the empty-order-id sentinel, not an error, so the
// cycle can alert and move on to the next asset.
func (c *Client) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	inst, _ := c.Instrument(req.Symbol)

	side := "Buy"
	if req.Side == venue.SideSell {
		side = "Sell"
	}

	start := time.Now()
	res, err := c.api.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Limit",
		"timeInForce": "GTC",
		"price":       venue.FormatByStep(req.Price, inst.TickSize),
		"qty":         venue.FormatByStep(req.Size, inst.SizeStep()),
		"orderLinkId": req.ClientID,
	}).PlaceOrder(ctx)
	rtt := time.Since(start)

	if err != nil {
		return venue.OrderResult{}, fmt.Errorf("failed to place bybit order: %w", err)
	}
	if res == nil || res.RetCode != 0 {
		return venue.OrderResult{}, nil
	}

	var placed placeOrderResult
	if err := decodeResult(res, &placed); err != nil || placed.OrderID == "" {
		return venue.OrderResult{}, nil
	}

	return venue.OrderResult{
		OrderID:  placed.OrderID,
		PlacedAt: time.Now().UTC(),
		Latency:  rtt / 2,
	}, nil
}

// FitSizes implements venue.Client using the loaded instrument rules.
func (c *Client) FitSizes(price, size float64, symbol string) (float64, float64) {
	inst, ok := c.Instrument(symbol)
	if !ok {
		return price, size
	}
	return venue.FitToInstrument(price, size, inst)
}

// SymbolFor implements venue.Client.
func (c *Client) SymbolFor(asset string) (string, bool) {
	return c.table.SymbolFor(asset)
}

// AssetFor implements venue.Client.
func (c *Client) AssetFor(symbol string) string {
	return c.table.AssetFor(symbol)
}

// Instrument implements venue.Client.
func (c *Client) Instrument(symbol string) (venue.Instrument, bool) {
	c.mu.RLock()
	inst, ok := c.instruments[symbol]
	c.mu.RUnlock()
	if !ok || inst.TickSize <= 0 || inst.MinSize <= 0 {
		return inst, false
	}
	return inst, true
}

const (
	bookDepthLimit  = 25
	defaultTakerFee = 0.00055
)

// decodeResult re-marshals the connector's untyped result payload into
// a typed struct.
func decodeResult(res *bybit.ServerResponse, dst interface{}) error {
	if res == nil {
		return fmt.Errorf("empty response")
	}
	if res.RetCode != 0 {
		return fmt.Errorf("retCode %d: %s", res.RetCode, res.RetMsg)
	}
	raw, err := json.Marshal(res.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func parseLevels(raw [][]string) []venue.Level {
	levels := make([]venue.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(entry[0], 64)
		if err != nil {
			continue
		}
		qty, _ := strconv.ParseFloat(entry[1], 64)
		levels = append(levels, venue.Level{Price: price, Quantity: qty})
	}
	return levels
}

var _ venue.Client = (*Client)(nil)
