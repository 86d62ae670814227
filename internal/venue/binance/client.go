package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"balanceflow/config"
	"balanceflow/internal/venue"
	"balanceflow/logger"

	futures "github.com/adshao/go-binance/v2/futures"
)

const venueName = "binance"

// Client talks to Binance USD-M futures through the go-binance SDK. A
// background bookTicker stream keeps the cached top-of-book fresh
// between REST fetches.
type Client struct {
	cfg   config.VenueConfig
	api   *futures.Client
	table *venue.SymbolTable
	books *venue.BookCache

	mu          sync.RWMutex
	instruments map[string]venue.Instrument
	stream      *bookStream

	log *logger.Log
}

// New builds a Binance client from the venue configuration. No network
// calls happen until Connect.
func New(cfg config.VenueConfig) *Client {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout.Std(),
	}

	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	api.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout.Std(),
	}
	if cfg.URL != "" {
		api.SetApiEndpoint(cfg.URL)
	}

	return &Client{
		cfg:         cfg,
		api:         api,
		table:       venue.NewSymbolTable(venueName, cfg.Symbols),
		books:       venue.NewBookCache(),
		instruments: make(map[string]venue.Instrument),
		log:         log,
	}
}

// Name implements venue.Client.
func (c *Client) Name() string { return venueName }

// Connect loads instrument metadata for the configured symbols and
// starts the bookTicker stream feeding the cached order books.
func (c *Client) Connect(ctx context.Context) error {
	log := c.log.WithComponent("binance_client")

	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to load binance exchange info: %w", err)
	}

	configured := make(map[string]struct{}, len(c.cfg.Symbols))
	for _, sym := range c.table.Symbols() {
		configured[sym] = struct{}{}
	}

	instruments := make(map[string]venue.Instrument, len(configured))
	for _, s := range info.Symbols {
		if _, ok := configured[s.Symbol]; !ok {
			continue
		}
		inst := venue.Instrument{Symbol: s.Symbol, TakerFee: defaultTakerFee}
		if pf := s.PriceFilter(); pf != nil {
			inst.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			inst.MinSize, _ = strconv.ParseFloat(lf.MinQuantity, 64)
			inst.StepSize, _ = strconv.ParseFloat(lf.StepSize, 64)
		}
		instruments[s.Symbol] = inst
	}

	for sym, inst := range instruments {
		rate, err := c.api.NewCommissionRateService().Symbol(sym).Do(ctx)
		if err != nil {
			log.WithError(err).WithField("symbol", sym).Debug("commission rate lookup failed, using default taker fee")
			continue
		}
		if fee, err := strconv.ParseFloat(rate.TakerCommissionRate, 64); err == nil {
			inst.TakerFee = fee
			instruments[sym] = inst
		}
	}

	c.mu.Lock()
	c.instruments = instruments
	c.mu.Unlock()

	stream := newBookStream(c.table.Symbols(), c.books, c.log)
	stream.start(ctx)

	c.mu.Lock()
	if c.stream != nil {
		c.stream.stop()
	}
	c.stream = stream
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"symbols":     len(configured),
		"instruments": len(instruments),
	}).Info("binance client connected")
	return nil
}

// Close stops the book stream.
func (c *Client) Close() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.stop()
	}
	return nil
}

// Positions returns every open futures position with a non-zero amount.
// USD amounts come from the venue's own mark price.
func (c *Client) Positions(ctx context.Context) ([]venue.Position, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch binance positions: %w", err)
	}

	positions := make([]venue.Position, 0, len(risks))
	for _, r := range risks {
		amount, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || amount == 0 {
			continue
		}
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		positions = append(positions, venue.Position{
			Venue:      venueName,
			Asset:      c.table.AssetFor(r.Symbol),
			Symbol:     r.Symbol,
			AmountCoin: amount,
			AmountUSD:  amount * mark,
		})
	}
	return positions, nil
}

// Balance sums the USD-stable wallet balances.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	balances, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch binance balance: %w", err)
	}

	total := 0.0
	for _, b := range balances {
		if !isStableAsset(b.Asset) {
			continue
		}
		v, err := strconv.ParseFloat(b.Balance, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// AvailableBalance returns the margin available for a new order. The
// symbol and side do not change the answer on a cross-margin account.
func (c *Client) AvailableBalance(ctx context.Context, _ string, _ venue.Side) (float64, error) {
	balances, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch binance available balance: %w", err)
	}

	total := 0.0
	for _, b := range balances {
		if !isStableAsset(b.Asset) {
			continue
		}
		v, err := strconv.ParseFloat(b.AvailableBalance, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// OrderBook returns the cached book, fed by the websocket stream and
// previous REST fetches.
func (c *Client) OrderBook(symbol string) (*venue.OrderBook, bool) {
	return c.books.Get(symbol)
}

// FetchOrderBook performs a fresh depth fetch and refreshes the cache.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (*venue.OrderBook, error) {
	res, err := c.api.NewDepthService().Symbol(symbol).Limit(bookDepthLimit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch binance order book for %s: %w", symbol, err)
	}

	book := &venue.OrderBook{
		Venue:     venueName,
		Symbol:    symbol,
		Bids:      make([]venue.Level, 0, len(res.Bids)),
		Asks:      make([]venue.Level, 0, len(res.Asks)),
		Timestamp: time.Now().UTC(),
	}
	for _, b := range res.Bids {
		price, _ := strconv.ParseFloat(b.Price, 64)
		qty, _ := strconv.ParseFloat(b.Quantity, 64)
		book.Bids = append(book.Bids, venue.Level{Price: price, Quantity: qty})
	}
	for _, a := range res.Asks {
		price, _ := strconv.ParseFloat(a.Price, 64)
		qty, _ := strconv.ParseFloat(a.Quantity, 64)
		book.Asks = append(book.Asks, venue.Level{Price: price, Quantity: qty})
	}

	c.books.Put(book)
	return book, nil
}

// CancelAllOrders cancels resting orders on every configured symbol.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	var firstErr error
	for _, sym := range c.table.Symbols() {
		if err := c.api.NewCancelAllOpenOrdersService().Symbol(sym).Do(ctx); err != nil {
			c.log.WithComponent("binance_client").WithError(err).WithField("symbol", sym).Warn("failed to cancel binance orders")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateOrder submits a GTC limit order. Rejections surface through the
// empty-order-id sentinel rather than an error so callers can alert and
// continue the cycle.
func (c *Client) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	inst, _ := c.Instrument(req.Symbol)

	side := futures.SideTypeBuy
	if req.Side == venue.SideSell {
		side = futures.SideTypeSell
	}

	start := time.Now()
	res, err := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(venue.FormatByStep(req.Price, inst.TickSize)).
		Quantity(venue.FormatByStep(req.Size, inst.SizeStep())).
		NewClientOrderID(req.ClientID).
		Do(ctx)
	rtt := time.Since(start)

	if err != nil {
		return venue.OrderResult{}, fmt.Errorf("failed to place binance order: %w", err)
	}
	if res == nil || res.OrderID == 0 {
		return venue.OrderResult{}, nil
	}

	placedAt := time.UnixMilli(res.UpdateTime).UTC()
	return venue.OrderResult{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		PlacedAt: placedAt,
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
	bookDepthLimit  = 20
	defaultTakerFee = 0.0005
)

func isStableAsset(asset string) bool {
	switch asset {
	case "USDT", "USDC", "BUSD":
		return true
	default:
		return false
	}
}

var _ venue.Client = (*Client)(nil)
