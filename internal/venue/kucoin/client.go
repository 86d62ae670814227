package kucoin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"balanceflow/config"
	"balanceflow/internal/venue"
	"balanceflow/logger"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	account "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/account/account"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	futuresorder "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/order"
	futurespositions "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/positions"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
)

const (
	venueName       = "kucoin"
	defaultEndpoint = "https://api-futures.kucoin.com"
)

// Client talks to KuCoin futures through the universal SDK. KuCoin
// sizes contracts in integer lots, so the instrument multiplier (coin
// per lot) doubles as the minimum size increment and every order size
// is converted to lots before submission.
type Client struct {
	cfg   config.VenueConfig
	table *venue.SymbolTable
	books *venue.BookCache

	marketAPI    futuresmarket.MarketAPI
	orderAPI     futuresorder.OrderAPI
	positionsAPI futurespositions.PositionsAPI
	accountAPI   account.AccountAPI

	mu          sync.RWMutex
	instruments map[string]venue.Instrument

	log *logger.Log
}

// New builds a KuCoin client from the venue configuration.
func New(cfg config.VenueConfig) *Client {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultEndpoint
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout.Std()).
		SetTimeout(cfg.Timeout.Std()).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithKey(cfg.APIKey).
		WithSecret(cfg.APISecret).
		WithPassphrase(cfg.APIPassphrase).
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := api.NewClient(option)
	futuresSvc := client.RestService().GetFuturesService()

	return &Client{
		cfg:          cfg,
		table:        venue.NewSymbolTable(venueName, cfg.Symbols),
		books:        venue.NewBookCache(),
		marketAPI:    futuresSvc.GetMarketAPI(),
		orderAPI:     futuresSvc.GetOrderAPI(),
		positionsAPI: futuresSvc.GetPositionsAPI(),
		accountAPI:   client.RestService().GetAccountService().GetAccountAPI(),
		instruments:  make(map[string]venue.Instrument),
		log:          logger.GetLogger(),
	}
}

// Name implements venue.Client.
func (c *Client) Name() string { return venueName }

// Connect loads contract metadata for every configured symbol.
func (c *Client) Connect(ctx context.Context) error {
	log := c.log.WithComponent("kucoin_client")

	instruments := make(map[string]venue.Instrument)
	for _, sym := range c.table.Symbols() {
		req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(sym).Build()
		resp, err := c.marketAPI.GetSymbol(req, ctx)
		if err != nil {
			return fmt.Errorf("failed to load kucoin contract %s: %w", sym, err)
		}
		if resp == nil || resp.Multiplier <= 0 {
			log.WithField("symbol", sym).Warn("kucoin contract has no multiplier, skipping")
			continue
		}
		instruments[sym] = venue.Instrument{
			Symbol:   sym,
			TickSize: resp.TickSize,
			MinSize:  resp.Multiplier,
			TakerFee: resp.TakerFeeRate,
		}
	}

	c.mu.Lock()
	c.instruments = instruments
	c.mu.Unlock()

	log.WithField("instruments", len(instruments)).Info("kucoin client connected")
	return nil
}

// Close implements venue.Client.
func (c *Client) Close() error { return nil }

// Positions returns open positions, converting lot counts into coin
// amounts through the contract multiplier.
func (c *Client) Positions(ctx context.Context) ([]venue.Position, error) {
	req := futurespositions.NewGetPositionListReqBuilder().Build()
	resp, err := c.positionsAPI.GetPositionList(req, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch kucoin positions: %w", err)
	}
	if resp == nil {
		return nil, nil
	}

	positions := make([]venue.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		if p.CurrentQty == 0 {
			continue
		}
		multiplier := 1.0
		if inst, ok := c.Instrument(p.Symbol); ok {
			multiplier = inst.MinSize
		}
		coin := float64(p.CurrentQty) * multiplier
		positions = append(positions, venue.Position{
			Venue:      venueName,
			Asset:      c.table.AssetFor(p.Symbol),
			Symbol:     p.Symbol,
			AmountCoin: coin,
			AmountUSD:  coin * p.MarkPrice,
		})
	}
	return positions, nil
}

func (c *Client) fetchAccount(ctx context.Context) (*account.GetFuturesAccountResp, error) {
	req := account.NewGetFuturesAccountReqBuilder().SetCurrency("USDT").Build()
	resp, err := c.accountAPI.GetFuturesAccount(req, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch kucoin account: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty kucoin account response")
	}
	return resp, nil
}

// Balance returns total futures account equity in USDT.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	resp, err := c.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	return resp.AccountEquity, nil
}

// AvailableBalance returns the margin available for new orders.
func (c *Client) AvailableBalance(ctx context.Context, _ string, _ venue.Side) (float64, error) {
	resp, err := c.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	return resp.AvailableBalance, nil
}

// OrderBook returns the cached book from the last fetch.
func (c *Client) OrderBook(symbol string) (*venue.OrderBook, bool) {
	return c.books.Get(symbol)
}

// FetchOrderBook performs a fresh part-order-book fetch and refreshes
// the cache.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (*venue.OrderBook, error) {
	req := futuresmarket.NewGetPartOrderBookReqBuilder().
		SetSymbol(symbol).
		SetSize("20").
		Build()
	resp, err := c.marketAPI.GetPartOrderBook(req, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch kucoin order book for %s: %w", symbol, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty kucoin order book response for %s", symbol)
	}

	book := &venue.OrderBook{
		Venue:     venueName,
		Symbol:    symbol,
		Bids:      parseLevels(resp.Bids),
		Asks:      parseLevels(resp.Asks),
		Timestamp: time.Now().UTC(),
	}
	if resp.Ts > 0 {
		book.Timestamp = time.Unix(0, resp.Ts).UTC()
	}

	c.books.Put(book)
	return book, nil
}

// CancelAllOrders cancels resting orders on every configured symbol.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	var firstErr error
	for _, sym := range c.table.Symbols() {
		req := futuresorder.NewCancelAllOrdersV3ReqBuilder().SetSymbol(sym).Build()
		if _, err := c.orderAPI.CancelAllOrdersV3(req, ctx); err != nil {
			c.log.WithComponent("kucoin_client").WithError(err).WithField("symbol", sym).Warn("failed to cancel kucoin orders")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateOrder submits a GTC limit order, converting the coin size into
// integer lots. Sizes below one lot are a placement failure.
func (c *Client) CreateOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	inst, ok := c.Instrument(req.Symbol)
	if !ok {
		return venue.OrderResult{}, fmt.Errorf("no kucoin contract metadata for %s", req.Symbol)
	}

	lots := int32(math.Floor(req.Size/inst.MinSize + 1e-9))
	if lots <= 0 {
		return venue.OrderResult{}, nil
	}

	side := "buy"
	if req.Side == venue.SideSell {
		side = "sell"
	}

	orderReq := futuresorder.NewAddOrderReqBuilder().
		SetClientOid(req.ClientID).
		SetSymbol(req.Symbol).
		SetSide(side).
		SetType("limit").
		SetPrice(venue.FormatByStep(req.Price, inst.TickSize)).
		SetSize(lots).
		SetLeverage(1).
		Build()

	start := time.Now()
	resp, err := c.orderAPI.AddOrder(orderReq, ctx)
	rtt := time.Since(start)

	if err != nil {
		return venue.OrderResult{}, fmt.Errorf("failed to place kucoin order: %w", err)
	}
	if resp == nil || resp.OrderId == "" {
		return venue.OrderResult{}, nil
	}

	return venue.OrderResult{
		OrderID:  resp.OrderId,
		PlacedAt: time.Now().UTC(),
		Latency:  rtt / 2,
	}, nil
}

// FitSizes implements venue.Client. Size is rounded down to a whole
// number of lots.
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

func parseLevels(raw [][]float64) []venue.Level {
	levels := make([]venue.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		levels = append(levels, venue.Level{Price: entry[0], Quantity: entry[1]})
	}
	return levels
}

var _ venue.Client = (*Client)(nil)
