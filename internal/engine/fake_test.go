package engine

import (
	"context"
	"fmt"

	"balanceflow/internal/venue"
)

// fakeClient is an in-memory venue.Client used across the engine tests.
type fakeClient struct {
	name  string
	table *venue.SymbolTable

	positions    []venue.Position
	positionsErr error

	balance      float64
	available    float64
	availableErr error

	cachedBooks map[string]*venue.OrderBook
	liveBooks   map[string]*venue.OrderBook
	fetchErr    error

	instruments map[string]venue.Instrument

	orders      []venue.OrderRequest
	orderResult venue.OrderResult
	orderErr    error

	connects int
	cancels  int
	closes   int
}

func newFakeClient(name string, symbols map[string]string) *fakeClient {
	return &fakeClient{
		name:        name,
		table:       venue.NewSymbolTable(name, symbols),
		cachedBooks: make(map[string]*venue.OrderBook),
		liveBooks:   make(map[string]*venue.OrderBook),
		instruments: make(map[string]venue.Instrument),
	}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Connect(context.Context) error {
	f.connects++
	return nil
}

func (f *fakeClient) Close() error {
	f.closes++
	return nil
}

func (f *fakeClient) Positions(context.Context) ([]venue.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeClient) Balance(context.Context) (float64, error) {
	return f.balance, nil
}

func (f *fakeClient) AvailableBalance(context.Context, string, venue.Side) (float64, error) {
	if f.availableErr != nil {
		return 0, f.availableErr
	}
	return f.available, nil
}

func (f *fakeClient) OrderBook(symbol string) (*venue.OrderBook, bool) {
	book, ok := f.cachedBooks[symbol]
	return book, ok
}

func (f *fakeClient) FetchOrderBook(_ context.Context, symbol string) (*venue.OrderBook, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	book, ok := f.liveBooks[symbol]
	if !ok {
		return nil, fmt.Errorf("no book for %s", symbol)
	}
	return book, nil
}

func (f *fakeClient) CancelAllOrders(context.Context) error {
	f.cancels++
	return nil
}

func (f *fakeClient) CreateOrder(_ context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	f.orders = append(f.orders, req)
	if f.orderErr != nil {
		return venue.OrderResult{}, f.orderErr
	}
	return f.orderResult, nil
}

func (f *fakeClient) FitSizes(price, size float64, symbol string) (float64, float64) {
	inst, ok := f.instruments[symbol]
	if !ok {
		return price, size
	}
	return venue.FitToInstrument(price, size, inst)
}

func (f *fakeClient) SymbolFor(asset string) (string, bool) {
	return f.table.SymbolFor(asset)
}

func (f *fakeClient) AssetFor(symbol string) string {
	return f.table.AssetFor(symbol)
}

func (f *fakeClient) Instrument(symbol string) (venue.Instrument, bool) {
	inst, ok := f.instruments[symbol]
	return inst, ok
}

var _ venue.Client = (*fakeClient)(nil)

// book builds a one-level two-sided order book.
func book(venueName, symbol string, bid, ask float64) *venue.OrderBook {
	return &venue.OrderBook{
		Venue:  venueName,
		Symbol: symbol,
		Bids:   []venue.Level{{Price: bid, Quantity: 100}},
		Asks:   []venue.Level{{Price: ask, Quantity: 100}},
	}
}
