package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"balanceflow/internal/venue"
	"balanceflow/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultStreamBase    = "wss://fstream.binance.com/stream"
	streamReconnectDelay = 5 * time.Second
)

// bookTickerData is the payload of one bookTicker event on the combined
// futures stream.
type bookTickerData struct {
	Symbol  string `json:"s"`
	BidPx   string `json:"b"`
	BidQty  string `json:"B"`
	AskPx   string `json:"a"`
	AskQty  string `json:"A"`
	EventMs int64  `json:"E"`
}

type combinedStreamMessage struct {
	Stream string         `json:"stream"`
	Data   bookTickerData `json:"data"`
}

// bookStream maintains a websocket subscription to the bookTicker
// channel for every configured symbol and writes each update into the
// shared book cache. The oracle and the planner's fallback pass read
// those cached books without a network round trip.
type bookStream struct {
	symbols []string
	books   *venue.BookCache
	log     *logger.Log
	cancel  context.CancelFunc
	done    chan struct{}
}

func newBookStream(symbols []string, books *venue.BookCache, log *logger.Log) *bookStream {
	return &bookStream{
		symbols: symbols,
		books:   books,
		log:     log,
		done:    make(chan struct{}),
	}
}

func (s *bookStream) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *bookStream) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *bookStream) run(ctx context.Context) {
	defer close(s.done)

	log := s.log.WithComponent("binance_book_stream")
	if len(s.symbols) == 0 {
		log.Warn("no symbols configured, book stream not started")
		return
	}

	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@bookTicker")
	}
	url := defaultStreamBase + "?streams=" + strings.Join(streams, "/")

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to binance book stream")
			if waitForReconnect(ctx, streamReconnectDelay) {
				return
			}
			continue
		}

		log.WithField("streams", len(streams)).Info("binance book stream connected")
		s.readLoop(ctx, conn, log)
		conn.Close()

		if waitForReconnect(ctx, streamReconnectDelay) {
			return
		}
	}
}

func (s *bookStream) readLoop(ctx context.Context, conn *websocket.Conn, log *logger.Entry) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("binance book stream read failed, reconnecting")
			}
			return
		}

		var msg combinedStreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Data.Symbol == "" {
			continue
		}
		s.apply(msg.Data)
	}
}

func (s *bookStream) apply(data bookTickerData) {
	bidPx, err1 := strconv.ParseFloat(data.BidPx, 64)
	askPx, err2 := strconv.ParseFloat(data.AskPx, 64)
	if err1 != nil || err2 != nil {
		return
	}
	bidQty, _ := strconv.ParseFloat(data.BidQty, 64)
	askQty, _ := strconv.ParseFloat(data.AskQty, 64)

	ts := time.Now().UTC()
	if data.EventMs > 0 {
		ts = time.UnixMilli(data.EventMs).UTC()
	}

	s.books.Put(&venue.OrderBook{
		Venue:     venueName,
		Symbol:    data.Symbol,
		Bids:      []venue.Level{{Price: bidPx, Quantity: bidQty}},
		Asks:      []venue.Level{{Price: askPx, Quantity: askQty}},
		Timestamp: ts,
	})
}

// waitForReconnect sleeps for the delay and reports whether the context
// was cancelled while waiting.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
