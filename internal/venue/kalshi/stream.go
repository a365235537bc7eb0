package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	defaultWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Stream implements domain.BookStreamer for the Kalshi orderbook_delta
// channel. Raw YES/NO ladders are kept in cents per ticker; snapshots are
// converted to YES-denominated dollar books on read.
type Stream struct {
	wsURL  string
	logger *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	cmdID int64
	subs  []string // market tickers, replayed on reconnect
	books map[string]*rawBook
}

// rawBook holds the cent-denominated ladders for one ticker. The delta
// stream mutates quantities keyed by (side, price).
type rawBook struct {
	yes       map[int64]int64 // price cents -> contracts
	no        map[int64]int64
	timestamp time.Time
}

// NewStream creates a Stream. An empty wsURL selects the production
// endpoint.
func NewStream(wsURL string, logger *slog.Logger) *Stream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &Stream{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "kalshi_stream")),
		books:  make(map[string]*rawBook),
	}
}

// Subscribe registers market tickers for book updates. Known tickers are
// ignored; new ones are sent immediately when connected and replayed on
// reconnect otherwise.
func (s *Stream) Subscribe(ctx context.Context, marketIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]struct{}, len(s.subs))
	for _, id := range s.subs {
		known[id] = struct{}{}
	}

	var added []string
	for _, id := range marketIDs {
		if _, ok := known[id]; ok || id == "" {
			continue
		}
		known[id] = struct{}{}
		s.subs = append(s.subs, id)
		added = append(added, id)
	}
	if len(added) == 0 || s.conn == nil {
		return nil
	}

	if err := s.sendSubscribe(added); err != nil {
		return fmt.Errorf("kalshi: subscribe: %w", err)
	}
	return nil
}

// Snapshot returns a YES-denominated copy of the current book for a ticker.
func (s *Stream) Snapshot(marketID string) (domain.BookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[marketID]
	if !ok {
		return domain.BookSnapshot{}, false
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueKalshi,
		MarketID:  marketID,
		Timestamp: book.timestamp,
	}
	for price, qty := range book.yes {
		if qty > 0 {
			snap.Bids = append(snap.Bids, domain.PriceLevel{
				Price: float64(price) / 100,
				Size:  float64(qty),
			})
		}
	}
	for price, qty := range book.no {
		if qty > 0 {
			snap.Asks = append(snap.Asks, domain.PriceLevel{
				Price: float64(100-price) / 100,
				Size:  float64(qty),
			})
		}
	}
	sortBook(snap.Bids, true)
	sortBook(snap.Asks, false)

	// Drop folded NO levels that sit at or below the best YES bid; a stale
	// ladder entry must not surface as a crossed book.
	if len(snap.Bids) > 0 {
		bestBid := snap.Bids[0].Price
		for len(snap.Asks) > 0 && snap.Asks[0].Price <= bestBid {
			snap.Asks = snap.Asks[1:]
		}
	}
	return snap, true
}

// RunStream connects and consumes book frames until ctx is canceled,
// reconnecting with exponential backoff and replaying subscriptions. It
// always returns ctx.Err().
func (s *Stream) RunStream(ctx context.Context) error {
	delay := reconnectDelay

	for {
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("connect failed, backing off",
				slog.Duration("delay", delay), slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = reconnectDelay

		err := s.readLoop(ctx)
		s.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected, reconnecting", slog.String("error", err.Error()))
	}
}

// connect dials, installs keepalive, and replays the subscription list.
func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kalshi: dial %s: %w", s.wsURL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	s.conn = conn
	subs := append([]string(nil), s.subs...)
	s.mu.Unlock()

	if len(subs) > 0 {
		s.mu.Lock()
		err := s.sendSubscribe(subs)
		s.mu.Unlock()
		if err != nil {
			s.teardown()
			return fmt.Errorf("kalshi: replay subscriptions: %w", err)
		}
	}
	return nil
}

// sendSubscribe sends one orderbook_delta subscription. Caller holds s.mu.
func (s *Stream) sendSubscribe(tickers []string) error {
	if s.conn == nil {
		return domain.ErrWSDisconnect
	}
	s.cmdID++

	cmd := wsSubscribeCmd{
		ID:  s.cmdID,
		Cmd: "subscribe",
		Params: wsSubscribeParams{
			Channels: []string{"orderbook_delta"},
			Tickers:  tickers,
		},
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the connection drops or ctx is canceled.
func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("kalshi: %w", domain.ErrWSDisconnect)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	// Unblock ReadMessage when the caller cancels.
	go func() {
		<-pingCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kalshi: read: %w", err)
		}
		s.handleMessage(message)
	}
}

// pingLoop sends periodic pings on one connection.
func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown closes and clears the current connection.
func (s *Stream) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = s.conn.Close()
		s.conn = nil
	}
}

// handleMessage routes one frame.
func (s *Stream) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var snap wsOrderbookSnapshot
		if err := json.Unmarshal(env.Msg, &snap); err != nil {
			return
		}
		s.applySnapshot(snap)
	case "orderbook_delta":
		var delta wsOrderbookDelta
		if err := json.Unmarshal(env.Msg, &delta); err != nil {
			return
		}
		s.applyDelta(delta)
	}
}

// applySnapshot replaces both ladders for one ticker.
func (s *Stream) applySnapshot(snap wsOrderbookSnapshot) {
	if snap.Ticker == "" {
		return
	}

	book := &rawBook{
		yes:       make(map[int64]int64, len(snap.Yes)),
		no:        make(map[int64]int64, len(snap.No)),
		timestamp: time.Now(),
	}
	for _, l := range snap.Yes {
		if l.qty() > 0 {
			book.yes[l.price()] = l.qty()
		}
	}
	for _, l := range snap.No {
		if l.qty() > 0 {
			book.no[l.price()] = l.qty()
		}
	}

	s.mu.Lock()
	s.books[snap.Ticker] = book
	s.mu.Unlock()
}

// applyDelta adjusts one (side, price) quantity. Deltas without a snapshot
// base are dropped.
func (s *Stream) applyDelta(delta wsOrderbookDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[delta.Ticker]
	if !ok {
		return
	}

	side := book.yes
	if delta.Side == "no" {
		side = book.no
	}

	qty := side[delta.Price] + delta.Delta
	if qty <= 0 {
		delete(side, delta.Price)
	} else {
		side[delta.Price] = qty
	}
	book.timestamp = time.Now()
}

// Compile-time interface check.
var _ domain.BookStreamer = (*Stream)(nil)
