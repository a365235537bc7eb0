package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	defaultWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Stream implements domain.BookStreamer for the CLOB market channel. It
// keeps one book per subscribed token ID, applies snapshot and price-change
// frames, and hands out copies so no caller ever aliases the live book.
type Stream struct {
	wsURL  string
	logger *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	subs  []string // token IDs, replayed on reconnect
	books map[string]domain.BookSnapshot
}

// NewStream creates a Stream. An empty wsURL selects the production
// endpoint.
func NewStream(wsURL string, logger *slog.Logger) *Stream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &Stream{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "polymarket_stream")),
		books:  make(map[string]domain.BookSnapshot),
	}
}

// Subscribe registers token IDs for book updates. Already-known IDs are
// ignored. When a connection is live the subscription is sent immediately;
// otherwise RunStream sends it on the next (re)connect.
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

	if err := s.send(wsCommand{Type: "subscribe", Channel: "market", AssetIDs: added}); err != nil {
		return fmt.Errorf("polymarket: subscribe: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current book for a token ID.
func (s *Stream) Snapshot(marketID string) (domain.BookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[marketID]
	if !ok {
		return domain.BookSnapshot{}, false
	}

	out := book
	out.Bids = append([]domain.PriceLevel(nil), book.Bids...)
	out.Asks = append([]domain.PriceLevel(nil), book.Asks...)
	return out, true
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
		return fmt.Errorf("polymarket: dial %s: %w", s.wsURL, err)
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
		err := s.send(wsCommand{Type: "subscribe", Channel: "market", AssetIDs: subs})
		s.mu.Unlock()
		if err != nil {
			s.teardown()
			return fmt.Errorf("polymarket: replay subscriptions: %w", err)
		}
	}
	return nil
}

// readLoop consumes frames until the connection drops or ctx is canceled.
// A per-connection ping goroutine keeps the socket alive.
func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("polymarket: %w", domain.ErrWSDisconnect)
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
			return fmt.Errorf("polymarket: read: %w", err)
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

// send writes one command frame. Caller must hold s.mu.
func (s *Stream) send(cmd wsCommand) error {
	if s.conn == nil {
		return domain.ErrWSDisconnect
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
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

// handleMessage routes one frame. The market channel delivers either a JSON
// array of events or a single event object.
func (s *Stream) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}
		return
	}
	s.handleEvent(raw)
}

func (s *Stream) handleEvent(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	eventType := env.EventType
	if eventType == "" {
		eventType = env.MsgType
	}

	switch eventType {
	case "book":
		var book clobBook
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		s.applySnapshot(book)
	case "price_change":
		var pc wsPriceChange
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		s.applyPriceChange(pc)
	}
}

// applySnapshot replaces the book for one token ID.
func (s *Stream) applySnapshot(book clobBook) {
	snap := book.toDomain()
	if snap.MarketID == "" {
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.books[snap.MarketID] = snap
	s.mu.Unlock()
}

// applyPriceChange updates a single level in place. A zero size removes the
// level; side ordering is preserved (bids descending, asks ascending).
func (s *Stream) applyPriceChange(pc wsPriceChange) {
	price, err1 := strconv.ParseFloat(pc.Price, 64)
	size, err2 := strconv.ParseFloat(pc.Size, 64)
	if err1 != nil || err2 != nil || pc.AssetID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[pc.AssetID]
	if !ok {
		// No snapshot yet; deltas without a base are meaningless.
		return
	}

	isBid := strings.EqualFold(pc.Side, "BUY")
	if isBid {
		book.Bids = updateLevel(book.Bids, price, size, true)
	} else {
		book.Asks = updateLevel(book.Asks, price, size, false)
	}
	if ts := parseMillis(pc.Timestamp); !ts.IsZero() {
		book.Timestamp = ts
	} else {
		book.Timestamp = time.Now()
	}
	s.books[pc.AssetID] = book
}

// updateLevel sets, replaces, or removes one price level while keeping the
// side sorted best-first.
func updateLevel(levels []domain.PriceLevel, price, size float64, descending bool) []domain.PriceLevel {
	for i, l := range levels {
		if l.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}

	insertAt := len(levels)
	for i, l := range levels {
		better := price > l.Price
		if !descending {
			better = price < l.Price
		}
		if better {
			insertAt = i
			break
		}
	}
	levels = append(levels, domain.PriceLevel{})
	copy(levels[insertAt+1:], levels[insertAt:])
	levels[insertAt] = domain.PriceLevel{Price: price, Size: size}
	return levels
}

// Compile-time interface check.
var _ domain.BookStreamer = (*Stream)(nil)
