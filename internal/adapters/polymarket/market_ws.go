package polymarket

// market_ws.go: push quotes from the CLOB market websocket channel.
//
// MarketStream keeps a per-token book from "book" snapshots and
// "price_change" deltas and serves best prices to the price feed. Quotes
// older than the configured max age are reported as missing so the feed
// falls back to REST.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const (
	defaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	defaultPingInterval = 10 * time.Second
	defaultQuoteMaxAge  = 10 * time.Second
	defaultBackoffMin   = 500 * time.Millisecond
	defaultBackoffMax   = 30 * time.Second
)

// wsBook is the stream's view of one token.
type wsBook struct {
	bids    map[string]float64 // price text → size
	asks    map[string]float64
	bestBid string // top of book reported by price_change, overrides levels
	bestAsk string
	updated time.Time
}

// MarketStream implements ports.QuoteSource over the market websocket.
type MarketStream struct {
	url          string
	log          *slog.Logger
	pingInterval time.Duration
	maxAge       time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	books  map[string]*wsBook
	tokens []string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// StreamOption configures a MarketStream.
type StreamOption func(*MarketStream)

func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *MarketStream) { s.log = l }
}

// WithQuoteMaxAge sets how long a quote stays usable without updates.
func WithQuoteMaxAge(d time.Duration) StreamOption {
	return func(s *MarketStream) { s.maxAge = d }
}

// WithPingInterval sets how often the PING keepalive is sent.
func WithPingInterval(d time.Duration) StreamOption {
	return func(s *MarketStream) { s.pingInterval = d }
}

// WithReconnectBackoff bounds the jittered wait between reconnects.
func WithReconnectBackoff(min, max time.Duration) StreamOption {
	return func(s *MarketStream) {
		s.backoffMin = min
		s.backoffMax = max
	}
}

// NewMarketStream creates a stream for wsURL, or the production URL if empty.
// Nothing connects until Run is called.
func NewMarketStream(wsURL string, opts ...StreamOption) *MarketStream {
	if wsURL == "" {
		wsURL = defaultMarketWSURL
	}
	s := &MarketStream{
		url:          wsURL,
		log:          slog.Default(),
		pingInterval: defaultPingInterval,
		maxAge:       defaultQuoteMaxAge,
		backoffMin:   defaultBackoffMin,
		backoffMax:   defaultBackoffMax,
		now:          time.Now,
		books:        make(map[string]*wsBook),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe adds tokens to the subscription. Tokens added while connected
// are subscribed immediately; all tokens are resubscribed on reconnect.
func (s *MarketStream) Subscribe(tokens ...string) error {
	s.mu.Lock()
	var added []string
	for _, t := range tokens {
		if _, ok := s.books[t]; ok {
			continue
		}
		s.books[t] = &wsBook{bids: map[string]float64{}, asks: map[string]float64{}}
		s.tokens = append(s.tokens, t)
		added = append(added, t)
	}
	s.mu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.sendSubscribe(conn, added)
}

// BestPrice returns the freshest best price for a token side.
func (s *MarketStream) BestPrice(tokenID string, side domain.BookSide) (domain.PriceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[tokenID]
	if !ok || b.updated.IsZero() {
		return domain.PriceSample{}, false
	}
	if s.maxAge > 0 && s.now().Sub(b.updated) > s.maxAge {
		return domain.PriceSample{}, false
	}

	var entry domain.BookEntry
	if side == domain.BookAsk {
		entry, ok = bestLevel(b.bestAsk, b.asks, true)
	} else {
		entry, ok = bestLevel(b.bestBid, b.bids, false)
	}
	if !ok {
		return domain.PriceSample{}, false
	}
	return domain.SampleFromEntry(entry), true
}

func bestLevel(top string, levels map[string]float64, lowest bool) (domain.BookEntry, bool) {
	if v := numText(top).Float(); v > 0 {
		return domain.BookEntry{Price: v, PriceText: top}, true
	}
	var best domain.BookEntry
	found := false
	for text, size := range levels {
		p := numText(text).Float()
		if p <= 0 || size <= 0 {
			continue
		}
		if !found || (lowest && p < best.Price) || (!lowest && p > best.Price) {
			best = domain.BookEntry{Price: p, Size: size, PriceText: text}
			found = true
		}
	}
	return best, found
}

// Run connects and keeps the stream alive until ctx is done, reconnecting
// with jittered exponential backoff.
func (s *MarketStream) Run(ctx context.Context) error {
	backoff := s.backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warn("feed: market ws dial failed", "err", err, "retry_in", backoff)
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, s.backoffMax)
			continue
		}
		backoff = s.backoffMin
		s.log.Info("feed: market ws connected", "url", s.url)

		if err := s.session(ctx, conn); err != nil && ctx.Err() == nil {
			s.log.Warn("feed: market ws session ended", "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, s.backoffMax)
	}
}

func (s *MarketStream) session(ctx context.Context, conn *websocket.Conn) error {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	s.mu.RLock()
	tokens := append([]string(nil), s.tokens...)
	s.mu.RUnlock()
	if len(tokens) > 0 {
		if err := s.sendSubscribe(conn, tokens); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("market ws read: %w", err)
		}
		s.handle(msg)
	}
}

// keepalive sends PING text frames and closes the connection on ctx done so
// the blocked read returns.
func (s *MarketStream) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-stop:
			return
		case <-t.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			s.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *MarketStream) sendSubscribe(conn *websocket.Conn, tokens []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(wsSubscribe{AssetsIDs: tokens, Type: "market"}); err != nil {
		return fmt.Errorf("market ws subscribe: %w", err)
	}
	s.log.Debug("feed: market ws subscribed", "tokens", len(tokens))
	return nil
}

// handle applies one frame, which holds a single event or an array of them.
func (s *MarketStream) handle(msg []byte) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || strings.EqualFold(string(msg), "PONG") {
		return
	}

	var events []wsEvent
	if msg[0] == '[' {
		if err := json.Unmarshal(msg, &events); err != nil {
			s.log.Debug("feed: market ws decode", "err", err)
			return
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Debug("feed: market ws decode", "err", err)
			return
		}
		events = []wsEvent{ev}
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		switch ev.EventType {
		case "book":
			s.applyBook(ev, now)
		case "price_change":
			s.applyChanges(ev, now)
		}
	}
}

func (s *MarketStream) applyBook(ev wsEvent, now time.Time) {
	b, ok := s.books[ev.AssetID]
	if !ok {
		return
	}
	bids, asks := ev.Bids, ev.Asks
	if len(bids) == 0 && len(asks) == 0 {
		bids, asks = ev.Buys, ev.Sells
	}
	b.bids = levelMap(bids)
	b.asks = levelMap(asks)
	b.bestBid, b.bestAsk = "", ""
	b.updated = now
}

func (s *MarketStream) applyChanges(ev wsEvent, now time.Time) {
	changes := ev.PriceChanges
	if len(changes) == 0 {
		changes = ev.Changes
	}
	for _, ch := range changes {
		token := ch.AssetID
		if token == "" {
			token = ev.AssetID
		}
		b, ok := s.books[token]
		if !ok {
			continue
		}

		levels := b.bids
		if strings.EqualFold(ch.Side, "SELL") {
			levels = b.asks
		}
		if ch.Price.Set() {
			if size := ch.Size.Float(); size > 0 {
				levels[string(ch.Price)] = size
			} else {
				delete(levels, string(ch.Price))
			}
		}
		if ch.BestBid.Set() {
			b.bestBid = string(ch.BestBid)
		}
		if ch.BestAsk.Set() {
			b.bestAsk = string(ch.BestAsk)
		}
		b.updated = now
	}
}

func levelMap(raw []bookEntryRaw) map[string]float64 {
	m := make(map[string]float64, len(raw))
	for _, r := range raw {
		if size := r.Size.Float(); size > 0 && r.Price.Float() > 0 {
			m[string(r.Price)] = size
		}
	}
	return m
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int63n(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
