package polymarket_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyfollow/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// wsServer upgrades every connection, records the subscription and writes
// the scripted frames. It then drains reads until the client goes away.
func wsServer(t *testing.T, frames []string, subs chan<- []string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub struct {
			AssetsIDs []string `json:"assets_ids"`
			Type      string   `json:"type"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "market", sub.Type)
		subs <- sub.AssetsIDs

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietStreamLogger() polymarket.StreamOption {
	return polymarket.WithStreamLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMarketStream_BookAndPriceChange(t *testing.T) {
	frames := []string{
		`[{"event_type":"book","asset_id":"tok","bids":[{"price":"0.48","size":"10"},{"price":"0.50","size":"5"}],"asks":[{"price":"0.530","size":"7"},{"price":"0.55","size":"9"}]}]`,
		`{"event_type":"price_change","asset_id":"tok","changes":[{"price":"0.51","size":"3","side":"BUY"},{"price":"0.530","size":"0","side":"SELL"}]}`,
		`PONG`,
	}
	subs := make(chan []string, 1)
	srv := wsServer(t, frames, subs)
	defer srv.Close()

	stream := polymarket.NewMarketStream(wsURL(srv), quietStreamLogger(), polymarket.WithQuoteMaxAge(time.Minute))
	require.NoError(t, stream.Subscribe("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case ids := <-subs:
		assert.Equal(t, []string{"tok"}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	assert.Eventually(t, func() bool {
		bid, ok := stream.BestPrice("tok", domain.BookBid)
		return ok && bid.Price == 0.51
	}, 2*time.Second, 10*time.Millisecond)

	ask, ok := stream.BestPrice("tok", domain.BookAsk)
	require.True(t, ok)
	assert.InDelta(t, 0.55, ask.Price, 1e-9, "the 0.530 level was removed")

	_, ok = stream.BestPrice("other", domain.BookBid)
	assert.False(t, ok, "unsubscribed token")
}

func TestMarketStream_BestFieldsOverrideLevels(t *testing.T) {
	frames := []string{
		`{"event_type":"book","asset_id":"tok","bids":[{"price":"0.40","size":"10"}],"asks":[{"price":"0.60","size":"10"}]}`,
		`{"event_type":"price_change","market":"m","price_changes":[{"asset_id":"tok","price":"0.45","size":"2","side":"BUY","best_bid":"0.455","best_ask":"0.58"}]}`,
	}
	subs := make(chan []string, 1)
	srv := wsServer(t, frames, subs)
	defer srv.Close()

	stream := polymarket.NewMarketStream(wsURL(srv), quietStreamLogger())
	require.NoError(t, stream.Subscribe("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	assert.Eventually(t, func() bool {
		bid, ok := stream.BestPrice("tok", domain.BookBid)
		return ok && bid.Price == 0.455
	}, 2*time.Second, 10*time.Millisecond)

	bid, _ := stream.BestPrice("tok", domain.BookBid)
	assert.Equal(t, 3, bid.Decimals, "precision comes from the literal text")
	ask, _ := stream.BestPrice("tok", domain.BookAsk)
	assert.InDelta(t, 0.58, ask.Price, 1e-9)
}

func TestMarketStream_StaleQuotesAreMissing(t *testing.T) {
	frames := []string{
		`{"event_type":"book","asset_id":"tok","bids":[{"price":"0.40","size":"10"}],"asks":[]}`,
	}
	subs := make(chan []string, 1)
	srv := wsServer(t, frames, subs)
	defer srv.Close()

	stream := polymarket.NewMarketStream(wsURL(srv), quietStreamLogger(), polymarket.WithQuoteMaxAge(150*time.Millisecond))
	require.NoError(t, stream.Subscribe("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	assert.Eventually(t, func() bool {
		_, ok := stream.BestPrice("tok", domain.BookBid)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := stream.BestPrice("tok", domain.BookAsk)
	assert.False(t, ok, "empty side")

	assert.Eventually(t, func() bool {
		_, ok := stream.BestPrice("tok", domain.BookBid)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMarketStream_ReconnectResubscribes(t *testing.T) {
	subs := make(chan []string, 4)
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub map[string]json.RawMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		var ids []string
		json.Unmarshal(sub["assets_ids"], &ids)
		subs <- ids
		if conns.Add(1) == 1 {
			return // drop the first connection
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := polymarket.NewMarketStream(wsURL(srv), quietStreamLogger(),
		polymarket.WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, stream.Subscribe("a", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case ids := <-subs:
			assert.Equal(t, []string{"a", "b"}, ids)
		case <-time.After(3 * time.Second):
			t.Fatal("subscription not resent after reconnect")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
