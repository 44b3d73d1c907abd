package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// MarketData implements domain.PriceFeed: the live stream over the combined
// miniTicker WebSocket, polling over REST.
type MarketData struct {
	wsURL string
	rest  *Client
}

var _ domain.PriceFeed = (*MarketData)(nil)

// NewMarketData creates the feed. wsURL is the stream root, e.g.
// "wss://stream.binance.com:9443".
func NewMarketData(wsURL string, rest *Client) *MarketData {
	return &MarketData{
		wsURL: strings.TrimRight(wsURL, "/"),
		rest:  rest,
	}
}

// combinedMessage is one frame of a combined stream subscription.
type combinedMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	} `json:"data"`
}

// Subscribe opens a combined miniTicker stream for the given symbols. The
// returned channel closes when the connection drops or the context is
// cancelled; the caller owns reconnection.
func (m *MarketData) Subscribe(ctx context.Context, symbols []string) (<-chan domain.Tick, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("binance: subscribe: no symbols")
	}

	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	endpoint := m.wsURL + "/stream?streams=" + url.QueryEscape(strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial stream: %w: %w", domain.ErrWSDisconnect, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	out := make(chan domain.Tick, 256)

	// Ping loop keeps the read deadline alive; closing the connection ends
	// the read loop.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg combinedMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if msg.Data.Symbol == "" || msg.Data.Close == "" {
				continue
			}
			price, err := decimal.NewFromString(msg.Data.Close)
			if err != nil {
				continue
			}

			tick := domain.Tick{
				Symbol:     msg.Data.Symbol,
				Price:      price,
				OccurredAt: time.UnixMilli(msg.Data.EventTime).UTC(),
				Source:     domain.SourceStream,
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// PollLatest delegates to the REST client.
func (m *MarketData) PollLatest(ctx context.Context, symbol string) (domain.Tick, error) {
	return m.rest.PollLatest(ctx, symbol)
}
