package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// ResolvedHandler is called with the lower-cased condition id of a market
// the exchange reports as resolved.
type ResolvedHandler func(conditionID string)

// ResolutionFeed listens on the CLOB market channel for market_resolved
// events. It only nudges: the snapshot itself is always re-read from Gamma.
type ResolutionFeed struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	assets []string
}

// NewResolutionFeed creates a feed for the given market channel URL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewResolutionFeed(wsURL string, logger *slog.Logger) *ResolutionFeed {
	return &ResolutionFeed{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "resolution_feed")),
	}
}

// Watch replaces the set of token ids the feed subscribes to. A live
// connection is resubscribed immediately.
func (f *ResolutionFeed) Watch(assetIDs []string) error {
	next := slices.Clone(assetIDs)
	slices.Sort(next)
	next = slices.Compact(next)

	f.mu.Lock()
	defer f.mu.Unlock()

	if slices.Equal(next, f.assets) {
		return nil
	}
	f.assets = next
	if f.conn == nil || len(next) == 0 {
		return nil
	}
	return f.subscribeLocked()
}

// Run connects and dispatches market_resolved events until ctx is done,
// reconnecting with exponential backoff.
func (f *ResolutionFeed) Run(ctx context.Context, onResolved ResolvedHandler) error {
	delay := reconnectDelay
	for {
		err := f.session(ctx, onResolved)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn("resolution feed disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection until it fails.
func (f *ResolutionFeed) session(ctx context.Context, onResolved ResolvedHandler) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	var subErr error
	if len(f.assets) > 0 {
		subErr = f.subscribeLocked()
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()
	if subErr != nil {
		return subErr
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: read: %w", err)
		}
		for _, conditionID := range parseResolved(message) {
			onResolved(conditionID)
		}
	}
}

// subscribeLocked sends the subscription frame. Caller must hold f.mu.
func (f *ResolutionFeed) subscribeLocked() error {
	data, err := json.Marshal(WSSubscribe{
		Type:                 "market",
		Assets:               f.assets,
		CustomFeatureEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (f *ResolutionFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// parseResolved extracts resolved condition ids from a frame. The market
// channel sends either a single object or an array of events.
func parseResolved(raw []byte) []string {
	var events []WSMarketResolved
	if err := json.Unmarshal(raw, &events); err != nil {
		var one WSMarketResolved
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil
		}
		events = []WSMarketResolved{one}
	}

	var out []string
	for _, e := range events {
		if e.EventType != "market_resolved" || e.Market == "" {
			continue
		}
		out = append(out, strings.ToLower(e.Market))
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
