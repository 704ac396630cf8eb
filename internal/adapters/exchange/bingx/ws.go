package bingx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/domain"
)

const (
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 30 * time.Second
	wsPingPeriod       = (wsPongWait * 9) / 10
	wsReconnectDelay   = 2 * time.Second
	wsMaxReconnectWait = 60 * time.Second
)

// WSURL is set by the caller (config.ExchangeConfig.WSURL) before
// WSListen is called; Client has no compile-time default beyond BingX's
// production swap-market endpoint.
func (c *Client) SetWSURL(wsURL string) { c.wsURL = wsURL }

// WSListen dials the BingX swap-market user-data stream and dispatches
// every ORDER_TRADE_UPDATE push to onMessage as a domain.WSEvent, until
// ctx is cancelled. A dropped connection calls onDisconnect once and is
// retried with exponential backoff; WSListen only returns once ctx is
// done, never on a transient disconnect.
func (c *Client) WSListen(ctx context.Context, topics []string, onMessage func(domain.WSEvent), onDisconnect func(error)) error {
	wsURL := c.wsURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	delay := wsReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			onDisconnect(fmt.Errorf("bingx/ws: dial: %w", err))
			if !sleepOrDone(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay)
			continue
		}
		delay = wsReconnectDelay

		if err := subscribe(conn, topics); err != nil {
			conn.Close()
			onDisconnect(fmt.Errorf("bingx/ws: subscribe: %w", err))
			if !sleepOrDone(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay)
			continue
		}

		runErr := readUntilError(ctx, conn, onMessage)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		onDisconnect(runErr)
		if !sleepOrDone(ctx, delay) {
			return nil
		}
		delay = nextDelay(delay)
	}
}

func subscribe(conn *websocket.Conn, topics []string) error {
	for i, topic := range topics {
		sub := map[string]interface{}{
			"id":       strconv.Itoa(i + 1),
			"reqType":  "sub",
			"dataType": topic,
		}
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// readUntilError runs the read loop and a concurrent ping keepalive
// until the connection errors or ctx is cancelled, returning the error
// that ended the read loop (nil on clean ctx cancellation).
func readUntilError(ctx context.Context, conn *websocket.Conn, onMessage func(domain.WSEvent)) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		dispatch(raw, onMessage)
	}
}

func dispatch(raw []byte, onMessage func(domain.WSEvent)) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.DataType != "ORDER_TRADE_UPDATE" {
		return
	}

	var push orderUpdatePush
	if err := json.Unmarshal(env.Data, &push); err != nil {
		return
	}

	qty, _ := decimal.NewFromString(push.LastQty)
	price, _ := decimal.NewFromString(push.Price)

	onMessage(domain.WSEvent{
		Topic:      env.DataType,
		Symbol:     push.Symbol,
		OrderID:    strconv.FormatInt(push.OrderID, 10),
		ExecID:     strconv.FormatInt(push.ExecID, 10),
		Qty:        qty,
		Price:      price,
		Status:     push.Status,
		ReceivedAt: time.UnixMilli(push.EventTime).UTC(),
	})
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > wsMaxReconnectWait {
		return wsMaxReconnectWait
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

const defaultWSURL = "wss://open-api-swap.bingx.com/swap-market"
