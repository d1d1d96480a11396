package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 256 * 1024
	sendBufferSize = 64
)

// Client is one authenticated websocket connection. A user may hold
// several clients at once (multiple tabs or devices); presence and
// conversation fan-out treat them independently.
type Client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	gateway *Gateway
	limiter *rate.Limiter
	send    chan []byte
	joined  map[string]struct{} // conversation uids, owned by the hub lock

	done chan struct{}
}

func newClient(id, userID string, conn *websocket.Conn, g *Gateway, limiter *rate.Limiter) *Client {
	return &Client{
		id:      id,
		userID:  userID,
		conn:    conn,
		gateway: g,
		limiter: limiter,
		send:    make(chan []byte, sendBufferSize),
		joined:  map[string]struct{}{},
		done:    make(chan struct{}),
	}
}

// sendEvent queues an event frame; a client that cannot keep up loses
// frames rather than blocking the broadcaster.
func (c *Client) sendEvent(event *EventFrame) {
	raw, err := json.Marshal(event)
	if err != nil {
		slog.Error("gateway.event.marshal_failed", "event", event.Event, "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		slog.Warn("gateway.client.slow", "connection_id", c.id, "user_id", c.userID, "dropped_event", event.Event)
	}
}

func (c *Client) sendResponse(resp *ResponseFrame) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Error("gateway.response.marshal_failed", "error", err)
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	}
}

// readPump reads request frames until the connection drops. Pongs
// refresh both the read deadline and the presence mark, so an idle but
// connected tab stays online.
func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.refreshPresence(ctx, c)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.client.read_error", "connection_id", c.id, "error", err)
			}
			return
		}

		var req RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendResponse(errResponse("", ErrInvalidArgument, "malformed frame"))
			continue
		}
		if req.Type != FrameRequest || req.Method == "" {
			c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "expected a request frame"))
			continue
		}

		c.gateway.dispatch(ctx, c, &req)
	}
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
