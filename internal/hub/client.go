package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is the silence window after which a connection is
	// considered dead and disconnected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so a ping is always in
	// flight before the read deadline expires.
	pingPeriod = 25 * time.Second

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// LAN deployment; authentication is the outer web layer's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MessageHandler consumes decoded inbound client messages. Ping is
// handled by the hub itself and never reaches the handler.
type MessageHandler func(ctx context.Context, c *Client, msg InboundMessage)

// StatusFunc produces the connection_status event for a new client.
type StatusFunc func(c *Client, totalConnected int) ConnectionStatus

// ServeWS upgrades an HTTP request to the persistent per-client
// connection, registers presence, and starts the read/write pumps.
func (h *Hub) ServeWS(handler MessageHandler, status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID := r.URL.Query().Get("principal_id")
		if principalID == "" {
			http.Error(w, "principal_id is required", http.StatusBadRequest)
			return
		}
		role := r.URL.Query().Get("role")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.WithError(err).Warn("WebSocket upgrade failed")
			return
		}

		var groups []string
		if role != "" {
			groups = append(groups, role)
		}

		client, total := h.Connect(uuid.NewString(), principalID, groups)
		client.conn = conn

		if status != nil {
			h.SendTo(client.ID, status(client, total))
		}
		h.Publish(UserConnected{
			PrincipalID:    principalID,
			Role:           role,
			TotalConnected: total,
		}, ScopeAllExcept(client.ID))

		go client.writePump(h)
		go client.readPump(h, handler)
	}
}

// readPump reads client frames until the connection dies, dispatching
// decoded messages to the handler. It owns the disconnect path.
func (c *Client) readPump(h *Hub, handler MessageHandler) {
	defer func() {
		if remaining, removed := h.Disconnect(c.ID); removed {
			h.Publish(UserDisconnected{
				PrincipalID:    c.PrincipalID,
				TotalConnected: remaining,
			}, ScopeAll())
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("client_id", c.ID).Warn("WebSocket read error")
			}
			return
		}

		msg, err := DecodeInbound(raw)
		if err != nil {
			h.logger.WithError(err).WithField("client_id", c.ID).Warn("Rejected client message")
			continue
		}

		if _, isPing := msg.(Ping); isPing {
			h.SendTo(c.ID, Pong{})
			continue
		}

		if handler != nil {
			handler(ctx, c, msg)
		}
	}
}

// writePump drains the delivery queue to the connection and keeps the
// link alive with ping frames.
func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the queue on disconnect.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"client_id": c.ID,
				}).Warn("WebSocket write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
