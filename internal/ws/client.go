package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/rendezvous/backend/internal/ratelimit"
	"github.com/manpreetbhatti/rendezvous/backend/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256

	// Clients exceeding the limit this many times are disconnected.
	maxRateLimitViolations = 1000
)

// Options tune the websocket endpoint
type Options struct {
	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan *signaling.Message
	id          string
	rateLimiter *ratelimit.Limiter
}

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return OriginAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

// OriginAllowed reports whether origin may connect. An empty list or "*"
// allows everyone; requests without an Origin header are not from browsers
// and are accepted.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Handler upgrades requests to websocket endpoints attached to hub.
func Handler(hub *Hub, opts Options) http.HandlerFunc {
	upgrader := newUpgrader(opts.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		client := &Client{
			hub:         hub,
			conn:        conn,
			send:        make(chan *signaling.Message, sendBufferSize),
			id:          uuid.NewString(),
			rateLimiter: ratelimit.NewLimiter(opts.MessagesPerSecond, opts.MessageBurst),
		}

		select {
		case hub.register <- client:
		case <-hub.stopped:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.inbound <- &Inbound{Client: c}:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "endpoint", c.id, "err", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.logger.Warn("rate limit exceeded", "endpoint", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitViolations {
				c.hub.logger.Warn("disconnecting client for excessive rate limit violations", "endpoint", c.id)
				return
			}
			continue
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("invalid frame", "endpoint", c.id, "err", err)
			c.hub.reply(c.id, signaling.ErrorMessage(signaling.CodeInvalidData, "malformed message"))
			continue
		}
		msg.Result = nil

		select {
		case c.hub.inbound <- &Inbound{Client: c, Message: &msg}:
		case <-c.hub.stopped:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Debug("websocket write failed", "endpoint", c.id, "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
