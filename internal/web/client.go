package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/metrics"
	"github.com/codefionn/striderun/internal/protocol"
	"github.com/codefionn/striderun/internal/session"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for a session to shut down after its connection closed.
	closeWait = 10 * time.Second

	sendBufferSize = 256
)

// ErrClientClosed is returned by Send once the connection has gone away.
var ErrClientClosed = errors.New("client closed")

// Client is one WebSocket connection bound to one session
type Client struct {
	ID             string
	hub            *Hub
	conn           *websocket.Conn
	send           chan protocol.Envelope
	done           chan struct{}
	closeOnce      sync.Once
	session        *session.Session
	maxMessageSize int64
	limiter        *rate.Limiter
	log            *logger.Logger
}

// NewClient creates a new WebSocket client. The session is attached with
// Bind before the pumps start.
func NewClient(id string, hub *Hub, conn *websocket.Conn, maxMessageSize int64, limiter *rate.Limiter, log *logger.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		ID:             id,
		hub:            hub,
		conn:           conn,
		send:           make(chan protocol.Envelope, sendBufferSize),
		done:           make(chan struct{}),
		maxMessageSize: maxMessageSize,
		limiter:        limiter,
		log:            log.WithPrefix("client:" + id),
	}
}

// Bind attaches the session that handles this client's commands.
func (c *Client) Bind(s *session.Session) {
	c.session = s
}

// Send enqueues an envelope for the write pump. It blocks while the buffer
// is full and fails with ErrClientClosed once the client is closed.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Emit implements session.Emitter.
func (c *Client) Emit(env protocol.Envelope) error {
	return c.Send(env)
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump pumps frames from the WebSocket connection into the session.
// When the connection ends the session is closed and the client unregistered.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.close()
		c.hub.Unregister(c)

		closeCtx, cancel := context.WithTimeout(context.Background(), closeWait)
		defer cancel()
		if err := c.session.Close(closeCtx); err != nil {
			c.log.Warn("Failed to close session: %v", err)
		}
		c.conn.Close()
	}()

	if c.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.maxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error: %v", err)
			}
			return
		}

		// Frames beyond the rate are delayed, not dropped
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		env, err := protocol.Decode(message)
		if err != nil {
			c.log.Debug("Rejected frame: %v", err)
			metrics.Rejections.WithLabelValues(metrics.ReasonProtocol).Inc()
			if sendErr := c.Send(protocol.New(protocol.TypeStderr, err.Error())); sendErr != nil {
				return
			}
			continue
		}

		c.log.Debug("WebSocket received: %s", env.Type)
		if err := c.session.HandleEnvelope(ctx, env); err != nil {
			c.log.Warn("Failed to hand %s to session: %v", env.Type, err)
			return
		}
	}
}

// WritePump pumps envelopes to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			data, err := protocol.Encode(env)
			if err != nil {
				c.log.Error("Failed to marshal message: %v", err)
				continue
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("Failed to write message: %v", err)
				c.close()
				return
			}
			c.log.Debug("WebSocket sent: %s", env.Type)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
