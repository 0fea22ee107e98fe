package server

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/logger"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client represents one WebSocket connection. It owns the outbound queue,
// the rate limiter and the read/write pumps, and implements conn.Handle.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for conn using the active configuration's
// message size and rate limits.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id, unique for the life of the process.
func (c *Client) ID() string { return c.id }

// Deliver queues payload without blocking. A client whose buffer is full is
// dropped from the hub, which closes its connection.
func (c *Client) Deliver(payload []byte) bool {
	if c.hub.safeSend(c, payload) {
		return true
	}
	c.hub.removeFailedClients([]*Client{c})
	return false
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("Error setting initial read deadline", zap.String("addr", c.addr), zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logger.Warn("Error setting read deadline in pong handler", zap.String("addr", c.addr), zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read error by kind and reports whether the read
// loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	fields := []zap.Field{zap.String("conn", c.id), zap.String("addr", c.addr), zap.Error(err)}

	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Warn("Message exceeded maximum size", append(fields, zap.Int64("limit", c.maxMessageSize))...)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		logger.Info("Client disconnected", fields...)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		logger.Info("Client connection closed", fields...)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		logger.Warn("Unexpected WebSocket close", fields...)
		return true
	}

	logger.Warn("WebSocket read error", fields...)
	return true
}

// checkRateLimit reports whether the next message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		logger.Warn("Rate limit exceeded; discarding message",
			zap.String("conn", c.id), zap.String("addr", c.addr),
			zap.Int("burst", c.rateLimit.Burst), zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one frame and hands it to the dispatcher. Frames
// that do not decode are logged and dropped; the connection stays open.
func (c *Client) processMessage(rawMessage []byte) bool {
	in, err := event.Decode(rawMessage)
	if err != nil {
		logger.Warn("Invalid event", zap.String("conn", c.id), zap.String("addr", c.addr), zap.Error(err))
		return false
	}

	d := c.hub.dispatcher
	if d == nil {
		logger.Warn("No dispatcher installed; dropping event", zap.String("event", in.Name()))
		return false
	}

	logger.Debug("Received event", zap.String("conn", c.id), zap.String("event", in.Name()))
	d.Handle(c.hub.ctx, c, in)
	return true
}

func (c *Client) readPump() {
	defer func() {
		if d := c.hub.dispatcher; d != nil {
			d.Disconnect(c)
		}
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Warn("Error closing connection in readPump", zap.String("addr", c.addr), zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		logger.Warn("Error closing connection in writePump", zap.String("addr", c.addr), zap.Error(err))
	}
}

// handleMessage writes one outgoing event plus whatever is already queued,
// and returns false if the connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if !ok {
		return c.writeCloseMessage()
	}
	if !c.writeTextMessage(message) {
		return false
	}
	return c.writeQueuedMessages()
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		logger.Warn("Error writing close message", zap.String("addr", c.addr), zap.Error(err))
	}
	return false
}

// writeTextMessage writes message as its own text frame. Each frame carries
// exactly one envelope.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Warn("Error setting write deadline", zap.String("addr", c.addr), zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			logger.Warn("Error writing message", zap.String("addr", c.addr), zap.Error(err))
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes the messages queued while the last write ran.
func (c *Client) writeQueuedMessages() bool {
	for n := len(c.send); n > 0; n-- {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Warn("Error setting write deadline for ping", zap.String("addr", c.addr), zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logger.Warn("Error writing ping", zap.String("addr", c.addr), zap.Error(err))
		return false
	}
	return true
}
