// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one WebSocket connection. The hub is the only writer to send
// and the only goroutine that closes it.
type Client struct {
	id             chat.ConnID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closeReason    closeReason
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client bound to hub with a buffered send channel sized
// by cfg.SendBufferSize. conn may be nil in tests that drain send directly.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	bufferSize := cfg.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultConfig().SendBufferSize
	}

	return &Client{
		id:             hub.nextConnID(),
		conn:           conn,
		send:           make(chan []byte, bufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id.
func (c *Client) ID() chat.ConnID {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logging.Err(err).Str("addr", c.addr).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError logs why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logging.Warn().
			Str("addr", c.addr).
			Int64("max_bytes", c.maxMessageSize).
			Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		logging.Info().Str("addr", c.addr).Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logging.Info().Str("addr", c.addr).Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		logging.Warn().Str("addr", c.addr).Err(err).Msg("unexpected WebSocket close")
	default:
		logging.Warn().Str("addr", c.addr).Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether an event of this type may be processed.
func (c *Client) checkRateLimit(eventType string) bool {
	if !rateLimited(eventType) || c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}
	logging.Warn().
		Str("addr", c.addr).
		Str("type", eventType).
		Int("burst", c.rateLimit.Burst).
		Dur("interval", c.rateLimit.RefillInterval).
		Msg("rate limit exceeded; discarding event")
	metrics.RecordInbound(eventType, metrics.OutcomeRateLimited)
	return false
}

// processMessage decodes a raw frame and hands it to the hub. It returns
// false when the frame was discarded.
func (c *Client) processMessage(rawMessage []byte) bool {
	in, err := protocol.DecodeInbound(rawMessage)
	if err != nil {
		logging.Warn().Str("addr", c.addr).Err(err).Msg("invalid frame")
		metrics.RecordInbound(in.Type, metrics.OutcomeMalformed)
		return false
	}

	if !c.checkRateLimit(in.Type) {
		return false
	}

	return c.hub.Dispatch(c, in)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logging.Err(err).Str("addr", c.addr).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
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
		logging.Err(err).Str("addr", c.addr).Msg("error closing connection in writePump")
	}
}

// handleMessage processes outgoing frames and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends the close frame chosen by the hub.
func (c *Client) writeCloseMessage() bool {
	reason := c.closeReason
	if reason.code == 0 {
		reason = closeNormal
	}
	payload := websocket.FormatCloseMessage(reason.code, reason.text)
	if err := c.conn.WriteMessage(websocket.CloseMessage, payload); err != nil && !isExpectedCloseError(err) {
		logging.Err(err).Str("addr", c.addr).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes one frame per WebSocket message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error creating writer")
		return false
	}

	if _, err := w.Write(message); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error writing message")
		return false
	}

	if err := w.Close(); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error closing writer")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logging.Err(err).Str("addr", c.addr).Msg("error writing ping message")
		return false
	}
	return true
}
