package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// ErrNotConnected is returned by Emit while no socket is open.
var ErrNotConnected = errors.New("not connected")

const writeWait = 10 * time.Second

// Handler receives transport edges and server frames. Engine implements it.
type Handler interface {
	HandleConnect()
	HandleConnectError(err error)
	HandleDisconnect(serverInitiated bool)
	HandleFrame(frame []byte)
}

// TransportConfig configures the WebSocket connection and reconnect backoff.
type TransportConfig struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Origin is sent on the handshake; the relay checks it.
	Origin string

	HandshakeTimeout time.Duration
	InitialInterval  time.Duration
	MaxInterval      time.Duration
}

// DefaultTransportConfig returns production backoff settings for url.
func DefaultTransportConfig(url, origin string) TransportConfig {
	return TransportConfig{
		URL:              url,
		Origin:           origin,
		HandshakeTimeout: 10 * time.Second,
		InitialInterval:  500 * time.Millisecond,
		MaxInterval:      30 * time.Second,
	}
}

// Transport keeps one WebSocket open to the relay, reconnecting with
// exponential backoff until its context ends.
type Transport struct {
	cfg    TransportConfig
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTransport creates an unconnected transport.
func NewTransport(cfg TransportConfig) *Transport {
	return &Transport{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Emit encodes and writes one event. Writes are serialized.
func (t *Transport) Emit(eventType string, data any) error {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

// Run connects and reads frames into handler, reconnecting after failures,
// until ctx is canceled. It always returns ctx.Err().
func (t *Transport) Run(ctx context.Context, handler Handler) error {
	policy := backoff.NewExponentialBackOff()
	if t.cfg.InitialInterval > 0 {
		policy.InitialInterval = t.cfg.InitialInterval
	}
	if t.cfg.MaxInterval > 0 {
		policy.MaxInterval = t.cfg.MaxInterval
	}
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Debug().Err(err).Str("url", t.cfg.URL).Msg("dial failed")
			handler.HandleConnectError(err)
		} else {
			policy.Reset()
			t.setConn(conn)
			handler.HandleConnect()

			serverInitiated := t.readLoop(ctx, conn, handler)
			t.setConn(nil)
			_ = conn.Close()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			handler.HandleDisconnect(serverInitiated)
		}

		wait := policy.NextBackOff()
		logging.Debug().Dur("wait", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Origin != "" {
		header.Set("Origin", t.cfg.Origin)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// readLoop delivers frames until the socket fails or ctx ends. It reports
// whether the server closed the connection deliberately.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) bool {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			logging.Debug().Err(err).Msg("connection closed")
			return isServerClose(err)
		}
		handler.HandleFrame(frame)
	}
}

// isServerClose reports whether err carries a close frame the relay sends on
// purpose: normal closure, shutdown, or a policy drop.
func isServerClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation:
		return true
	default:
		return false
	}
}
