package server_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/server"
)

// TestWebSocketReadReceiptConvergence runs the post and receipt round trip
// over real sockets: A posts, B acknowledges, both see readBy {A, B}.
func TestWebSocketReadReceiptConvergence(t *testing.T) {
	_, srv := startTestServer(t, testConfig())
	url := buildWebSocketURL(t, srv.URL)

	ana := connectWebSocket(t, url)
	joinOverSocket(t, ana, "Ana", 0)

	bo := connectWebSocket(t, url)
	joinOverSocket(t, bo, "Bo", 1)
	requireMessage(t, readEvent(t, ana), protocol.EventMessage, "Bo joined the chat")
	requireOnline(t, readEvent(t, ana), "Ana", "Bo")

	sendEvent(t, ana, protocol.EventPost, protocol.PostPayload{Text: "hi", Sender: "Ana"})
	posted := readEvent(t, ana)
	requireMessage(t, posted, protocol.EventMessage, "hi")
	requireMessage(t, readEvent(t, bo), protocol.EventMessage, "hi")

	sendEvent(t, bo, protocol.EventReadReceipt, protocol.ReadReceiptPayload{MessageID: posted.Message.ID, Reader: "Bo"})
	for _, conn := range []*websocket.Conn{ana, bo} {
		updated := readEvent(t, conn)
		require.Equal(t, protocol.EventMessageUpdated, updated.Type)
		require.Equal(t, posted.Message.ID, updated.Message.ID)
		require.ElementsMatch(t, []string{"Ana", "Bo"}, updated.Message.ReadBy)
	}
}

func TestWebSocketDisconnectAnnouncesDeparture(t *testing.T) {
	hub, srv := startTestServer(t, testConfig())
	url := buildWebSocketURL(t, srv.URL)

	ana := connectWebSocket(t, url)
	joinOverSocket(t, ana, "Ana", 0)
	bo := connectWebSocket(t, url)
	joinOverSocket(t, bo, "Bo", 1)
	readEvent(t, ana)
	readEvent(t, ana)

	require.NoError(t, bo.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bo.Close()

	requireMessage(t, readEvent(t, ana), protocol.EventMessage, "Bo left the chat")
	requireOnline(t, readEvent(t, ana), "Ana")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, frameTimeout, 10*time.Millisecond)
}

func TestWebSocketIgnoresMalformedFrames(t *testing.T) {
	_, srv := startTestServer(t, testConfig())
	conn := connectWebSocket(t, buildWebSocketURL(t, srv.URL))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","data":true}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"post","data":"wrong shape"}`)))

	joinOverSocket(t, conn, "Ana", 0)
}

func TestWebSocketUnknownTypesShareOneSeries(t *testing.T) {
	_, srv := startTestServer(t, testConfig())
	conn := connectWebSocket(t, buildWebSocketURL(t, srv.URL))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"warmup","data":1}`)))
	joinOverSocket(t, conn, "Ana", 0)
	sendEvent(t, conn, protocol.EventPost, protocol.PostPayload{Text: "before junk", Sender: "Ana"})
	requireMessage(t, readEvent(t, conn), protocol.EventMessage, "before junk")
	// The hub applies events in order, so once the rejoin's online push
	// arrives the post above has been counted.
	sendEvent(t, conn, protocol.EventJoin, "Ana")
	require.Equal(t, protocol.EventOnlineUsers, readEvent(t, conn).Type)
	before := testutil.CollectAndCount(metrics.InboundEvents)

	for i := 0; i < 100; i++ {
		frame := fmt.Sprintf(`{"type":"junk-%d","data":1}`, i)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	sendEvent(t, conn, protocol.EventPost, protocol.PostPayload{Text: "after junk", Sender: "Ana"})
	requireMessage(t, readEvent(t, conn), protocol.EventMessage, "after junk")

	require.Equal(t, before, testutil.CollectAndCount(metrics.InboundEvents))
}

func TestWebSocketRateLimitSparesReceipts(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = server.RateLimitConfig{Burst: 3, RefillInterval: time.Hour}
	_, srv := startTestServer(t, cfg)
	url := buildWebSocketURL(t, srv.URL)

	ana := connectWebSocket(t, url)
	joinOverSocket(t, ana, "Ana", 0)

	for _, text := range []string{"one", "two", "three"} {
		sendEvent(t, ana, protocol.EventPost, protocol.PostPayload{Text: text, Sender: "Ana"})
	}
	first := readEvent(t, ana)
	requireMessage(t, first, protocol.EventMessage, "one")
	requireMessage(t, readEvent(t, ana), protocol.EventMessage, "two")

	// Receipts are never throttled, so this one arrives even though Ana's
	// bucket is empty and "three" was discarded.
	sendEvent(t, ana, protocol.EventReadReceipt, protocol.ReadReceiptPayload{MessageID: first.Message.ID, Reader: "Observer"})
	updated := readEvent(t, ana)
	require.Equal(t, protocol.EventMessageUpdated, updated.Type)
	require.ElementsMatch(t, []string{"Ana", "Observer"}, updated.Message.ReadBy)
}

func TestWebSocketOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 128
	hub, srv := startTestServer(t, cfg)
	conn := connectWebSocket(t, buildWebSocketURL(t, srv.URL))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, frameTimeout, 10*time.Millisecond)
	sendEvent(t, conn, protocol.EventPost, protocol.PostPayload{Text: strings.Repeat("x", 512), Sender: "Ana"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, frameTimeout, 10*time.Millisecond)
}

func TestWebSocketOriginValidation(t *testing.T) {
	_, srv := startTestServer(t, testConfig())
	url := buildWebSocketURL(t, srv.URL)

	tests := []struct {
		name   string
		origin string
	}{
		{"missing origin", ""},
		{"disallowed origin", "http://evil.example.com"},
		{"malformed origin", "not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	t.Run("origin matching ignores case", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "HTTP://LOCALHOST:8080")
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if resp != nil {
			_ = resp.Body.Close()
		}
		require.NoError(t, err)
		_ = conn.Close()
	})
}

func TestWebSocketRejectsNonGET(t *testing.T) {
	_, srv := startTestServer(t, testConfig())

	resp, err := http.Post(srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestWebSocketShutdownSendsGoingAway verifies clients see a going-away close
// frame when the hub stops.
func TestWebSocketShutdownSendsGoingAway(t *testing.T) {
	cfg := testConfig()
	hub := server.NewHub(cfg.HistoryLimit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx) }()

	srv := startRouter(t, hub, cfg)
	conn := connectWebSocket(t, buildWebSocketURL(t, srv))
	joinOverSocket(t, conn, "Ana", 0)

	cancel()
	require.NoError(t, hub.Wait(frameTimeout))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
