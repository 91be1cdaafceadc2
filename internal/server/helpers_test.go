package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/server"
)

const (
	testOriginURL = "http://localhost:8080"
	frameTimeout  = 2 * time.Second
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "disabled"})
	os.Exit(m.Run())
}

func testConfig() server.Config {
	cfg := *server.NewConfig()
	cfg.AllowedOrigins = []string{testOriginURL}
	return cfg
}

// startHub runs a hub until the test ends.
func startHub(t *testing.T, historyLimit int) *server.Hub {
	t.Helper()
	hub := server.NewHub(historyLimit)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

// newFakeClient registers a client without a socket; frames are read from
// its send channel directly.
func newFakeClient(t *testing.T, hub *server.Hub, cfg server.Config) *server.Client {
	t.Helper()
	client := server.NewClient(nil, hub, "127.0.0.1:12345", cfg)
	require.True(t, hub.Register(client))
	return client
}

func join(t *testing.T, hub *server.Hub, c *server.Client, name string) {
	t.Helper()
	require.True(t, hub.Dispatch(c, protocol.Inbound{Type: protocol.EventJoin, Name: name}))
}

func post(t *testing.T, hub *server.Hub, c *server.Client, text, sender string) {
	t.Helper()
	require.True(t, hub.Dispatch(c, protocol.Inbound{
		Type: protocol.EventPost,
		Post: protocol.PostPayload{Text: text, Sender: sender},
	}))
}

func receipt(t *testing.T, hub *server.Hub, c *server.Client, id, reader string) {
	t.Helper()
	require.True(t, hub.Dispatch(c, protocol.Inbound{
		Type:        protocol.EventReadReceipt,
		ReadReceipt: protocol.ReadReceiptPayload{MessageID: id, Reader: reader},
	}))
}

func rename(t *testing.T, hub *server.Hub, c *server.Client, oldName, newName string) {
	t.Helper()
	require.True(t, hub.Dispatch(c, protocol.Inbound{
		Type:   protocol.EventRename,
		Rename: protocol.RenamePayload{OldName: oldName, NewName: newName},
	}))
}

// nextFrame returns the next frame queued for a fake client.
func nextFrame(t *testing.T, c *server.Client) protocol.Outbound {
	t.Helper()
	select {
	case frame, ok := <-c.GetSendChan():
		require.True(t, ok, "send channel closed")
		out, err := protocol.DecodeOutbound(frame)
		require.NoError(t, err)
		return out
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Outbound{}
}

// expectNoFrame fails if anything is queued for c within a short window.
func expectNoFrame(t *testing.T, c *server.Client) {
	t.Helper()
	select {
	case frame, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("unexpected frame: %s", frame)
		}
		t.Fatal("send channel closed unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func requireMessage(t *testing.T, out protocol.Outbound, eventType, text string) {
	t.Helper()
	require.Equal(t, eventType, out.Type)
	require.Equal(t, text, out.Message.Text)
}

func requireOnline(t *testing.T, out protocol.Outbound, names ...string) {
	t.Helper()
	require.Equal(t, protocol.EventOnlineUsers, out.Type)
	if names == nil {
		names = []string{}
	}
	require.Equal(t, names, out.Online)
}

// startTestServer serves the full router for cfg over httptest.
func startTestServer(t *testing.T, cfg server.Config) (*server.Hub, *httptest.Server) {
	t.Helper()
	hub := server.NewHub(cfg.HistoryLimit)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Serve(ctx) }()

	srv := httptest.NewServer(server.SetupRoutes(server.NewHandlers(hub, cfg), cfg))
	t.Cleanup(func() {
		cancel()
		_ = hub.Wait(frameTimeout)
		srv.Close()
	})
	return hub, srv
}

// startRouter serves the router for an already running hub.
func startRouter(t *testing.T, hub *server.Hub, cfg server.Config) string {
	t.Helper()
	srv := httptest.NewServer(server.SetupRoutes(server.NewHandlers(hub, cfg), cfg))
	t.Cleanup(srv.Close)
	return srv.URL
}

func buildWebSocketURL(t *testing.T, serverURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(serverURL, "http"))
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// connectWebSocket dials with an allowed origin.
func connectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: frameTimeout}

	headers := http.Header{}
	headers.Set("Origin", testOriginURL)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	frame, err := protocol.Encode(eventType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	out, err := protocol.DecodeOutbound(frame)
	require.NoError(t, err)
	return out
}

// joinOverSocket joins and consumes the frames a joiner always receives:
// replayed history, its own notice and the online set.
func joinOverSocket(t *testing.T, conn *websocket.Conn, name string, historyLen int) {
	t.Helper()
	sendEvent(t, conn, protocol.EventJoin, name)
	for i := 0; i < historyLen; i++ {
		require.Equal(t, protocol.EventMessage, readEvent(t, conn).Type)
	}
	requireMessage(t, readEvent(t, conn), protocol.EventMessage, name+" joined the chat")
	require.Equal(t, protocol.EventOnlineUsers, readEvent(t, conn).Type)
}
