// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and read-only views of presence and history.
package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
)

// Handlers serves the relay's HTTP endpoints for one hub.
type Handlers struct {
	hub      *Hub
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandlers builds handlers that upgrade connections into hub.
func NewHandlers(hub *Hub, cfg Config) *Handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins)
	return &Handlers{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// WebSocket handles WebSocket upgrade requests. It validates that the request
// uses the GET method, upgrades the connection and registers a new Client;
// the hub launches the pumps.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, h.cfg)
	if !h.hub.Register(client) {
		payload := websocket.FormatCloseMessage(closeShutdown.code, closeShutdown.text)
		_ = conn.WriteMessage(websocket.CloseMessage, payload)
		_ = conn.Close()
	}
}

// Health provides a simple plain text liveness check.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connectedClients"`
	OnlineUsers      int    `json:"onlineUsers"`
	StoredMessages   int    `json:"storedMessages"`
}

// Healthz reports hub counters as JSON.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthStatus{
		Status:           "ok",
		ConnectedClients: h.hub.ClientCount(),
		OnlineUsers:      len(h.hub.Online()),
		StoredMessages:   h.hub.MessageCount(),
	})
}

// Online returns the current online set.
func (h *Handlers) Online(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{
		"online": h.hub.Online(),
	})
}

// Messages returns the newest stored messages, oldest first. The optional
// limit query parameter is clamped to the configured history limit.
func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	respondJSON(w, http.StatusOK, map[string][]chat.Message{
		"messages": h.hub.Recent(limit),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Err(err).Msg("failed to encode response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logging.Debug().Err(err).Msg("failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
