// Package server coordinates client registration, identity binding, message
// fan-out and connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// ErrShutdownTimeout is returned by Wait when client goroutines outlive the timeout.
var ErrShutdownTimeout = errors.New("hub shutdown timed out")

const eventQueueSize = 256

// Hub owns the identity registry and the message log and is the only
// goroutine that mutates them. Every client event is applied in the order
// the hub receives it, so all clients observe the same sequence of pushes.
type Hub struct {
	clients  map[*Client]struct{}
	events   chan hubEvent
	registry *chat.Registry
	log      *chat.Log

	historyLimit int
	nextID       atomic.Uint64

	mutex    sync.RWMutex
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewHub creates a hub that replays up to historyLimit messages to joiners.
func NewHub(historyLimit int) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		events:       make(chan hubEvent, eventQueueSize),
		registry:     chat.NewRegistry(),
		log:          chat.NewLog(),
		historyLimit: historyLimit,
		quit:         make(chan struct{}),
	}
}

// String names the hub in supervisor events.
func (h *Hub) String() string {
	return "chat-hub"
}

// nextConnID hands out monotonically increasing connection ids. Fan-out
// iterates clients in id order.
func (h *Hub) nextConnID() chat.ConnID {
	return chat.ConnID(h.nextID.Add(1))
}

// Register queues a client for registration. It returns false once the hub
// has stopped.
func (h *Hub) Register(c *Client) bool {
	return h.enqueue(hubEvent{kind: eventRegister, client: c})
}

// Unregister queues a client's departure.
func (h *Hub) Unregister(c *Client) bool {
	return h.enqueue(hubEvent{kind: eventUnregister, client: c})
}

// Dispatch queues a decoded client event.
func (h *Hub) Dispatch(c *Client, in protocol.Inbound) bool {
	return h.enqueue(hubEvent{kind: eventInbound, client: c, inbound: in})
}

func (h *Hub) enqueue(ev hubEvent) bool {
	select {
	case <-h.quit:
		return false
	default:
	}

	select {
	case h.events <- ev:
		return true
	case <-h.quit:
		return false
	}
}

// Serve runs the hub loop until ctx is canceled. It satisfies suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	logging.Info().Int("history_limit", h.historyLimit).Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			h.quitOnce.Do(func() { close(h.quit) })
			h.shutdownClients()
			return ctx.Err()

		case ev := <-h.events:
			h.handleEvent(ev)
		}
	}
}

func (h *Hub) handleEvent(ev hubEvent) {
	if ev.client == nil {
		logging.Warn().Msg("received hub event without client; skipping")
		return
	}

	switch ev.kind {
	case eventRegister:
		h.addClient(ev.client)
	case eventUnregister:
		h.removeClient(ev.client, closeNormal)
	case eventInbound:
		h.applyInbound(ev.client, ev.inbound)
	}
}

func (h *Hub) addClient(c *Client) {
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.ConnectedClients.Set(float64(clientCount))
	logging.Info().
		Uint64("conn", uint64(c.id)).
		Str("addr", c.addr).
		Int("clients", clientCount).
		Msg("client registered")

	if c.conn == nil {
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// removeClient closes the client's send channel and, if it had joined,
// releases its name and announces the departure.
func (h *Hub) removeClient(c *Client, reason closeReason) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	c.closeReason = reason
	close(c.send)

	metrics.ConnectedClients.Set(float64(clientCount))
	logging.Info().
		Uint64("conn", uint64(c.id)).
		Str("addr", c.addr).
		Int("clients", clientCount).
		Msg("client unregistered")

	name, joined := h.registry.Unbind(c.id)
	if !joined {
		return
	}

	left := h.log.AppendSystem(chat.LeftNotice(name))
	metrics.StoredMessages.Set(float64(h.log.Len()))
	h.broadcastMessage(protocol.EventMessage, left)
	h.broadcastOnline()
}

func (h *Hub) isRegistered(c *Client) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[c]
	return ok
}

func (h *Hub) applyInbound(c *Client, in protocol.Inbound) {
	if !h.isRegistered(c) {
		metrics.RecordInbound(in.Type, metrics.OutcomeIgnored)
		return
	}

	var applied bool
	switch in.Type {
	case protocol.EventJoin:
		applied = h.handleJoin(c, in.Name)
	case protocol.EventRename:
		applied = h.handleRename(c, in.Rename)
	case protocol.EventPost:
		applied = h.handlePost(c, in.Post)
	case protocol.EventReadReceipt:
		applied = h.handleReadReceipt(c, in.ReadReceipt)
	}

	outcome := metrics.OutcomeApplied
	if !applied {
		outcome = metrics.OutcomeIgnored
	}
	metrics.RecordInbound(in.Type, outcome)
}

// handleJoin binds the connection to name, replays history to the joiner,
// then broadcasts the notice and the online set. History is captured before
// the notice is appended so the joiner receives each message once. A repeated
// join with a new name is treated as a rename.
func (h *Hub) handleJoin(c *Client, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		logging.Debug().Uint64("conn", uint64(c.id)).Msg("ignoring join with blank name")
		return false
	}

	history := h.log.Recent(h.historyLimit)
	result := h.registry.Bind(c.id, name)

	var notice *chat.Message
	switch result.Kind {
	case chat.BindJoined:
		msg := h.log.AppendSystem(chat.JoinedNotice(name), name)
		notice = &msg
	case chat.BindRenamed:
		msg := h.log.AppendSystem(chat.RenamedNotice(result.Previous, name), name)
		notice = &msg
	}
	metrics.StoredMessages.Set(float64(h.log.Len()))

	logging.Info().
		Uint64("conn", uint64(c.id)).
		Str("name", name).
		Str("bind", result.Kind.String()).
		Msg("client joined")

	replayed := h.replayHistory(c, history)
	if notice != nil {
		h.broadcastMessage(protocol.EventMessage, *notice)
	}
	if !replayed {
		// Announced first, so others see the join before the departure.
		h.dropSlowClients([]*Client{c})
		return true
	}
	if h.isRegistered(c) {
		h.broadcastOnline()
	}
	return true
}

// replayHistory sends history to a single client, oldest first. It reports
// false when the client's buffer filled up.
func (h *Hub) replayHistory(c *Client, history []chat.Message) bool {
	for _, msg := range history {
		frame, err := protocol.EncodeMessage(protocol.EventMessage, msg)
		if err != nil {
			logging.Err(err).Str("message", msg.ID).Msg("failed to encode history message")
			continue
		}
		if !h.trySend(c, frame) {
			return false
		}
	}
	return true
}

// handleRename moves the connection's binding. The previous name is the one
// the registry holds; the payload's oldName is informational.
func (h *Hub) handleRename(c *Client, p protocol.RenamePayload) bool {
	newName := strings.TrimSpace(p.NewName)
	current, joined := h.registry.NameOf(c.id)
	if !joined || newName == "" || newName == current {
		return false
	}
	if p.OldName != "" && p.OldName != current {
		logging.Debug().
			Str("claimed", p.OldName).
			Str("bound", current).
			Msg("rename oldName does not match binding")
	}

	notice := h.log.AppendSystem(chat.RenamedNotice(current, newName), newName)
	h.registry.Bind(c.id, newName)
	metrics.StoredMessages.Set(float64(h.log.Len()))

	logging.Info().
		Uint64("conn", uint64(c.id)).
		Str("old_name", current).
		Str("new_name", newName).
		Msg("client renamed")

	h.broadcastMessage(protocol.EventMessage, notice)
	h.broadcastOnline()
	return true
}

// handlePost appends a user message. A blank sender falls back to the
// connection's bound name.
func (h *Hub) handlePost(c *Client, p protocol.PostPayload) bool {
	sender := p.Sender
	if strings.TrimSpace(sender) == "" {
		name, joined := h.registry.NameOf(c.id)
		if !joined {
			return false
		}
		sender = name
	}

	msg := h.log.Append(p.Text, sender)
	metrics.StoredMessages.Set(float64(h.log.Len()))
	h.broadcastMessage(protocol.EventMessage, msg)
	return true
}

// handleReadReceipt records a reader and broadcasts the update only when
// the reader set changed.
func (h *Hub) handleReadReceipt(c *Client, p protocol.ReadReceiptPayload) bool {
	reader := p.Reader
	if strings.TrimSpace(reader) == "" {
		name, joined := h.registry.NameOf(c.id)
		if !joined {
			return false
		}
		reader = name
	}

	updated, changed := h.log.MarkRead(p.MessageID, reader)
	if !changed {
		return false
	}
	h.broadcastMessage(protocol.EventMessageUpdated, updated)
	return true
}

func (h *Hub) broadcastMessage(eventType string, msg chat.Message) {
	frame, err := protocol.EncodeMessage(eventType, msg)
	if err != nil {
		logging.Err(err).Str("message", msg.ID).Msg("failed to encode message")
		return
	}
	h.broadcast(eventType, frame)
}

func (h *Hub) broadcastOnline() {
	online := h.registry.SnapshotOnline()
	metrics.OnlineUsers.Set(float64(len(online)))

	frame, err := protocol.EncodeOnlineUsers(online)
	if err != nil {
		logging.Err(err).Msg("failed to encode online users")
		return
	}
	h.broadcast(protocol.EventOnlineUsers, frame)
}

// broadcast delivers a frame to every registered client in connection order.
// Clients whose buffer is full are dropped after the fan-out completes.
func (h *Hub) broadcast(eventType string, frame []byte) {
	clients := h.getClientSnapshot()
	metrics.Broadcasts.WithLabelValues(eventType).Inc()
	logging.Debug().Str("type", eventType).Int("clients", len(clients)).Msg("broadcasting")

	var slow []*Client
	for _, client := range clients {
		if !h.trySend(client, frame) {
			slow = append(slow, client)
		}
	}
	h.dropSlowClients(slow)
}

// trySend never blocks the hub loop.
func (h *Hub) trySend(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) dropSlowClients(clients []*Client) {
	for _, client := range clients {
		if !h.isRegistered(client) {
			continue
		}
		metrics.DroppedClients.Inc()
		logging.Warn().
			Uint64("conn", uint64(client.id)).
			Str("addr", client.addr).
			Msg("client removed due to full send buffer")
		h.removeClient(client, closeSlowConsumer)
	}
}

// getClientSnapshot returns the registered clients ordered by connection id.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

// shutdownClients closes every send channel with a going-away frame. The
// registry is left as is; the process is exiting.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeReason = closeShutdown
		close(client.send)
	}
	metrics.ConnectedClients.Set(0)

	logging.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Wait blocks until every client goroutine has exited or the timeout passes.
func (h *Hub) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("hub shutdown timeout reached, some goroutines may still be running")
		return ErrShutdownTimeout
	}
}

// Online returns the sorted distinct names of joined connections.
func (h *Hub) Online() []string {
	return h.registry.SnapshotOnline()
}

// Recent returns up to limit of the newest stored messages, oldest first.
func (h *Hub) Recent(limit int) []chat.Message {
	return h.log.Recent(limit)
}

// MessageCount returns the number of stored messages.
func (h *Hub) MessageCount() int {
	return h.log.Len()
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
