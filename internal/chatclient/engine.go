// Package chatclient is the client side of the relay: a local mirror of the
// message log, the sync engine that merges server pushes and decides when to
// acknowledge messages, and a WebSocket transport that reconnects with
// backoff.
package chatclient

import (
	"errors"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// IntersectThreshold is the visible fraction at which a message bubble counts
// as seen.
const IntersectThreshold = 0.1

// Status banners shown to the user.
const (
	StatusNone                 = ""
	StatusLostConnection       = "lost connection, retrying"
	StatusDisconnectedByServer = "disconnected by server"
)

var (
	// ErrBlankName is returned for a join or rename with an empty name.
	ErrBlankName = errors.New("name must not be blank")
	// ErrBlankMessage is returned when posting empty text.
	ErrBlankMessage = errors.New("message must not be blank")
	// ErrNotJoined is returned when posting before choosing a name.
	ErrNotJoined = errors.New("not joined")
)

// ConnState is the engine's view of the connection.
type ConnState int

const (
	// StateDisconnected means no live socket.
	StateDisconnected ConnState = iota
	// StateConnecting means a socket is up but the server has not yet listed
	// this client's name as online.
	StateConnecting
	// StateJoined means the last online set included this client's name.
	StateJoined
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Emitter sends a client event to the server.
type Emitter interface {
	Emit(eventType string, data any) error
}

type outgoing struct {
	eventType string
	data      any
}

// Engine keeps a client's mirror in sync with server pushes. All state is
// guarded by one mutex; events are emitted after it is released.
type Engine struct {
	mu      sync.Mutex
	emitter Emitter

	mirror    *Mirror
	online    []string
	name      string
	hasJoined bool

	state         ConnState
	pendingRejoin bool
	status        string

	// pageVisible tracks document visibility; renaming hides the chat view.
	pageVisible  bool
	renaming     bool
	previousName string

	// receipts emitted but not yet confirmed by a messageUpdated push.
	pendingReceipts map[receiptKey]struct{}
}

// receiptKey identifies a receipt by message and the name it was sent as,
// so a rename while a receipt is in flight does not suppress the new name's.
type receiptKey struct {
	messageID string
	reader    string
}

// NewEngine returns a disconnected engine that emits through emitter.
func NewEngine(emitter Emitter) *Engine {
	return &Engine{
		emitter:         emitter,
		mirror:          NewMirror(),
		online:          []string{},
		state:           StateDisconnected,
		pageVisible:     true,
		pendingReceipts: make(map[receiptKey]struct{}),
	}
}

// Join chooses the display name. The join is sent now if a socket is up,
// otherwise on the next connect.
func (e *Engine) Join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrBlankName
	}

	e.mu.Lock()
	e.name = name
	e.hasJoined = true
	var out []outgoing
	if e.state != StateDisconnected {
		out = append(out, outgoing{protocol.EventJoin, name})
	}
	e.mu.Unlock()

	return e.flush(out)
}

// Post sends a message as the current name.
func (e *Engine) Post(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrBlankMessage
	}

	e.mu.Lock()
	if !e.hasJoined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	out := []outgoing{{protocol.EventPost, protocol.PostPayload{Text: text, Sender: e.name}}}
	e.mu.Unlock()

	return e.flush(out)
}

// HandleFrame decodes a server push and merges it.
func (e *Engine) HandleFrame(frame []byte) {
	out, err := protocol.DecodeOutbound(frame)
	if err != nil {
		logging.Debug().Err(err).Msg("ignoring server frame")
		return
	}

	switch out.Type {
	case protocol.EventMessage:
		e.HandleMessage(out.Message)
	case protocol.EventMessageUpdated:
		e.HandleMessageUpdated(out.Message)
	case protocol.EventOnlineUsers:
		e.HandleOnlineUsers(out.Online)
	}
}

// HandleMessage inserts a new message and acknowledges it when it is from
// someone else and the chat is in view. Duplicate pushes are ignored.
func (e *Engine) HandleMessage(msg chat.Message) {
	e.mu.Lock()
	var out []outgoing
	if e.mirror.Insert(msg) && e.chatInView() {
		out = e.receiptFor(msg)
	}
	e.mu.Unlock()

	_ = e.flush(out)
}

// HandleMessageUpdated replaces a known message wholesale.
func (e *Engine) HandleMessageUpdated(msg chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.mirror.Replace(msg) {
		return
	}
	for _, reader := range msg.ReadBy {
		delete(e.pendingReceipts, receiptKey{messageID: msg.ID, reader: reader})
	}
}

// HandleOnlineUsers stores the online set. Seeing this client's own name
// completes a pending join. Names are shared, so a push caused by another
// connection holding the same name also completes it; the server applies
// this connection's join regardless.
func (e *Engine) HandleOnlineUsers(names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.online = append([]string{}, names...)
	if e.state == StateConnecting && e.hasJoined && lo.Contains(names, e.name) {
		e.state = StateJoined
		e.pendingRejoin = false
	}
}

// SetVisible records page visibility. Becoming visible acknowledges every
// unread message in the mirror.
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	becameVisible := visible && !e.pageVisible
	e.pageVisible = visible
	var out []outgoing
	if becameVisible && e.chatInView() {
		out = e.scanUnread()
	}
	e.mu.Unlock()

	_ = e.flush(out)
}

// OnIntersect is called when a message bubble's visible fraction changes.
func (e *Engine) OnIntersect(id string, ratio float64) {
	if ratio < IntersectThreshold {
		return
	}

	e.mu.Lock()
	var out []outgoing
	if msg, ok := e.mirror.Get(id); ok && !e.renaming {
		out = e.receiptFor(msg)
	}
	e.mu.Unlock()

	_ = e.flush(out)
}

// HandleConnect is called when a socket opens. A client that already chose
// a name rejoins with it.
func (e *Engine) HandleConnect() {
	e.mu.Lock()
	e.state = StateConnecting
	e.status = StatusNone
	var out []outgoing
	if e.hasJoined {
		e.pendingRejoin = true
		out = append(out, outgoing{protocol.EventJoin, e.name})
	}
	e.mu.Unlock()

	_ = e.flush(out)
}

// HandleConnectError is called when a connection attempt fails.
func (e *Engine) HandleConnectError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logging.Debug().Err(err).Msg("connect failed")
	e.state = StateDisconnected
	e.status = StatusLostConnection
}

// HandleDisconnect is called when a live socket closes. Receipts in flight
// are forgotten; local state is otherwise kept for the rejoin.
func (e *Engine) HandleDisconnect(serverInitiated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateDisconnected
	e.pendingRejoin = false
	e.pendingReceipts = make(map[receiptKey]struct{})
	if serverInitiated {
		e.status = StatusDisconnectedByServer
	} else {
		e.status = StatusLostConnection
	}
}

// BeginRename enters name-changing mode, hiding the chat view.
func (e *Engine) BeginRename() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasJoined {
		return false
	}
	e.renaming = true
	e.previousName = e.name
	return true
}

// ConfirmRename submits the new name. The same name leaves changing mode
// without contacting the server; a blank name keeps changing mode open.
func (e *Engine) ConfirmRename(newName string) error {
	newName = strings.TrimSpace(newName)

	e.mu.Lock()
	if !e.renaming {
		e.mu.Unlock()
		return nil
	}
	if newName == "" {
		e.mu.Unlock()
		return ErrBlankName
	}

	e.renaming = false
	var out []outgoing
	if newName != e.previousName {
		out = append(out, outgoing{protocol.EventRename, protocol.RenamePayload{
			OldName: e.previousName,
			NewName: newName,
		}})
		e.name = newName
	}
	if e.chatInView() {
		out = append(out, e.scanUnread()...)
	}
	e.mu.Unlock()

	return e.flush(out)
}

// CancelRename leaves changing mode without an event.
func (e *Engine) CancelRename() {
	e.mu.Lock()
	e.renaming = false
	e.mu.Unlock()
}

// chatInView reports whether messages can be seen. Callers hold mu.
func (e *Engine) chatInView() bool {
	return e.pageVisible && !e.renaming
}

// receiptFor returns the receipt for msg, if one is due. Callers hold mu.
func (e *Engine) receiptFor(msg chat.Message) []outgoing {
	if e.name == "" || e.state == StateDisconnected {
		return nil
	}
	if msg.Sender == e.name || msg.IsReadBy(e.name) {
		return nil
	}
	key := receiptKey{messageID: msg.ID, reader: e.name}
	if _, pending := e.pendingReceipts[key]; pending {
		return nil
	}
	e.pendingReceipts[key] = struct{}{}
	return []outgoing{{protocol.EventReadReceipt, protocol.ReadReceiptPayload{
		MessageID: msg.ID,
		Reader:    e.name,
	}}}
}

// scanUnread returns receipts for every unread message. Callers hold mu.
func (e *Engine) scanUnread() []outgoing {
	if e.name == "" {
		return nil
	}
	var out []outgoing
	for _, msg := range e.mirror.UnreadBy(e.name) {
		out = append(out, e.receiptFor(msg)...)
	}
	return out
}

func (e *Engine) flush(out []outgoing) error {
	var errs []error
	for _, ev := range out {
		if err := e.emitter.Emit(ev.eventType, ev.data); err != nil {
			logging.Debug().Err(err).Str("type", ev.eventType).Msg("emit failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Messages returns the mirror in arrival order.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirror.Messages()
}

// Message returns one mirrored message.
func (e *Engine) Message(id string) (chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirror.Get(id)
}

// Online returns the last online set received.
func (e *Engine) Online() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.online...)
}

// Name returns the current display name.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// State returns the connection state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingRejoin reports whether a rejoin awaits acknowledgement.
func (e *Engine) PendingRejoin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingRejoin
}

// Status returns the banner text, empty when connected normally.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Renaming reports whether name-changing mode is open.
func (e *Engine) Renaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renaming
}
