// Package server defines the hub event types and utility helpers that are
// reused across client and hub logic.
package server

import (
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

type hubEventKind int

const (
	eventRegister hubEventKind = iota
	eventUnregister
	eventInbound
)

// hubEvent is everything the hub loop consumes. A single channel keeps each
// connection's registration, events and departure in the order they happened.
type hubEvent struct {
	kind    hubEventKind
	client  *Client
	inbound protocol.Inbound
}

// closeReason is the close frame written when the hub closes a send channel.
type closeReason struct {
	code int
	text string
}

var (
	closeShutdown     = closeReason{code: websocket.CloseGoingAway, text: "server shutting down"}
	closeSlowConsumer = closeReason{code: websocket.ClosePolicyViolation, text: "send buffer full"}
	closeNormal       = closeReason{code: websocket.CloseNormalClosure}
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
