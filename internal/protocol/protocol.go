// Package protocol defines the event vocabulary exchanged between chat
// clients and the relay, and the JSON envelope that carries it:
//
//	{"type": "post", "data": {"text": "hi", "sender": "Ana"}}
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Client to server events.
const (
	EventJoin        = "join"
	EventRename      = "rename"
	EventPost        = "post"
	EventReadReceipt = "readReceipt"
)

// Server to client events.
const (
	EventMessage        = "message"
	EventMessageUpdated = "messageUpdated"
	EventOnlineUsers    = "onlineUsers"
)

var (
	// ErrMalformedEnvelope is returned for frames that are not a JSON envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownEvent is returned for envelopes with an unrecognized type.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the frame format on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RenamePayload is the data of a rename event.
type RenamePayload struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// PostPayload is the data of a post event.
type PostPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// ReadReceiptPayload is the data of a readReceipt event.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	Reader    string `json:"reader"`
}

// Inbound is a decoded client to server event. Exactly one payload field is
// set, matching Type.
type Inbound struct {
	Type        string
	Name        string
	Rename      RenamePayload
	Post        PostPayload
	ReadReceipt ReadReceiptPayload
}

// Outbound is a decoded server to client event.
type Outbound struct {
	Type    string
	Message chat.Message
	Online  []string
}

// Encode marshals an event of the given type into a frame.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", eventType, err)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return frame, nil
}

// EncodeMessage builds a message or messageUpdated frame.
func EncodeMessage(eventType string, msg chat.Message) ([]byte, error) {
	return Encode(eventType, msg)
}

// EncodeOnlineUsers builds an onlineUsers frame.
func EncodeOnlineUsers(names []string) ([]byte, error) {
	if names == nil {
		names = []string{}
	}
	return Encode(EventOnlineUsers, names)
}

func decodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedEnvelope, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, env.Type, err)
	}
	return nil
}

// IsClientEvent reports whether eventType is one of the client to server
// events.
func IsClientEvent(eventType string) bool {
	switch eventType {
	case EventJoin, EventRename, EventPost, EventReadReceipt:
		return true
	default:
		return false
	}
}

// DecodeInbound parses a client frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return Inbound{}, err
	}

	in := Inbound{Type: env.Type}
	switch env.Type {
	case EventJoin:
		err = decodeData(env, &in.Name)
	case EventRename:
		err = decodeData(env, &in.Rename)
	case EventPost:
		err = decodeData(env, &in.Post)
	case EventReadReceipt:
		err = decodeData(env, &in.ReadReceipt)
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return in, err
}

// DecodeOutbound parses a server frame.
func DecodeOutbound(frame []byte) (Outbound, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return Outbound{}, err
	}

	out := Outbound{Type: env.Type}
	switch env.Type {
	case EventMessage, EventMessageUpdated:
		err = decodeData(env, &out.Message)
	case EventOnlineUsers:
		err = decodeData(env, &out.Online)
	default:
		return out, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return out, err
}
