// Package chat holds the server-side state of the relay: the identity
// registry mapping live connections to display names, and the append-only
// message log with its per-message read state.
//
// Both types are safe for concurrent use. Mutations are expected to be
// serialized by the hub; reads may happen from any goroutine.
package chat

import (
	"slices"
	"time"
)

// SystemSender is the reserved sender of join, rename and leave notices.
const SystemSender = "System"

// Message is a chat record as pushed to clients.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	ReadBy    []string  `json:"readBy"`
}

// IsSystem reports whether the message is a presence notice.
func (m Message) IsSystem() bool {
	return m.Sender == SystemSender
}

// IsReadBy reports whether name has acknowledged the message.
func (m Message) IsReadBy(name string) bool {
	return slices.Contains(m.ReadBy, name)
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m
}

// JoinedNotice is the system text for a fresh join.
func JoinedNotice(name string) string {
	return name + " joined the chat"
}

// LeftNotice is the system text for a departure.
func LeftNotice(name string) string {
	return name + " left the chat"
}

// RenamedNotice is the system text for a display name change.
func RenamedNotice(oldName, newName string) string {
	return oldName + " changed their name to " + newName
}
