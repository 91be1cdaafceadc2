package chatclient

import (
	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Mirror is a client's local copy of the message log, in arrival order and
// indexed by id. It is not safe for concurrent use; Engine guards it.
type Mirror struct {
	messages []chat.Message
	index    map[string]int
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{index: make(map[string]int)}
}

// Insert adds msg if its id is new. An existing entry is never overwritten.
func (m *Mirror) Insert(msg chat.Message) bool {
	if _, ok := m.index[msg.ID]; ok {
		return false
	}
	m.index[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg.Clone())
	return true
}

// Replace swaps the stored record with msg wholesale. Unknown ids are ignored.
func (m *Mirror) Replace(msg chat.Message) bool {
	i, ok := m.index[msg.ID]
	if !ok {
		return false
	}
	m.messages[i] = msg.Clone()
	return true
}

// Get returns a copy of the message with the given id.
func (m *Mirror) Get(id string) (chat.Message, bool) {
	i, ok := m.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return m.messages[i].Clone(), true
}

// Messages returns copies of every message in arrival order.
func (m *Mirror) Messages() []chat.Message {
	return lo.Map(m.messages, func(msg chat.Message, _ int) chat.Message {
		return msg.Clone()
	})
}

// UnreadBy returns the messages from other senders that reader has not read.
func (m *Mirror) UnreadBy(reader string) []chat.Message {
	unread := lo.Filter(m.messages, func(msg chat.Message, _ int) bool {
		return msg.Sender != reader && !msg.IsReadBy(reader)
	})
	return lo.Map(unread, func(msg chat.Message, _ int) chat.Message {
		return msg.Clone()
	})
}

// Len returns the number of mirrored messages.
func (m *Mirror) Len() int {
	return len(m.messages)
}
