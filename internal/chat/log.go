package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Log is the append-only, process-lifetime message store.
//
// Records are never removed. The only mutation after append is adding a
// reader to a record's ReadBy set.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int

	now   func() time.Time
	newID func() string
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		messages: make([]Message, 0, 64),
		index:    make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Append stores a message from sender, who is counted as its first reader.
func (l *Log) Append(text, sender string) Message {
	return l.append(text, sender, []string{sender})
}

// AppendSystem stores a notice from SystemSender with the given initial
// readers. Pass no readers for departure notices.
func (l *Log) AppendSystem(text string, readBy ...string) Message {
	return l.append(text, SystemSender, lo.Uniq(readBy))
}

func (l *Log) append(text, sender string, readBy []string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		ID:        l.newID(),
		Text:      text,
		Sender:    sender,
		Timestamp: l.now(),
		ReadBy:    append([]string{}, readBy...),
	}
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)

	return msg.Clone()
}

// MarkRead records that reader has read message id. It returns the updated
// record and true only when the read state changed. Unknown ids and repeated
// receipts return false; both are expected races and are not errors.
func (l *Log) MarkRead(id, reader string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return Message{}, false
	}

	msg := &l.messages[pos]
	if msg.IsReadBy(reader) {
		return Message{}, false
	}
	msg.ReadBy = append(msg.ReadBy, reader)

	return msg.Clone(), true
}

// Get returns a copy of message id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[pos].Clone(), true
}

// Recent returns up to limit of the newest messages, oldest first.
// A non-positive limit returns nothing.
func (l *Log) Recent(limit int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		return []Message{}
	}

	start := max(len(l.messages)-limit, 0)
	return lo.Map(l.messages[start:], func(m Message, _ int) Message {
		return m.Clone()
	})
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
