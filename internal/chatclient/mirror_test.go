package chatclient

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

func msg(id, sender string, readBy ...string) chat.Message {
	if readBy == nil {
		readBy = []string{}
	}
	return chat.Message{ID: id, Text: "text " + id, Sender: sender, ReadBy: readBy}
}

func TestMirrorInsertIsIdempotent(t *testing.T) {
	req := require.New(t)
	m := NewMirror()

	req.True(m.Insert(msg("m1", "Ana", "Ana")))
	req.False(m.Insert(msg("m1", "Ana", "Ana", "Bo")), "a new-message push never overwrites")
	req.Equal(1, m.Len())

	stored, ok := m.Get("m1")
	req.True(ok)
	req.Equal([]string{"Ana"}, stored.ReadBy)
}

func TestMirrorReplace(t *testing.T) {
	req := require.New(t)
	m := NewMirror()
	m.Insert(msg("m1", "Ana", "Ana"))
	m.Insert(msg("m2", "Bo", "Bo"))

	req.True(m.Replace(msg("m1", "Ana", "Ana", "Bo")))
	req.False(m.Replace(msg("m9", "Cy", "Cy")), "updates for unknown ids are ignored")

	ids := make([]string, 0, m.Len())
	for _, stored := range m.Messages() {
		ids = append(ids, stored.ID)
	}
	req.Equal([]string{"m1", "m2"}, ids, "replace keeps arrival order")

	stored, _ := m.Get("m1")
	req.Equal([]string{"Ana", "Bo"}, stored.ReadBy)
}

func TestMirrorUnreadBy(t *testing.T) {
	m := NewMirror()
	m.Insert(msg("m1", "Ana", "Ana"))
	m.Insert(msg("m2", "Bo", "Bo"))
	m.Insert(msg("m3", "Cy", "Cy", "Bo"))
	m.Insert(msg("m4", chat.SystemSender))

	unread := m.UnreadBy("Bo")
	ids := make([]string, 0, len(unread))
	for _, u := range unread {
		ids = append(ids, u.ID)
	}
	require.Equal(t, []string{"m1", "m4"}, ids)
}

func TestMirrorReturnsCopies(t *testing.T) {
	m := NewMirror()
	m.Insert(msg("m1", "Ana", "Ana"))

	all := m.Messages()
	all[0].ReadBy[0] = "Mallory"

	stored, _ := m.Get("m1")
	require.Equal(t, []string{"Ana"}, stored.ReadBy)
}
