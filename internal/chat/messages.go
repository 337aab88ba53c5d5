package chat

import (
	"github.com/user/diagchat/internal/types"
)

// MessageList is the ordered, de-duplicated message history of one thread.
// Entries are only ever appended; an id already present is ignored. It is
// not safe for concurrent use.
type MessageList struct {
	items []types.Message
	ids   map[types.MessageID]struct{}
}

// NewMessageList creates an empty list.
func NewMessageList() *MessageList {
	return &MessageList{ids: make(map[types.MessageID]struct{})}
}

// Add appends msg unless its id is already known. It reports whether the
// message was added.
func (l *MessageList) Add(msg types.Message) bool {
	if _, ok := l.ids[msg.ID]; ok {
		return false
	}
	l.ids[msg.ID] = struct{}{}
	l.items = append(l.items, msg)
	return true
}

// Contains reports whether id is in the list.
func (l *MessageList) Contains(id types.MessageID) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of messages.
func (l *MessageList) Len() int {
	return len(l.items)
}

// Items returns a copy of the messages in order.
func (l *MessageList) Items() []types.Message {
	out := make([]types.Message, len(l.items))
	copy(out, l.items)
	return out
}

// Reconcile replaces the list with history, then re-appends messages that
// were known before but are missing from history, in their original order.
func (l *MessageList) Reconcile(history []types.Message) {
	previous := l.items
	l.items = nil
	l.ids = make(map[types.MessageID]struct{}, len(history)+len(previous))
	for _, msg := range history {
		l.Add(msg)
	}
	for _, msg := range previous {
		l.Add(msg)
	}
}

// Reset empties the list.
func (l *MessageList) Reset() {
	l.items = nil
	l.ids = make(map[types.MessageID]struct{})
}
