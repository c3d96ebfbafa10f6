package domain

import (
	"sort"
	"time"
)

type Message struct {
	ID               string
	ConversationID   string
	SenderIdentifier string
	SentAtNanos      int64
	Content          string
}

func (m *Message) SentAt() time.Time {
	return time.Unix(0, m.SentAtNanos)
}

// Clone returns a shallow copy; all fields are values.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

type senderStamp struct {
	sentAtNanos int64
	sender      string
}

// MessageList is an ordered, deduplicated message view.
//
// A message is a duplicate when either its ID or its (SentAtNanos, SenderIdentifier)
// pair has been seen before: the messaging layer may redeliver a message under a
// different transient ID. Entries are kept sorted ascending by SentAtNanos, with
// insertion order preserved between equal timestamps. MessageList is not safe for
// concurrent use.
type MessageList struct {
	items  []*Message
	ids    map[string]struct{}
	stamps map[senderStamp]struct{}
}

func NewMessageList(msgs ...*Message) *MessageList {
	l := &MessageList{
		ids:    make(map[string]struct{}),
		stamps: make(map[senderStamp]struct{}),
	}
	for _, msg := range msgs {
		l.Add(msg)
	}
	return l
}

// Contains reports whether msg would be rejected as a duplicate.
func (l *MessageList) Contains(msg *Message) bool {
	if msg == nil {
		return false
	}
	if msg.ID != "" {
		if _, ok := l.ids[msg.ID]; ok {
			return true
		}
	}
	_, ok := l.stamps[senderStamp{msg.SentAtNanos, msg.SenderIdentifier}]
	return ok
}

// Add inserts msg in order. It returns false if msg is nil or a duplicate.
func (l *MessageList) Add(msg *Message) bool {
	if msg == nil || l.Contains(msg) {
		return false
	}
	if msg.ID != "" {
		l.ids[msg.ID] = struct{}{}
	}
	l.stamps[senderStamp{msg.SentAtNanos, msg.SenderIdentifier}] = struct{}{}

	idx := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].SentAtNanos > msg.SentAtNanos
	})
	l.items = append(l.items, nil)
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = msg
	return true
}

func (l *MessageList) Len() int {
	return len(l.items)
}

// Snapshot returns a copy of the ordered entries.
func (l *MessageList) Snapshot() []*Message {
	out := make([]*Message, len(l.items))
	for i, msg := range l.items {
		out[i] = msg.Clone()
	}
	return out
}

// Last returns the newest message, or nil.
func (l *MessageList) Last() *Message {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[len(l.items)-1]
}
