package domain

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTypeConversationsUpdated EventType = "conversations.updated"
	EventTypeConversationSelected EventType = "conversation.selected"
	EventTypeMessagesUpdated      EventType = "messages.updated"
	EventTypeMessageReceived      EventType = "message.received"
	EventTypeNotification         EventType = "notification"
	EventTypeActivity             EventType = "activity"
	EventTypeCallState            EventType = "call.state"
	EventTypeIncomingCall         EventType = "call.incoming"
	EventTypeBroadcastState       EventType = "broadcast.state"
	EventTypeConnectionStatus     EventType = "connection.status"
)

type Event interface {
	Type() EventType
	Timestamp() time.Time
}

type ConversationsUpdatedEvent struct {
	Conversations []*Conversation
	EventTime     time.Time
}

func (e ConversationsUpdatedEvent) Type() EventType      { return EventTypeConversationsUpdated }
func (e ConversationsUpdatedEvent) Timestamp() time.Time { return e.EventTime }

type ConversationSelectedEvent struct {
	Conversation *Conversation
	EventTime    time.Time
}

func (e ConversationSelectedEvent) Type() EventType      { return EventTypeConversationSelected }
func (e ConversationSelectedEvent) Timestamp() time.Time { return e.EventTime }

type MessagesUpdatedEvent struct {
	ConversationID string
	Messages       []*Message
	EventTime      time.Time
}

func (e MessagesUpdatedEvent) Type() EventType      { return EventTypeMessagesUpdated }
func (e MessagesUpdatedEvent) Timestamp() time.Time { return e.EventTime }

type MessageReceivedEvent struct {
	Message   *Message
	EventTime time.Time
}

func (e MessageReceivedEvent) Type() EventType      { return EventTypeMessageReceived }
func (e MessageReceivedEvent) Timestamp() time.Time { return e.EventTime }

type NotificationKind string

const (
	NotificationNewMessage      NotificationKind = "new_message"
	NotificationNewConversation NotificationKind = "new_conversation"
)

type NotificationEvent struct {
	Kind           NotificationKind
	Key            string
	ConversationID string
	Title          string
	Body           string
	EventTime      time.Time
}

func (e NotificationEvent) Type() EventType      { return EventTypeNotification }
func (e NotificationEvent) Timestamp() time.Time { return e.EventTime }

type ActivityEvent struct {
	Action         string
	ConversationID string
	Actor          string
	EventTime      time.Time
}

func (e ActivityEvent) Type() EventType      { return EventTypeActivity }
func (e ActivityEvent) Timestamp() time.Time { return e.EventTime }

type CallStateEvent struct {
	State     CallState
	Reason    string
	EventTime time.Time
}

func (e CallStateEvent) Type() EventType      { return EventTypeCallState }
func (e CallStateEvent) Timestamp() time.Time { return e.EventTime }

type IncomingCallEvent struct {
	ConversationID string
	From           string
	MediaKind      MediaKind
	EventTime      time.Time
}

func (e IncomingCallEvent) Type() EventType      { return EventTypeIncomingCall }
func (e IncomingCallEvent) Timestamp() time.Time { return e.EventTime }

type BroadcastStateEvent struct {
	State     BroadcastState
	EventTime time.Time
}

func (e BroadcastStateEvent) Type() EventType      { return EventTypeBroadcastState }
func (e BroadcastStateEvent) Timestamp() time.Time { return e.EventTime }

type ConnectionStatusEvent struct {
	Connected bool
	Reason    string
	EventTime time.Time
}

func (e ConnectionStatusEvent) Type() EventType      { return EventTypeConnectionStatus }
func (e ConnectionStatusEvent) Timestamp() time.Time { return e.EventTime }

// EventBus provides pub/sub for domain events
type EventBus interface {
	Publish(event Event)
	Subscribe(eventTypes []EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
}

// SimpleEventBus is a basic in-memory implementation of EventBus
type SimpleEventBus struct {
	mu          sync.RWMutex
	subscribers map[<-chan Event]subscription
}

type subscription struct {
	ch         chan Event
	eventTypes map[EventType]bool
}

func NewEventBus() *SimpleEventBus {
	return &SimpleEventBus{
		subscribers: make(map[<-chan Event]subscription),
	}
}

func (b *SimpleEventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.eventTypes) == 0 || sub.eventTypes[event.Type()] {
			select {
			case sub.ch <- event:
			default:
				// Slow subscriber, drop
			}
		}
	}
}

func (b *SimpleEventBus) Subscribe(eventTypes []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	typeMap := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeMap[t] = true
	}

	b.subscribers[ch] = subscription{
		ch:         ch,
		eventTypes: typeMap,
	}

	return ch
}

func (b *SimpleEventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[ch]; ok {
		close(sub.ch)
		delete(b.subscribers, ch)
	}
}
