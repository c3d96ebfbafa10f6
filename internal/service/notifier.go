package service

import (
	"sync"
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

const notificationMemory = 10 * time.Minute

// notifier publishes each notification key at most once, however many
// streams deliver the same message.
type notifier struct {
	bus  domain.EventBus
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
}

func newNotifier(bus domain.EventBus, now func() time.Time) *notifier {
	return &notifier{bus: bus, now: now, seen: make(map[string]time.Time)}
}

// Notify reports whether the notification was published.
func (n *notifier) Notify(kind domain.NotificationKind, key, conversationID, title, body string) bool {
	now := n.now()

	n.mu.Lock()
	for k, at := range n.seen {
		if now.Sub(at) > notificationMemory {
			delete(n.seen, k)
		}
	}
	if _, dup := n.seen[key]; dup {
		n.mu.Unlock()
		return false
	}
	n.seen[key] = now
	n.mu.Unlock()

	n.bus.Publish(domain.NotificationEvent{
		Kind:           kind,
		Key:            key,
		ConversationID: conversationID,
		Title:          title,
		Body:           body,
		EventTime:      now,
	})
	return true
}
