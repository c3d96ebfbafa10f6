package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

var (
	ErrNoConversation       = errors.New("no conversation selected")
	ErrIndexOutOfRange      = errors.New("conversation index out of range")
	ErrUnresolvableIdentity = errors.New("address has no messaging identity, enter an inbox id instead")
)

// ControlHandler consumes protocol traffic that rides on conversation messages.
// It reports whether it recognised the content.
type ControlHandler interface {
	HandleControl(ctx context.Context, msg *domain.Message, content domain.Content) bool
}

// MembershipListener is told when a conversation's members were changed locally.
type MembershipListener interface {
	MembersChanged(ctx context.Context, conversationID string)
}

type MessengerConfig struct {
	Now func() time.Time
}

// Messenger owns the session state shared by the conversation list, the
// selected conversation and its message view. Every stream handler captures the
// generation current when it started and drops its work once the generation
// moves on.
type Messenger struct {
	client     messaging.Client
	selfID     string
	cache      *identity.Cache
	classifier *identity.Classifier
	bus        domain.EventBus
	log        zerolog.Logger
	notifier   *notifier
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	hooksMu   sync.RWMutex
	handlers  []ControlHandler
	listeners []MembershipListener

	mu            sync.Mutex
	conversations []*domain.Conversation
	handles       map[string]messaging.Conversation
	activity      map[string]time.Time
	current       *domain.Conversation
	currentHandle messaging.Conversation
	messages      *domain.MessageList
	generation    uint64
	streamCancel  context.CancelFunc
	streamDone    chan struct{}
	foreground    bool
	loadsStarted  uint64
	loadApplied   uint64
}

func NewMessenger(
	client messaging.Client,
	cache *identity.Cache,
	bus domain.EventBus,
	config MessengerConfig,
	log zerolog.Logger,
) *Messenger {
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	selfID := client.InboxID()
	return &Messenger{
		client:     client,
		selfID:     selfID,
		cache:      cache,
		classifier: identity.NewClassifier(cache, selfID, log),
		bus:        bus,
		log:        log,
		notifier:   newNotifier(bus, config.Now),
		now:        config.Now,
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[string]messaging.Conversation),
		activity:   make(map[string]time.Time),
		messages:   domain.NewMessageList(),
		foreground: true,
	}
}

func (m *Messenger) SelfID() string {
	return m.selfID
}

func (m *Messenger) Cache() *identity.Cache {
	return m.cache
}

func (m *Messenger) AddControlHandler(h ControlHandler) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Messenger) AddMembershipListener(l MembershipListener) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Conversations returns the ordered conversation list.
func (m *Messenger) Conversations() []*domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Conversation, len(m.conversations))
	for i, c := range m.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Current returns the selected conversation, or nil.
func (m *Messenger) Current() *domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Messages returns the visible messages of the selected conversation.
func (m *Messenger) Messages() []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages.Snapshot()
}

// SetForeground records whether the UI is visible. Notifications for the
// selected conversation are only suppressed while it is.
func (m *Messenger) SetForeground(foreground bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foreground = foreground
}

// SendContent encodes content and sends it on conversationID without adding
// it to the message view. The returned message carries the network timestamp.
func (m *Messenger) SendContent(ctx context.Context, conversationID string, content domain.Content) (*domain.Message, error) {
	body, err := domain.EncodeContent(content)
	if err != nil {
		return nil, err
	}
	h, err := m.handle(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := h.Send(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", content.ContentType(), err)
	}
	return msg, nil
}

// ConversationMembers syncs and returns the members of conversationID.
func (m *Messenger) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	h, err := m.handle(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := h.Sync(ctx); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Member sync failed, using resident members")
	}
	return h.Members(ctx)
}

// Close stops every stream started by the messenger.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	m.mu.Unlock()
	m.cancel()
}

// handle returns the messaging handle of id, listing conversations if it is
// not known yet.
func (m *Messenger) handle(ctx context.Context, id string) (messaging.Conversation, error) {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	list, err := m.client.Conversations().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range list {
		if _, known := m.handles[c.ID()]; !known {
			m.handles[c.ID()] = c
		}
	}
	if h, ok := m.handles[id]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("conversation %s: %w", id, messaging.ErrNotFound)
}

func (m *Messenger) rememberHandle(h messaging.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.ID()] = h
}

func (m *Messenger) controlHandlers() []ControlHandler {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return append([]ControlHandler(nil), m.handlers...)
}

func (m *Messenger) membershipListeners() []MembershipListener {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return append([]MembershipListener(nil), m.listeners...)
}

func (m *Messenger) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Messenger) activityEvent(action, conversationID, actor string) {
	m.bus.Publish(domain.ActivityEvent{
		Action:         action,
		ConversationID: conversationID,
		Actor:          actor,
		EventTime:      m.now(),
	})
}
