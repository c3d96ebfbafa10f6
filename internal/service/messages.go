package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

// LoadMessages re-reads the history of the current conversation.
func (m *Messenger) LoadMessages(ctx context.Context) error {
	m.mu.Lock()
	cur, h, gen := m.current, m.currentHandle, m.generation
	m.mu.Unlock()
	if cur == nil || h == nil {
		return ErrNoConversation
	}
	if cur.Blocked {
		m.publishMessages(cur.ID, nil)
		return nil
	}
	return m.loadMessages(ctx, gen, h)
}

// loadMessages replaces the message view with the visible history of h.
// Control messages in history are skipped and never applied.
func (m *Messenger) loadMessages(ctx context.Context, gen uint64, h messaging.Conversation) error {
	if err := h.Sync(ctx); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", h.ID()).Msg("Sync failed, loading unsynced history")
	}
	history, err := h.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	list := domain.NewMessageList()
	for _, msg := range history {
		if domain.IsControl(domain.ParseContent(msg.Content)) {
			continue
		}
		list.Add(msg)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return nil
	}
	// Anything the stream appended meanwhile is kept.
	for _, msg := range m.messages.Snapshot() {
		list.Add(msg)
	}
	m.messages = list
	if last := list.Last(); last != nil {
		m.bumpActivityLocked(h.ID(), last.SentAt())
	}
	snapshot := list.Snapshot()
	m.mu.Unlock()

	m.log.Debug().Str("conversation_id", h.ID()).Int("count", len(snapshot)).Msg("Messages loaded")
	m.bus.Publish(domain.MessagesUpdatedEvent{ConversationID: h.ID(), Messages: snapshot, EventTime: m.now()})
	return nil
}

func (m *Messenger) startStream(gen uint64, h messaging.Conversation, stream messaging.Stream[*domain.Message]) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		cancel()
		stream.Close()
		return
	}
	m.streamCancel = cancel
	m.streamDone = done
	m.mu.Unlock()

	go m.consumeMessages(ctx, gen, h, stream, done)
}

func (m *Messenger) consumeMessages(ctx context.Context, gen uint64, h messaging.Conversation, stream messaging.Stream[*domain.Message], done chan struct{}) {
	defer close(done)
	defer m.streamEnded(gen, done)
	defer stream.Close()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, messaging.ErrStreamClosed) {
				return
			}
			m.log.Error().Err(err).Str("conversation_id", h.ID()).Msg("Message stream terminated")
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		if stop := m.handleStreamItem(ctx, gen, h, msg); stop {
			return
		}
	}
}

// streamEnded forgets a stream that stopped on its own so the all-message
// stream takes over the current conversation.
func (m *Messenger) streamEnded(gen uint64, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.streamDone != done {
		return
	}
	m.stopStreamLocked()
	m.streamDone = nil
}

// handleStreamItem processes one message of the current conversation's
// stream. It reports whether the stream should end.
func (m *Messenger) handleStreamItem(ctx context.Context, gen uint64, h messaging.Conversation, msg *domain.Message) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("message_id", msg.ID).Msg("Recovered from panic in message handler")
		}
	}()

	conv := m.describe(ctx, h, m.classifier.Classify(ctx, h))
	if !m.applyCurrent(gen, conv) {
		return true
	}
	if conv.Blocked {
		m.log.Info().Str("conversation_id", conv.ID).Msg("Conversation blocked, stopping message stream")
		return true
	}
	m.handleMessage(ctx, gen, conv, msg)
	return false
}

func (m *Messenger) handleMessage(ctx context.Context, gen uint64, conv *domain.Conversation, msg *domain.Message) {
	content := domain.ParseContent(msg.Content)
	if domain.IsControl(content) {
		m.dispatchControl(ctx, msg, content)
		return
	}

	m.mu.Lock()
	if gen != m.generation || !m.messages.Add(msg) {
		m.mu.Unlock()
		return
	}
	m.bumpActivityLocked(conv.ID, msg.SentAt())
	snapshot := m.messages.Snapshot()
	foreground := m.foreground
	m.mu.Unlock()

	now := m.now()
	m.bus.Publish(domain.MessagesUpdatedEvent{ConversationID: conv.ID, Messages: snapshot, EventTime: now})
	m.bus.Publish(domain.MessageReceivedEvent{Message: msg.Clone(), EventTime: now})
	m.publishConversations()

	if msg.SenderIdentifier == m.selfID {
		return
	}
	if !foreground {
		m.notifyMessage(conv, msg, content)
	}
	m.activityEvent("message", conv.ID, msg.SenderIdentifier)
}

// dispatchControl applies a control message. Room renames are handled here;
// everything else goes to the registered handlers.
func (m *Messenger) dispatchControl(ctx context.Context, msg *domain.Message, content domain.Content) {
	if rename, ok := content.(*domain.RoomNameChange); ok {
		m.applyRoomName(ctx, msg, rename)
		return
	}
	for _, h := range m.controlHandlers() {
		if h.HandleControl(ctx, msg, content) {
			return
		}
	}
	m.log.Debug().
		Str("type", string(content.ContentType())).
		Str("conversation_id", msg.ConversationID).
		Msg("Unhandled control message")
}

func (m *Messenger) applyRoomName(ctx context.Context, msg *domain.Message, rename *domain.RoomNameChange) {
	roomID := rename.RoomID
	if roomID == "" {
		roomID = msg.ConversationID
	}
	if roomID != msg.ConversationID {
		m.log.Warn().
			Str("room_id", roomID).
			Str("conversation_id", msg.ConversationID).
			Msg("Ignoring rename of a different conversation")
		return
	}
	if m.cache.Name(roomID) == rename.RoomName {
		return
	}
	if err := m.cache.SetName(ctx, roomID, rename.RoomName); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", roomID).Msg("Failed to store room name")
		return
	}

	m.mu.Lock()
	m.refreshNamesLocked()
	m.mu.Unlock()

	m.log.Info().Str("conversation_id", roomID).Str("name", rename.RoomName).Msg("Room renamed")
	m.activityEvent("room_renamed", roomID, msg.SenderIdentifier)
	m.publishConversations()
}

// SendMessage sends text on the current conversation and shows it immediately.
func (m *Messenger) SendMessage(ctx context.Context, text string) (*domain.Message, error) {
	if text == "" {
		return nil, fmt.Errorf("message is empty")
	}
	return m.sendVisible(ctx, text)
}

// SendAttachment sends a file on the current conversation.
func (m *Messenger) SendAttachment(ctx context.Context, fileName, fileType string, data []byte) (*domain.Message, error) {
	body, err := domain.EncodeContent(&domain.FileAttachment{
		FileName: fileName,
		FileType: fileType,
		FileData: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, err
	}
	return m.sendVisible(ctx, body)
}

func (m *Messenger) sendVisible(ctx context.Context, body string) (*domain.Message, error) {
	m.mu.Lock()
	cur, h, gen := m.current, m.currentHandle, m.generation
	m.mu.Unlock()
	if cur == nil || h == nil {
		return nil, ErrNoConversation
	}
	if cur.Blocked {
		return nil, fmt.Errorf("conversation %s is blocked", cur.ID)
	}

	msg, err := h.Send(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	m.mu.Lock()
	added := gen == m.generation && m.messages.Add(msg)
	if added {
		m.bumpActivityLocked(cur.ID, msg.SentAt())
	}
	snapshot := m.messages.Snapshot()
	m.mu.Unlock()

	if added {
		m.bus.Publish(domain.MessagesUpdatedEvent{ConversationID: cur.ID, Messages: snapshot, EventTime: m.now()})
		m.publishConversations()
	}
	return msg, nil
}

func (m *Messenger) publishMessages(conversationID string, msgs []*domain.Message) {
	m.bus.Publish(domain.MessagesUpdatedEvent{ConversationID: conversationID, Messages: msgs, EventTime: m.now()})
}

func (m *Messenger) notifyMessage(conv *domain.Conversation, msg *domain.Message, content domain.Content) {
	body := domain.Preview(content)
	if !conv.IsDM() {
		body = m.cache.SenderLabel(msg.SenderIdentifier) + ": " + body
	}
	key := fmt.Sprintf("message/%s/%d/%s", msg.ConversationID, msg.SentAtNanos, msg.SenderIdentifier)
	m.notifier.Notify(domain.NotificationNewMessage, key, conv.ID, m.cache.NotificationName(conv), body)
}
