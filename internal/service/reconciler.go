package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

// Run consumes the new-conversation stream and the all-message stream until
// ctx is cancelled. A stream that fails after opening is logged and not
// reopened.
func (m *Messenger) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return m.runConversationStream(ctx) })
	g.Go(func() error { return m.runMessageStream(ctx) })
	return g.Wait()
}

func (m *Messenger) runConversationStream(ctx context.Context) error {
	stream, err := m.client.Conversations().Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open conversation stream: %w", err)
	}
	defer stream.Close()

	m.log.Info().Msg("Listening for new conversations")
	for {
		h, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error().Err(err).Msg("Conversation stream terminated")
			}
			return nil
		}
		m.handleNewConversation(ctx, h)
	}
}

func (m *Messenger) handleNewConversation(ctx context.Context, h messaging.Conversation) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("conversation_id", h.ID()).Msg("Recovered from panic in conversation handler")
		}
	}()

	m.rememberHandle(h)
	conv := m.describe(ctx, h, m.classifier.Classify(ctx, h))

	body := "New room"
	if conv.IsDM() {
		body = "New conversation"
	}
	m.notifier.Notify(domain.NotificationNewConversation, "conversation/"+conv.ID, conv.ID, m.cache.NotificationName(conv), body)
	m.activityEvent("conversation_started", conv.ID, conv.PeerIdentifier)
	m.log.Info().Str("conversation_id", conv.ID).Str("kind", conv.Kind.String()).Msg("New conversation")

	if err := m.LoadConversations(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to refresh conversations")
	}
}

func (m *Messenger) runMessageStream(ctx context.Context) error {
	stream, err := m.client.Conversations().StreamAllMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to open message stream: %w", err)
	}
	defer stream.Close()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error().Err(err).Msg("All-message stream terminated")
			}
			return nil
		}
		m.handleAnyMessage(ctx, msg)
	}
}

// handleAnyMessage covers conversations other than the streamed current one:
// it applies control traffic, bumps activity and raises notifications.
func (m *Messenger) handleAnyMessage(ctx context.Context, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("message_id", msg.ID).Msg("Recovered from panic in message handler")
		}
	}()

	m.mu.Lock()
	streamed := m.current != nil && m.current.ID == msg.ConversationID && m.streamCancel != nil
	m.mu.Unlock()
	if streamed || m.cache.IsBlocked(msg.ConversationID) {
		return
	}

	content := domain.ParseContent(msg.Content)
	if domain.IsControl(content) {
		m.dispatchControl(ctx, msg, content)
		return
	}

	conv := m.lookupConversation(msg.ConversationID)
	if conv == nil {
		h, err := m.handle(ctx, msg.ConversationID)
		if err != nil {
			m.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Message for unknown conversation")
			return
		}
		conv = m.describe(ctx, h, m.classifier.Classify(ctx, h))
		m.mu.Lock()
		m.replaceConversationLocked(conv)
		m.mu.Unlock()
	}
	if conv.Blocked {
		return
	}

	m.mu.Lock()
	m.bumpActivityLocked(conv.ID, msg.SentAt())
	m.mu.Unlock()
	m.publishConversations()

	if msg.SenderIdentifier == m.selfID {
		return
	}
	m.notifyMessage(conv, msg, content)
	m.activityEvent("message", conv.ID, msg.SenderIdentifier)
}
