package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

type conversations struct {
	client *Client
}

// List merges the mirrored chats with the groups the account has joined.
func (cs *conversations) List(ctx context.Context) ([]messaging.Conversation, error) {
	c := cs.client
	if wa, err := c.connectedClient(); err == nil {
		groups, err := wa.GetJoinedGroups(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to fetch joined groups, using mirrored chats")
		}
		for _, g := range groups {
			conv := c.newChat(g.JID, g.GroupCreated)
			conv.members = participantIDs(g.Participants)
			if err := c.mirror(ctx, conv); err != nil {
				c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Failed to persist group")
			}
		}
	}

	records, err := c.chats.GetAll(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	out := make([]messaging.Conversation, 0, len(records))
	for _, rec := range records {
		jid, err := types.ParseJID(rec.ID)
		if err != nil {
			c.log.Warn().Err(err).Str("conversation_id", rec.ID).Msg("Skipping chat with invalid JID")
			continue
		}
		out = append(out, &conversation{client: c, jid: jid, createdAt: rec.CreatedAt})
	}
	return out, nil
}

// NewGroup opens a direct chat for a single invitee, since WhatsApp direct
// chats need no creation, and creates a group otherwise.
func (cs *conversations) NewGroup(ctx context.Context, inboxIDs []string) (messaging.Conversation, error) {
	c := cs.client
	jids := make([]types.JID, 0, len(inboxIDs))
	for _, id := range inboxIDs {
		jid, err := types.ParseJID(id)
		if err != nil {
			return nil, fmt.Errorf("invalid inbox id %q: %w", id, err)
		}
		jids = append(jids, jid)
	}

	if len(jids) == 1 && jids[0].Server == types.DefaultUserServer {
		conv := c.newChat(jids[0], time.Now())
		if err := c.mirror(ctx, conv); err != nil {
			return nil, fmt.Errorf("failed to persist chat: %w", err)
		}
		return conv, nil
	}

	wa, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	info, err := wa.CreateGroup(ctx, whatsmeow.ReqCreateGroup{Name: defaultGroupName, Participants: jids})
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	conv := c.newChat(info.JID, info.GroupCreated)
	conv.members = participantIDs(info.Participants)
	if err := c.mirror(ctx, conv); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Failed to persist group")
	}
	return conv, nil
}

func (cs *conversations) DMByInboxID(ctx context.Context, inboxID string) (messaging.Conversation, error) {
	jid, err := types.ParseJID(inboxID)
	if err != nil || jid.Server != types.DefaultUserServer {
		return nil, fmt.Errorf("dm with %s: %w", inboxID, messaging.ErrNotFound)
	}
	rec, err := cs.client.chats.GetByID(ctx, jid.ToNonAD().String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("dm with %s: %w", inboxID, messaging.ErrNotFound)
	}
	return &conversation{client: cs.client, jid: jid.ToNonAD(), createdAt: rec.CreatedAt}, nil
}

func (cs *conversations) Stream(ctx context.Context) (messaging.Stream[messaging.Conversation], error) {
	return cs.client.convFeed.Subscribe(), nil
}

func (cs *conversations) StreamAllMessages(ctx context.Context) (messaging.Stream[*domain.Message], error) {
	return cs.client.allFeed.Subscribe(), nil
}

type conversation struct {
	client    *Client
	jid       types.JID
	createdAt time.Time

	mu      sync.Mutex
	members []string
}

var _ messaging.Conversation = (*conversation)(nil)

func (c *conversation) ID() string {
	return c.jid.String()
}

func (c *conversation) CreatedAt() time.Time {
	return c.createdAt
}

func (c *conversation) Hint() messaging.KindHint {
	if c.jid.Server == types.DefaultUserServer {
		return messaging.KindHint{Kind: domain.KindDM, PeerIdentifier: c.jid.String()}
	}
	return messaging.KindHint{}
}

func (c *conversation) isGroup() bool {
	return c.jid.Server == types.GroupServer
}

func (c *conversation) Sync(ctx context.Context) error {
	if !c.isGroup() {
		c.setMembers([]string{c.client.InboxID(), c.jid.String()})
		return nil
	}
	wa, err := c.client.connectedClient()
	if err != nil {
		if rec, recErr := c.client.chats.GetByID(ctx, c.ID()); recErr == nil && rec != nil {
			c.setMembers(rec.MemberIdentifiers)
		}
		return err
	}
	info, err := wa.GetGroupInfo(ctx, c.jid)
	if err != nil {
		return fmt.Errorf("failed to get group info: %w", err)
	}
	c.setMembers(participantIDs(info.Participants))
	if err := c.client.mirror(ctx, c); err != nil {
		c.client.log.Warn().Err(err).Str("conversation_id", c.ID()).Msg("Failed to persist group")
	}
	return nil
}

func (c *conversation) Members(ctx context.Context) ([]string, error) {
	return c.residentMembers(), nil
}

func (c *conversation) AddMembers(ctx context.Context, inboxIDs []string) error {
	if !c.isGroup() {
		return fmt.Errorf("cannot add members to a direct chat")
	}
	wa, err := c.client.connectedClient()
	if err != nil {
		return err
	}
	jids := make([]types.JID, 0, len(inboxIDs))
	for _, id := range inboxIDs {
		jid, err := types.ParseJID(id)
		if err != nil {
			return fmt.Errorf("invalid inbox id %q: %w", id, err)
		}
		jids = append(jids, jid)
	}
	if _, err := wa.UpdateGroupParticipants(ctx, c.jid, jids, whatsmeow.ParticipantChangeAdd); err != nil {
		return fmt.Errorf("failed to add participants: %w", err)
	}
	return c.Sync(ctx)
}

func (c *conversation) Messages(ctx context.Context) ([]*domain.Message, error) {
	return c.client.messages.GetByConversation(ctx, c.ID(), 0, 0)
}

// Send delivers content and echoes it on the local streams, as WhatsApp does
// not report an account's own messages back to the sending device.
func (c *conversation) Send(ctx context.Context, content string) (*domain.Message, error) {
	wa, err := c.client.connectedClient()
	if err != nil {
		return nil, err
	}
	resp, err := wa.SendMessage(ctx, c.jid, textMessage(content))
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	msg := &domain.Message{
		ID:               resp.ID,
		ConversationID:   c.ID(),
		SenderIdentifier: c.client.InboxID(),
		SentAtNanos:      resp.Timestamp.UnixNano(),
		Content:          content,
	}
	c.client.deliver(ctx, msg)
	return msg.Clone(), nil
}

func (c *conversation) Stream(ctx context.Context) (messaging.Stream[*domain.Message], error) {
	return c.client.feed(c.ID()).Subscribe(), nil
}

func (c *conversation) setMembers(members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = append([]string(nil), members...)
}

func (c *conversation) residentMembers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.members...)
}
