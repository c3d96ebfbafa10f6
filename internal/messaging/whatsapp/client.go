// Package whatsapp implements messaging.Client on top of whatsmeow. Chats map
// to conversations and JIDs to inbox identities. WhatsApp keeps no history
// server side, so chats and messages are mirrored into the local database as
// they arrive.
package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
)

const defaultGroupName = "Room"

type Client struct {
	device   *store.Device
	bus      domain.EventBus
	chats    repository.ChatRepository
	messages repository.MessageRepository
	log      zerolog.Logger
	waLog    waLog.Logger

	convFeed *messaging.Feed[messaging.Conversation]
	allFeed  *messaging.Feed[*domain.Message]

	mu        sync.RWMutex
	wa        *whatsmeow.Client
	connected bool
	feeds     map[string]*messaging.Feed[*domain.Message]
}

var _ messaging.Client = (*Client)(nil)

func NewClient(
	device *store.Device,
	bus domain.EventBus,
	chats repository.ChatRepository,
	messages repository.MessageRepository,
	log zerolog.Logger,
	waLogger waLog.Logger,
) *Client {
	return &Client{
		device:   device,
		bus:      bus,
		chats:    chats,
		messages: messages,
		log:      log,
		waLog:    waLogger,
		convFeed: messaging.NewFeed[messaging.Conversation](),
		allFeed:  messaging.NewFeed[*domain.Message](),
		feeds:    make(map[string]*messaging.Feed[*domain.Message]),
	}
}

// ensureClientLocked creates the whatsmeow client on first use.
func (c *Client) ensureClientLocked() *whatsmeow.Client {
	if c.wa == nil {
		c.wa = whatsmeow.NewClient(c.device, c.waLog)
		c.wa.AddEventHandler(c.handleEvent)
	}
	return c.wa
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device.ID == nil {
		return fmt.Errorf("device is not paired")
	}
	wa := c.ensureClientLocked()
	if wa.IsConnected() {
		return nil
	}
	return wa.Connect()
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wa != nil {
		c.wa.Disconnect()
		c.wa = nil
	}
	c.connected = false
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wa == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.wa.Logout(ctx); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	c.wa.Disconnect()
	c.wa = nil
	c.connected = false
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.wa != nil && c.wa.IsConnected()
}

func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device != nil && c.device.ID != nil
}

func (c *Client) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device.ID != nil {
		return nil, fmt.Errorf("already logged in")
	}
	return c.ensureClientLocked().GetQRChannel(ctx)
}

func (c *Client) PairWithCode(ctx context.Context, phoneNumber string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wa := c.ensureClientLocked()
	// PairPhone requires an active websocket connection
	if !wa.IsConnected() {
		if err := wa.Connect(); err != nil {
			return "", fmt.Errorf("failed to connect: %w", err)
		}
	}
	return wa.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Mac)")
}

func (c *Client) InboxID() string {
	if c.device == nil || c.device.ID == nil {
		return ""
	}
	return c.device.ID.ToNonAD().String()
}

// InboxIDByAddress resolves a phone number to its WhatsApp JID.
func (c *Client) InboxIDByAddress(ctx context.Context, address string) (string, error) {
	wa, err := c.connectedClient()
	if err != nil {
		return "", err
	}
	resp, err := wa.IsOnWhatsApp(ctx, []string{address})
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", address, err)
	}
	for _, r := range resp {
		if r.IsIn {
			return r.JID.ToNonAD().String(), nil
		}
	}
	return "", nil
}

func (c *Client) Conversations() messaging.Conversations {
	return &conversations{client: c}
}

func (c *Client) connectedClient() (*whatsmeow.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.wa == nil || !c.wa.IsConnected() {
		return nil, fmt.Errorf("not connected to WhatsApp")
	}
	return c.wa, nil
}

func (c *Client) feed(conversationID string) *messaging.Feed[*domain.Message] {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.feeds[conversationID]
	if !ok {
		f = messaging.NewFeed[*domain.Message]()
		c.feeds[conversationID] = f
	}
	return f
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.bus.Publish(domain.ConnectionStatusEvent{Connected: true, EventTime: time.Now()})

	case *events.Disconnected:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.bus.Publish(domain.ConnectionStatusEvent{Connected: false, Reason: "disconnected", EventTime: time.Now()})

	case *events.LoggedOut:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.bus.Publish(domain.ConnectionStatusEvent{Connected: false, Reason: "logged out", EventTime: time.Now()})

	case *events.Message:
		c.handleMessage(v)

	case *events.JoinedGroup:
		c.handleJoinedGroup(v)
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg := convertMessage(evt)
	if msg == nil {
		return
	}
	ctx := context.Background()
	chat := evt.Info.Chat.ToNonAD()

	known, err := c.chats.GetByID(ctx, msg.ConversationID)
	if err != nil {
		c.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to look up chat")
	}
	if known == nil {
		conv := c.newChat(chat, evt.Info.Timestamp)
		if err := c.mirror(ctx, conv); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to persist chat")
		}
		c.convFeed.Publish(conv)
	}

	c.deliver(ctx, msg)
}

func (c *Client) handleJoinedGroup(evt *events.JoinedGroup) {
	ctx := context.Background()
	conv := c.newChat(evt.JID, evt.GroupCreated)
	conv.members = participantIDs(evt.Participants)
	if err := c.mirror(ctx, conv); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Failed to persist group")
	}
	c.convFeed.Publish(conv)
}

// deliver persists msg and pushes it to the conversation and all-message
// streams.
func (c *Client) deliver(ctx context.Context, msg *domain.Message) {
	if err := c.messages.CreateOrIgnore(ctx, msg); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to persist message")
	}
	if err := c.chats.UpdateLastActivity(ctx, msg.ConversationID, msg.SentAt()); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to update chat")
	}
	c.feed(msg.ConversationID).Publish(msg.Clone())
	c.allFeed.Publish(msg.Clone())
}

func (c *Client) newChat(jid types.JID, createdAt time.Time) *conversation {
	jid = jid.ToNonAD()
	conv := &conversation{client: c, jid: jid, createdAt: createdAt}
	if jid.Server == types.DefaultUserServer {
		conv.members = []string{c.InboxID(), jid.String()}
	}
	return conv
}

func (c *Client) mirror(ctx context.Context, conv *conversation) error {
	record := &domain.Conversation{
		ID:                conv.ID(),
		MemberIdentifiers: conv.residentMembers(),
		CreatedAt:         conv.createdAt,
		LastActivity:      conv.createdAt,
	}
	if hint := conv.Hint(); hint.Kind == domain.KindDM {
		record.Kind = domain.KindDM
		record.PeerIdentifier = hint.PeerIdentifier
	}
	return c.chats.Upsert(ctx, record)
}

// convertMessage extracts the text body of a whatsmeow message. Attachments
// travel as JSON text, so other message types are skipped.
func convertMessage(evt *events.Message) *domain.Message {
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return nil
	}
	return &domain.Message{
		ID:               evt.Info.ID,
		ConversationID:   evt.Info.Chat.ToNonAD().String(),
		SenderIdentifier: evt.Info.Sender.ToNonAD().String(),
		SentAtNanos:      evt.Info.Timestamp.UnixNano(),
		Content:          text,
	}
}

func textMessage(body string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(body)}
}

func participantIDs(participants []types.GroupParticipant) []string {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.JID.ToNonAD().String())
	}
	return ids
}
