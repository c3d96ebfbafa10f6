package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

type Client struct {
	net     *Network
	inboxID string
}

var _ messaging.Client = (*Client)(nil)

func (c *Client) InboxID() string {
	return c.inboxID
}

func (c *Client) InboxIDByAddress(ctx context.Context, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if addr, ok := wallet.NormalizeAddress(address); ok {
		address = addr
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.byAddress[address], nil
}

func (c *Client) Conversations() messaging.Conversations {
	return &conversations{client: c}
}

type conversations struct {
	client *Client
}

func (cs *conversations) List(ctx context.Context) ([]messaging.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := cs.client.net
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []messaging.Conversation
	for _, id := range n.order {
		g := n.groups[id]
		if g.hasMember(cs.client.inboxID) {
			out = append(out, &conversation{client: cs.client, g: g})
		}
	}
	return out, nil
}

func (cs *conversations) NewGroup(ctx context.Context, inboxIDs []string) (messaging.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := cs.client.net
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range inboxIDs {
		if _, ok := n.inboxes[id]; !ok {
			return nil, fmt.Errorf("inbox %s: %w", id, messaging.ErrNotFound)
		}
	}
	members := append([]string{cs.client.inboxID}, inboxIDs...)
	g := n.newGroupLocked(members)

	var others []string
	for _, m := range g.members {
		if m != cs.client.inboxID {
			others = append(others, m)
		}
	}
	n.announceLocked(g, others...)

	return &conversation{
		client:  cs.client,
		g:       g,
		members: append([]string(nil), g.members...),
	}, nil
}

func (cs *conversations) DMByInboxID(ctx context.Context, inboxID string) (messaging.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := cs.client.net
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range n.order {
		g := n.groups[id]
		if g.nativeDM && g.hasMember(cs.client.inboxID) && g.hasMember(inboxID) {
			return &conversation{client: cs.client, g: g}, nil
		}
	}
	return nil, fmt.Errorf("dm with %s: %w", inboxID, messaging.ErrNotFound)
}

func (cs *conversations) Stream(ctx context.Context) (messaging.Stream[messaging.Conversation], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := cs.client.net
	n.mu.Lock()
	ib := n.inboxLocked(cs.client.inboxID)
	n.mu.Unlock()
	return ib.convFeed.Subscribe(), nil
}

func (cs *conversations) StreamAllMessages(ctx context.Context) (messaging.Stream[*domain.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := cs.client.net
	n.mu.Lock()
	ib := n.inboxLocked(cs.client.inboxID)
	n.mu.Unlock()
	return ib.allFeed.Subscribe(), nil
}

// conversation is a client-side handle. Its member list is resident state that
// only changes on Sync, the same way a hosted client caches group membership.
type conversation struct {
	client  *Client
	g       *group
	members []string
}

var _ messaging.Conversation = (*conversation)(nil)

func (c *conversation) ID() string {
	return c.g.id
}

func (c *conversation) CreatedAt() time.Time {
	return c.g.createdAt
}

func (c *conversation) Hint() messaging.KindHint {
	if !c.g.nativeDM {
		return messaging.KindHint{}
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range c.g.members {
		if m != c.client.inboxID {
			return messaging.KindHint{Kind: domain.KindDM, PeerIdentifier: m}
		}
	}
	return messaging.KindHint{Kind: domain.KindDM}
}

func (c *conversation) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.g.syncErr != nil {
		return c.g.syncErr
	}
	c.members = append([]string(nil), c.g.members...)
	return nil
}

func (c *conversation) Members(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), c.members...), nil
}

func (c *conversation) AddMembers(ctx context.Context, inboxIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()

	var added []string
	for _, id := range inboxIDs {
		if _, ok := n.inboxes[id]; !ok {
			return fmt.Errorf("inbox %s: %w", id, messaging.ErrNotFound)
		}
		if !c.g.hasMember(id) {
			c.g.members = append(c.g.members, id)
			added = append(added, id)
		}
	}
	c.members = append([]string(nil), c.g.members...)
	n.announceLocked(c.g, added...)
	return nil
}

func (c *conversation) Messages(ctx context.Context) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*domain.Message, len(c.g.messages))
	for i, msg := range c.g.messages {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (c *conversation) Send(ctx context.Context, content string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.client.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !c.g.hasMember(c.client.inboxID) {
		return nil, fmt.Errorf("%s is not a member of %s", c.client.inboxID, c.g.id)
	}
	msg := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   c.g.id,
		SenderIdentifier: c.client.inboxID,
		SentAtNanos:      n.nextNanosLocked(),
		Content:          content,
	}
	n.deliverLocked(c.g, msg, true)
	return msg.Clone(), nil
}

func (c *conversation) Stream(ctx context.Context) (messaging.Stream[*domain.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.g.feed.Subscribe(), nil
}
