// Package memory is an in-process messaging network. Every Client registered on
// the same Network can create conversations with the others; messages and new
// conversations are pushed through streams the same way a hosted network would.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

type Network struct {
	mu sync.Mutex

	now       func() time.Time
	lastNanos int64

	inboxes   map[string]*inbox
	byAddress map[string]string
	groups    map[string]*group
	order     []string

	pendingRegistrations map[string]int
	maxInstallations     int
}

type inbox struct {
	id            string
	address       string
	installations int
	convFeed      *messaging.Feed[messaging.Conversation]
	allFeed       *messaging.Feed[*domain.Message]
}

type group struct {
	id        string
	createdAt time.Time
	nativeDM  bool
	members   []string
	messages  []*domain.Message
	feed      *messaging.Feed[*domain.Message]
	syncErr   error
}

func NewNetwork() *Network {
	return &Network{
		now:                  time.Now,
		inboxes:              make(map[string]*inbox),
		byAddress:            make(map[string]string),
		groups:               make(map[string]*group),
		pendingRegistrations: make(map[string]int),
	}
}

// SetClock replaces the clock used to stamp messages.
func (n *Network) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// SetMaxInstallations caps installations per identity. Zero means unlimited.
func (n *Network) SetMaxInstallations(max int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxInstallations = max
}

// FailRegistration makes the next `times` Connect calls for address fail with
// messaging.ErrIdentityRegistering.
func (n *Network) FailRegistration(address string, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr, ok := wallet.NormalizeAddress(address); ok {
		address = addr
	}
	n.pendingRegistrations[address] = times
}

// Register adds an identity without a wallet signature and returns a client for it.
func (n *Network) Register(inboxID, address string) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	ib := n.inboxLocked(inboxID)
	if address != "" {
		if addr, ok := wallet.NormalizeAddress(address); ok {
			address = addr
		}
		ib.address = address
		n.byAddress[address] = inboxID
	}
	ib.installations++
	return &Client{net: n, inboxID: inboxID}
}

// Connect registers (or re-attaches to) the identity owned by signer. The
// signer proves control of its address by signing a registration challenge.
func (n *Network) Connect(ctx context.Context, signer wallet.Signer) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	address := signer.Address().Hex()
	challenge := []byte("register inbox for " + address)
	sig, err := signer.SignMessage(challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration: %w", err)
	}
	if !wallet.Verify(signer.Address(), challenge, sig) {
		return nil, fmt.Errorf("registration signature does not match %s", address)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if remaining := n.pendingRegistrations[address]; remaining > 0 {
		n.pendingRegistrations[address] = remaining - 1
		return nil, messaging.ErrIdentityRegistering
	}

	inboxID := InboxIDForAddress(address)
	ib := n.inboxLocked(inboxID)
	if n.maxInstallations > 0 && ib.installations >= n.maxInstallations {
		return nil, fmt.Errorf("%s has %d installations: %w", inboxID, ib.installations, messaging.ErrInstallationLimit)
	}
	ib.installations++
	ib.address = address
	n.byAddress[address] = inboxID
	return &Client{net: n, inboxID: inboxID}, nil
}

// InboxIDForAddress derives the inbox identity the network assigns to a wallet address.
func InboxIDForAddress(address string) string {
	return crypto.Keccak256Hash([]byte(address)).Hex()[2:]
}

// CreateNativeDM creates a conversation that self-reports as a DM between a and b.
func (n *Network) CreateNativeDM(a, b string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[a]; !ok {
		return "", fmt.Errorf("inbox %s: %w", a, messaging.ErrNotFound)
	}
	if _, ok := n.inboxes[b]; !ok {
		return "", fmt.Errorf("inbox %s: %w", b, messaging.ErrNotFound)
	}
	g := n.newGroupLocked([]string{a, b})
	g.nativeDM = true
	n.announceLocked(g, a, b)
	return g.id, nil
}

// Inject stores and delivers msg as if it had been sent by msg.SenderIdentifier.
// Missing IDs and timestamps are filled in.
func (n *Network) Inject(conversationID string, msg *domain.Message) (*domain.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, messaging.ErrNotFound)
	}
	out := msg.Clone()
	out.ConversationID = conversationID
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.SentAtNanos == 0 {
		out.SentAtNanos = n.nextNanosLocked()
	}
	n.deliverLocked(g, out, true)
	return out.Clone(), nil
}

// Redeliver pushes a stored message again under a fresh transient ID.
func (n *Network) Redeliver(conversationID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, messaging.ErrNotFound)
	}
	for _, msg := range g.messages {
		if msg.ID == messageID {
			dup := msg.Clone()
			dup.ID = uuid.NewString()
			n.deliverLocked(g, dup, false)
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", messageID, messaging.ErrNotFound)
}

// FailSync makes Sync on conversationID return err until cleared with nil.
func (n *Network) FailSync(conversationID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if g, ok := n.groups[conversationID]; ok {
		g.syncErr = err
	}
}

// FailStreams terminates the conversation and all-message streams of inboxID.
func (n *Network) FailStreams(inboxID string, err error) {
	n.mu.Lock()
	ib, ok := n.inboxes[inboxID]
	n.mu.Unlock()
	if !ok {
		return
	}
	ib.convFeed.Fail(err)
	ib.allFeed.Fail(err)
}

// FailMessageStreams terminates every open message stream of conversationID.
func (n *Network) FailMessageStreams(conversationID string, err error) {
	n.mu.Lock()
	g, ok := n.groups[conversationID]
	n.mu.Unlock()
	if ok {
		g.feed.Fail(err)
	}
}

// Members returns the authoritative member list of a conversation.
func (n *Network) Members(conversationID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if g, ok := n.groups[conversationID]; ok {
		return append([]string(nil), g.members...)
	}
	return nil
}

// StreamSubscribers returns the number of open message streams on conversationID.
func (n *Network) StreamSubscribers(conversationID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if g, ok := n.groups[conversationID]; ok {
		return g.feed.Len()
	}
	return 0
}

// InboxStreams returns the number of open conversation and all-message
// streams of inboxID.
func (n *Network) InboxStreams(inboxID string) int {
	n.mu.Lock()
	ib, ok := n.inboxes[inboxID]
	n.mu.Unlock()
	if !ok {
		return 0
	}
	return ib.convFeed.Len() + ib.allFeed.Len()
}

func (n *Network) inboxLocked(id string) *inbox {
	ib, ok := n.inboxes[id]
	if !ok {
		ib = &inbox{
			id:       id,
			convFeed: messaging.NewFeed[messaging.Conversation](),
			allFeed:  messaging.NewFeed[*domain.Message](),
		}
		n.inboxes[id] = ib
	}
	return ib
}

func (n *Network) nextNanosLocked() int64 {
	ts := n.now().UnixNano()
	if ts <= n.lastNanos {
		ts = n.lastNanos + 1
	}
	n.lastNanos = ts
	return ts
}

func (n *Network) newGroupLocked(members []string) *group {
	g := &group{
		id:        uuid.NewString(),
		createdAt: n.now(),
		members:   dedupe(members),
		feed:      messaging.NewFeed[*domain.Message](),
	}
	n.groups[g.id] = g
	n.order = append(n.order, g.id)
	return g
}

// announceLocked pushes g onto the conversation streams of the given inboxes.
func (n *Network) announceLocked(g *group, inboxIDs ...string) {
	for _, id := range inboxIDs {
		ib, ok := n.inboxes[id]
		if !ok {
			continue
		}
		ib.convFeed.Publish(&conversation{client: &Client{net: n, inboxID: id}, g: g})
	}
}

func (n *Network) deliverLocked(g *group, msg *domain.Message, store bool) {
	if store {
		g.messages = append(g.messages, msg)
	}
	g.feed.Publish(msg.Clone())
	for _, member := range g.members {
		if ib, ok := n.inboxes[member]; ok {
			ib.allFeed.Publish(msg.Clone())
		}
	}
}

func (g *group) hasMember(id string) bool {
	for _, m := range g.members {
		if m == id {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
