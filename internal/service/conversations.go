package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

const syncConcurrency = 8

// LoadConversations lists, syncs and classifies every conversation and
// replaces the conversation list in one step. When loads overlap, the one
// started last wins.
func (m *Messenger) LoadConversations(ctx context.Context) error {
	m.mu.Lock()
	m.loadsStarted++
	seq := m.loadsStarted
	m.mu.Unlock()

	list, err := m.client.Conversations().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	views := make([]*domain.Conversation, len(list))
	var g errgroup.Group
	g.SetLimit(syncConcurrency)
	for i, h := range list {
		g.Go(func() error {
			if err := h.Sync(ctx); err != nil {
				m.log.Warn().Err(err).Str("conversation_id", h.ID()).Msg("Sync failed, using unsynced data")
			}
			views[i] = m.describe(ctx, h, m.classifier.ClassifyFresh(ctx, h))
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	if seq < m.loadApplied {
		m.mu.Unlock()
		m.log.Debug().Uint64("load", seq).Msg("Dropping superseded conversation load")
		return nil
	}
	m.loadApplied = seq
	for _, h := range list {
		m.handles[h.ID()] = h
	}
	m.conversations = views
	sortConversations(m.conversations)
	if m.current != nil {
		for _, v := range views {
			if v.ID == m.current.ID {
				m.current = v.Clone()
			}
		}
	}
	m.mu.Unlock()

	m.log.Debug().Int("count", len(views)).Msg("Conversations loaded")
	m.publishConversations()
	return nil
}

// SelectConversation selects by position in the conversation list.
func (m *Messenger) SelectConversation(ctx context.Context, index int) (*domain.Conversation, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.conversations) {
		n := len(m.conversations)
		m.mu.Unlock()
		return nil, fmt.Errorf("index %d of %d: %w", index, n, ErrIndexOutOfRange)
	}
	id := m.conversations[index].ID
	m.mu.Unlock()
	return m.SelectConversationByID(ctx, id)
}

// SelectConversationByID makes id the current conversation, abandons the
// previous message stream, loads history and starts streaming. A blocked room
// becomes current with an empty message view and no stream.
func (m *Messenger) SelectConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.stopStreamLocked()
	m.mu.Unlock()

	conv := m.describe(ctx, h, m.classifier.Classify(ctx, h))

	var stream messaging.Stream[*domain.Message]
	if !conv.Blocked {
		// Subscribe before reading history so nothing falls in between.
		if stream, err = h.Stream(m.ctx); err != nil {
			m.log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to open message stream")
			stream = nil
		}
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return conv, nil
	}
	m.current = conv.Clone()
	m.currentHandle = h
	m.handles[id] = h
	m.messages = domain.NewMessageList()
	m.replaceConversationLocked(conv)
	m.mu.Unlock()

	m.bus.Publish(domain.ConversationSelectedEvent{Conversation: conv.Clone(), EventTime: m.now()})
	m.publishConversations()

	if conv.Blocked {
		m.log.Info().Str("conversation_id", id).Msg("Conversation is blocked, not loading messages")
		m.publishMessages(id, nil)
		return conv, nil
	}

	loadErr := m.loadMessages(ctx, gen, h)
	if stream != nil {
		m.startStream(gen, h, stream)
	}
	if loadErr != nil {
		return conv, loadErr
	}
	return conv, nil
}

// CreateDM opens (or creates) the direct conversation with identifier, which
// may be a wallet address or an inbox identity, and selects it.
func (m *Messenger) CreateDM(ctx context.Context, identifier string) (*domain.Conversation, error) {
	peer, err := m.resolveIdentity(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if peer == m.selfID {
		return nil, fmt.Errorf("cannot start a conversation with yourself")
	}

	if existing := m.findDM(peer); existing != "" {
		return m.SelectConversationByID(ctx, existing)
	}

	convs := m.client.Conversations()
	h, err := convs.DMByInboxID(ctx, peer)
	if err != nil {
		if !errors.Is(err, messaging.ErrNotFound) {
			m.log.Debug().Err(err).Str("peer", peer).Msg("DM lookup failed, creating a new conversation")
		}
		if h, err = convs.NewGroup(ctx, []string{peer}); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	if err := m.cache.RecordDM(ctx, h.ID(), peer); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", h.ID()).Msg("Failed to cache dm classification")
	}
	m.rememberHandle(h)
	m.activityEvent("dm_created", h.ID(), peer)

	if err := m.LoadConversations(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to refresh conversations")
	}
	return m.SelectConversationByID(ctx, h.ID())
}

// CreateRoom creates a multi-party conversation and selects it. A room needs
// at least two other members; with one it could not be told apart from a DM.
func (m *Messenger) CreateRoom(ctx context.Context, identifiers []string, name string) (*domain.Conversation, error) {
	var peers []string
	seen := make(map[string]struct{})
	for _, identifier := range identifiers {
		peer, err := m.resolveIdentity(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if peer == m.selfID {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		peers = append(peers, peer)
	}
	if len(peers) < 2 {
		return nil, fmt.Errorf("a room needs at least two other members, got %d", len(peers))
	}

	h, err := m.client.Conversations().NewGroup(ctx, peers)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if _, err := m.cache.RoomSequence(ctx, h.ID()); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", h.ID()).Msg("Failed to assign room number")
	}
	if name = strings.TrimSpace(name); name != "" {
		if err := m.cache.SetName(ctx, h.ID(), name); err != nil {
			m.log.Warn().Err(err).Str("conversation_id", h.ID()).Msg("Failed to store room name")
		}
	}
	m.rememberHandle(h)
	m.activityEvent("room_created", h.ID(), m.selfID)

	if err := m.LoadConversations(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to refresh conversations")
	}
	return m.SelectConversationByID(ctx, h.ID())
}

// RenameConversation sets or, with an empty name, clears the display name.
// Rooms also announce the new name to their members.
func (m *Messenger) RenameConversation(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if err := m.cache.SetName(ctx, id, name); err != nil {
		return err
	}

	m.mu.Lock()
	var isDM bool
	for _, c := range m.conversations {
		if c.ID == id {
			isDM = c.IsDM()
		}
	}
	m.refreshNamesLocked()
	m.mu.Unlock()
	m.publishConversations()

	if isDM {
		return nil
	}
	_, err := m.SendContent(ctx, id, &domain.RoomNameChange{RoomID: id, RoomName: name})
	return err
}

// BlockRoom hides a room's messages. Blocking the current room stops its stream.
func (m *Messenger) BlockRoom(ctx context.Context, id string) error {
	if _, ok := m.cache.Classification(id); ok {
		return fmt.Errorf("direct messages cannot be blocked")
	}
	if err := m.cache.Block(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	m.refreshBlockedLocked()
	isCurrent := m.current != nil && m.current.ID == id
	if isCurrent {
		m.generation++
		m.stopStreamLocked()
		m.messages = domain.NewMessageList()
	}
	m.mu.Unlock()

	m.publishConversations()
	if isCurrent {
		m.publishMessages(id, nil)
	}
	return nil
}

// UnblockRoom reverses BlockRoom and reloads the room if it is current.
func (m *Messenger) UnblockRoom(ctx context.Context, id string) error {
	if err := m.cache.Unblock(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	m.refreshBlockedLocked()
	isCurrent := m.current != nil && m.current.ID == id
	m.mu.Unlock()

	m.publishConversations()
	if isCurrent {
		_, err := m.SelectConversationByID(ctx, id)
		return err
	}
	return nil
}

// AddMember adds identifier to the current room.
func (m *Messenger) AddMember(ctx context.Context, identifier string) error {
	m.mu.Lock()
	cur, h, gen := m.current, m.currentHandle, m.generation
	m.mu.Unlock()
	if cur == nil || h == nil {
		return ErrNoConversation
	}
	if cur.IsDM() {
		return fmt.Errorf("cannot add members to a direct message")
	}

	peer, err := m.resolveIdentity(ctx, identifier)
	if err != nil {
		return err
	}
	if err := h.AddMembers(ctx, []string{peer}); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	m.activityEvent("member_added", cur.ID, peer)

	for _, l := range m.membershipListeners() {
		l.MembersChanged(ctx, cur.ID)
	}

	conv := m.describe(ctx, h, m.classifier.Classify(ctx, h))
	if m.applyCurrent(gen, conv) {
		m.publishConversations()
	}
	return nil
}

// resolveIdentity maps a wallet address (or backend address such as a phone
// number) to an inbox identity. Anything else is taken as an inbox identity.
func (m *Messenger) resolveIdentity(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if !wallet.IsAddress(identifier) && !strings.HasPrefix(identifier, "+") {
		return identifier, nil
	}

	inbox, err := m.client.InboxIDByAddress(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", identifier, err)
	}
	if inbox == "" {
		return "", fmt.Errorf("%s: %w", identifier, ErrUnresolvableIdentity)
	}
	if err := m.cache.RememberAddress(ctx, inbox, identifier); err != nil {
		m.log.Warn().Err(err).Str("peer", inbox).Msg("Failed to remember peer address")
	}
	return inbox, nil
}

// describe builds the conversation view for a classified handle.
func (m *Messenger) describe(ctx context.Context, h messaging.Conversation, cls domain.Classification) *domain.Conversation {
	conv := &domain.Conversation{
		ID:                h.ID(),
		Kind:              cls.Kind,
		PeerIdentifier:    cls.PeerIdentifier,
		MemberIdentifiers: cls.Members,
		CreatedAt:         h.CreatedAt(),
	}
	if !conv.IsDM() {
		conv.Blocked = m.cache.IsBlocked(conv.ID)
		seq, err := m.cache.RoomSequence(ctx, conv.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to assign room number")
		}
		conv.SequenceNumber = seq
	}
	conv.DisplayName = m.cache.DisplayName(conv)

	m.mu.Lock()
	conv.LastActivity = m.lastActivityLocked(conv)
	m.mu.Unlock()
	return conv
}

// applyCurrent stores a refreshed view of the current conversation. It
// reports false when gen is no longer current.
func (m *Messenger) applyCurrent(gen uint64, conv *domain.Conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.replaceConversationLocked(conv)
	return true
}

func (m *Messenger) replaceConversationLocked(conv *domain.Conversation) {
	conv.LastActivity = m.lastActivityLocked(conv)
	replaced := false
	for i, c := range m.conversations {
		if c.ID == conv.ID {
			m.conversations[i] = conv.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		m.conversations = append(m.conversations, conv.Clone())
	}
	sortConversations(m.conversations)
	if m.current != nil && m.current.ID == conv.ID {
		m.current = conv.Clone()
	}
}

// findDM returns the id of a listed DM with peer, or "".
func (m *Messenger) findDM(peer string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.IsDM() && c.PeerIdentifier == peer {
			return c.ID
		}
	}
	return ""
}

func (m *Messenger) lookupConversation(id string) *domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.ID == id {
			return c.Clone()
		}
	}
	return nil
}

func (m *Messenger) lastActivityLocked(conv *domain.Conversation) time.Time {
	last := conv.CreatedAt
	if t, ok := m.activity[conv.ID]; ok && t.After(last) {
		last = t
	}
	return last
}

func (m *Messenger) bumpActivityLocked(id string, t time.Time) {
	if prev, ok := m.activity[id]; ok && !t.After(prev) {
		return
	}
	m.activity[id] = t
	for _, c := range m.conversations {
		if c.ID == id && t.After(c.LastActivity) {
			c.LastActivity = t
		}
	}
	sortConversations(m.conversations)
	if m.current != nil && m.current.ID == id && t.After(m.current.LastActivity) {
		m.current.LastActivity = t
	}
}

func (m *Messenger) refreshNamesLocked() {
	for _, c := range m.conversations {
		c.DisplayName = m.cache.DisplayName(c)
	}
	if m.current != nil {
		m.current.DisplayName = m.cache.DisplayName(m.current)
	}
}

func (m *Messenger) refreshBlockedLocked() {
	for _, c := range m.conversations {
		c.Blocked = !c.IsDM() && m.cache.IsBlocked(c.ID)
	}
	if m.current != nil {
		m.current.Blocked = !m.current.IsDM() && m.cache.IsBlocked(m.current.ID)
	}
}

func (m *Messenger) stopStreamLocked() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
}

func (m *Messenger) publishConversations() {
	m.bus.Publish(domain.ConversationsUpdatedEvent{
		Conversations: m.Conversations(),
		EventTime:     m.now(),
	})
}

// sortConversations orders by last activity, newest first, then by id.
func sortConversations(list []*domain.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID < b.ID
	})
}
