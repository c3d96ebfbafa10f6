// Package broadcast implements push-to-talk floor control over a multi-member
// conversation. The broadcaster holds one outbound peer connection per member;
// every listener holds one inbound connection per broadcaster.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
)

var (
	ErrFloorTaken      = errors.New("another member is broadcasting")
	ErrNotBroadcasting = errors.New("not broadcasting")
)

const (
	DefaultRetryDelay      = 2 * time.Second
	DefaultRefreshInterval = 10 * time.Second
)

type Sender interface {
	SendContent(ctx context.Context, conversationID string, content domain.Content) (*domain.Message, error)
}

// MemberSource returns the freshly synced member list of a conversation.
type MemberSource interface {
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)
}

type Config struct {
	SelfID          string
	RetryDelay      time.Duration
	RefreshInterval time.Duration
	Now             func() time.Time
}

type stamp struct {
	sentAtNanos int64
	sender      string
}

type link struct {
	peer       string
	pc         rtc.PeerConnection
	pendingICE []domain.ICECandidate
}

type session struct {
	conversationID string
	active         string
	activeSince    int64
	broadcasting   bool
	media          rtc.MediaStream
	members        []string
	outbound       map[string]*link
	inbound        map[string]*link
	retried        map[string]bool
	seen           map[stamp]struct{}
}

type Service struct {
	mu       sync.Mutex
	engine   rtc.Engine
	sender   Sender
	members  MemberSource
	bus      domain.EventBus
	log      zerolog.Logger
	cfg      Config
	sessions map[string]*session
}

func NewService(engine rtc.Engine, sender Sender, members MemberSource, bus domain.EventBus, cfg Config, log zerolog.Logger) *Service {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		engine:   engine,
		sender:   sender,
		members:  members,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

func (s *Service) State(conversationID string) domain.BroadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(conversationID).snapshot()
}

// Start takes the floor on conversationID. It fails without sending anything
// when another member already holds the floor.
func (s *Service) Start(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessionLocked(conversationID)
	if sess.broadcasting {
		return nil
	}
	if sess.active != "" && sess.active != s.cfg.SelfID {
		return fmt.Errorf("%s holds the floor: %w", sess.active, ErrFloorTaken)
	}

	s.refreshMembersLocked(ctx, sess)

	media, err := s.engine.GetUserMedia(ctx, rtc.MediaConstraints{Audio: true})
	if err != nil {
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}
	sent, err := s.sender.SendContent(ctx, conversationID, &domain.WalkieTalkieStart{BroadcasterID: s.cfg.SelfID})
	if err != nil {
		media.Stop()
		return fmt.Errorf("failed to send start: %w", err)
	}

	sess.media = media
	sess.broadcasting = true
	sess.active = s.cfg.SelfID
	// Conflicts are settled on network timestamps, which every member sees.
	sess.activeSince = s.cfg.Now().UnixNano()
	if sent != nil && sent.SentAtNanos != 0 {
		sess.activeSince = sent.SentAtNanos
	}
	sess.retried = make(map[string]bool)

	for _, member := range sess.members {
		if member == s.cfg.SelfID {
			continue
		}
		if err := s.offerLocked(ctx, sess, member); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Str("member", member).Msg("Failed to offer broadcast")
		}
	}

	s.log.Info().Str("conversation_id", conversationID).Int("peers", len(sess.outbound)).Msg("Broadcasting")
	s.publishLocked(sess)
	return nil
}

// Stop releases the floor. Local media and connections are released even
// when the stop message cannot be sent.
func (s *Service) Stop(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessionLocked(conversationID)
	if !sess.broadcasting {
		return ErrNotBroadcasting
	}
	s.releaseFloorLocked(sess)
	s.publishLocked(sess)

	if _, err := s.sender.SendContent(ctx, conversationID, &domain.WalkieTalkieStop{BroadcasterID: s.cfg.SelfID}); err != nil {
		return fmt.Errorf("failed to send stop: %w", err)
	}
	return nil
}

// MembersChanged refreshes the member set and, while broadcasting, offers to
// any member that joined.
func (s *Service) MembersChanged(ctx context.Context, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return
	}
	s.refreshMembersLocked(ctx, sess)
	if !sess.broadcasting {
		return
	}
	added := 0
	for _, member := range sess.members {
		if member == s.cfg.SelfID {
			continue
		}
		if _, ok := sess.outbound[member]; ok {
			continue
		}
		if err := s.offerLocked(ctx, sess, member); err != nil {
			s.log.Warn().Err(err).Str("member", member).Msg("Failed to offer broadcast to new member")
			continue
		}
		added++
	}
	if added > 0 {
		s.publishLocked(sess)
	}
}

// Run polls membership of every known session until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.sessions))
			for id := range s.sessions {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				s.MembersChanged(ctx, id)
			}
		}
	}
}

// HandleControl consumes broadcast signaling and reports whether content was
// broadcast signaling.
func (s *Service) HandleControl(ctx context.Context, msg *domain.Message, content domain.Content) bool {
	if !domain.IsBroadcastControl(content) {
		return false
	}
	if msg.SenderIdentifier == s.cfg.SelfID {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessionLocked(msg.ConversationID)
	key := stamp{msg.SentAtNanos, msg.SenderIdentifier}
	if _, ok := sess.seen[key]; ok {
		return true
	}
	sess.seen[key] = struct{}{}

	switch c := content.(type) {
	case *domain.WalkieTalkieStart:
		s.handleStartLocked(ctx, sess, msg, orSender(c.BroadcasterID, msg))
	case *domain.WalkieTalkieStop:
		s.handleStopLocked(sess, orSender(c.BroadcasterID, msg))
	case *domain.WalkieTalkieOffer:
		if c.ToID == s.cfg.SelfID {
			s.handleOfferLocked(ctx, sess, orSender(c.FromID, msg), c.Offer)
		}
	case *domain.WalkieTalkieAnswer:
		if c.ToID == s.cfg.SelfID {
			s.handleAnswerLocked(ctx, sess, orSender(c.FromID, msg), c.Answer)
		}
	case *domain.WalkieTalkieICE:
		if c.ToID == s.cfg.SelfID {
			s.handleICELocked(ctx, sess, orSender(c.FromID, msg), c.Candidate)
		}
	}
	return true
}

// Floor conflicts resolve to the earliest start; equal timestamps go to the
// lexically lowest identifier.
func winsFloor(candidate string, candidateSince int64, holder string, holderSince int64) bool {
	if candidateSince != holderSince {
		return candidateSince < holderSince
	}
	return candidate < holder
}

func (s *Service) handleStartLocked(ctx context.Context, sess *session, msg *domain.Message, broadcaster string) {
	if sess.active != "" && sess.active != broadcaster {
		if !winsFloor(broadcaster, msg.SentAtNanos, sess.active, sess.activeSince) {
			s.log.Info().Str("conversation_id", sess.conversationID).Str("holder", sess.active).
				Str("challenger", broadcaster).Msg("Ignoring late broadcast start")
			return
		}
		if sess.broadcasting {
			s.log.Info().Str("conversation_id", sess.conversationID).Str("winner", broadcaster).Msg("Lost floor, stopping broadcast")
			s.releaseFloorLocked(sess)
			if _, err := s.sender.SendContent(ctx, sess.conversationID, &domain.WalkieTalkieStop{BroadcasterID: s.cfg.SelfID}); err != nil {
				s.log.Warn().Err(err).Msg("Failed to send stop after losing floor")
			}
		} else {
			s.closeInboundLocked(sess, sess.active)
		}
	}

	sess.active = broadcaster
	sess.activeSince = msg.SentAtNanos
	if _, ok := sess.inbound[broadcaster]; !ok {
		if _, err := s.newInboundLocked(ctx, sess, broadcaster); err != nil {
			s.log.Warn().Err(err).Str("broadcaster", broadcaster).Msg("Failed to prepare receiving connection")
		}
	}
	s.publishLocked(sess)
}

func (s *Service) handleStopLocked(sess *session, broadcaster string) {
	if sess.active != broadcaster {
		return
	}
	sess.active = ""
	sess.activeSince = 0
	s.closeInboundLocked(sess, broadcaster)
	s.publishLocked(sess)
}

func (s *Service) handleOfferLocked(ctx context.Context, sess *session, from string, offer domain.SessionDescription) {
	if sess.broadcasting {
		s.log.Debug().Str("from", from).Msg("Ignoring broadcast offer while holding the floor")
		return
	}
	l, ok := sess.inbound[from]
	if ok && l.pc.HasRemoteDescription() {
		// A re-offer after a failed connection replaces the old one.
		s.closeInboundLocked(sess, from)
		ok = false
	}
	if !ok {
		var err error
		if l, err = s.newInboundLocked(ctx, sess, from); err != nil {
			s.log.Warn().Err(err).Str("from", from).Msg("Failed to create receiving connection")
			return
		}
	}
	if sess.active == "" {
		sess.active = from
	}

	if err := l.pc.SetRemoteDescription(ctx, offer); err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Failed to apply broadcast offer")
		return
	}
	s.flushLocked(ctx, l)
	answer, err := l.pc.CreateAnswer(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Failed to create broadcast answer")
		return
	}
	if _, err := s.sender.SendContent(ctx, sess.conversationID, &domain.WalkieTalkieAnswer{
		FromID: s.cfg.SelfID,
		ToID:   from,
		Answer: answer,
	}); err != nil {
		s.log.Warn().Err(err).Str("to", from).Msg("Failed to send broadcast answer")
	}
	s.publishLocked(sess)
}

func (s *Service) handleAnswerLocked(ctx context.Context, sess *session, from string, answer domain.SessionDescription) {
	l, ok := sess.outbound[from]
	if !ok {
		return
	}
	if err := l.pc.SetRemoteDescription(ctx, answer); err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Failed to apply broadcast answer")
		return
	}
	s.flushLocked(ctx, l)
}

func (s *Service) handleICELocked(ctx context.Context, sess *session, from string, candidate domain.ICECandidate) {
	l, ok := sess.outbound[from]
	if !ok {
		l, ok = sess.inbound[from]
	}
	if !ok {
		return
	}
	if !l.pc.HasRemoteDescription() {
		l.pendingICE = append(l.pendingICE, candidate)
		return
	}
	if err := l.pc.AddICECandidate(ctx, candidate); err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Failed to add broadcast ICE candidate")
	}
}

// offerLocked opens an outbound connection to member and sends the offer.
func (s *Service) offerLocked(ctx context.Context, sess *session, member string) error {
	pc, err := s.engine.NewPeerConnection(ctx)
	if err != nil {
		return err
	}
	l := &link{peer: member, pc: pc}
	if err := pc.AddLocalStream(sess.media); err != nil {
		pc.Close()
		return fmt.Errorf("failed to attach microphone: %w", err)
	}
	s.wireLocked(sess, l, true)

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		pc.Close()
		return err
	}
	sess.outbound[member] = l
	_, err = s.sender.SendContent(ctx, sess.conversationID, &domain.WalkieTalkieOffer{
		FromID: s.cfg.SelfID,
		ToID:   member,
		Offer:  offer,
	})
	return err
}

func (s *Service) newInboundLocked(ctx context.Context, sess *session, broadcaster string) (*link, error) {
	pc, err := s.engine.NewPeerConnection(ctx)
	if err != nil {
		return nil, err
	}
	l := &link{peer: broadcaster, pc: pc}
	s.wireLocked(sess, l, false)
	sess.inbound[broadcaster] = l
	return l, nil
}

func (s *Service) wireLocked(sess *session, l *link, outbound bool) {
	convID := sess.conversationID
	l.pc.OnICECandidate(func(candidate domain.ICECandidate) {
		if _, err := s.sender.SendContent(context.Background(), convID, &domain.WalkieTalkieICE{
			FromID:    s.cfg.SelfID,
			ToID:      l.peer,
			Candidate: candidate,
		}); err != nil {
			s.log.Warn().Err(err).Str("to", l.peer).Msg("Failed to send broadcast ICE candidate")
		}
	})
	if !outbound {
		return
	}
	l.pc.OnConnectionStateChange(func(state rtc.ConnectionState) {
		if state.Broken() {
			s.scheduleRetry(convID, l)
		}
	})
}

// scheduleRetry recreates a broken outbound connection once, after RetryDelay.
func (s *Service) scheduleRetry(conversationID string, failed *link) {
	s.mu.Lock()
	sess, ok := s.sessions[conversationID]
	if !ok || !sess.broadcasting || sess.outbound[failed.peer] != failed || sess.retried[failed.peer] {
		s.mu.Unlock()
		return
	}
	sess.retried[failed.peer] = true
	s.mu.Unlock()

	s.log.Info().Str("conversation_id", conversationID).Str("member", failed.peer).
		Dur("delay", s.cfg.RetryDelay).Msg("Broadcast connection broken, retrying")

	time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[conversationID]
		if !ok || !sess.broadcasting || sess.outbound[failed.peer] != failed {
			return
		}
		failed.pc.Close()
		delete(sess.outbound, failed.peer)
		if err := s.offerLocked(context.Background(), sess, failed.peer); err != nil {
			s.log.Warn().Err(err).Str("member", failed.peer).Msg("Broadcast retry failed")
		}
	})
}

func (s *Service) flushLocked(ctx context.Context, l *link) {
	for _, candidate := range l.pendingICE {
		if err := l.pc.AddICECandidate(ctx, candidate); err != nil {
			s.log.Warn().Err(err).Str("peer", l.peer).Msg("Failed to add queued ICE candidate")
		}
	}
	l.pendingICE = nil
}

func (s *Service) releaseFloorLocked(sess *session) {
	for peer, l := range sess.outbound {
		l.pc.Close()
		delete(sess.outbound, peer)
	}
	if sess.media != nil {
		sess.media.Stop()
		sess.media = nil
	}
	sess.broadcasting = false
	if sess.active == s.cfg.SelfID {
		sess.active = ""
		sess.activeSince = 0
	}
}

func (s *Service) closeInboundLocked(sess *session, broadcaster string) {
	if l, ok := sess.inbound[broadcaster]; ok {
		l.pc.Close()
		delete(sess.inbound, broadcaster)
	}
}

func (s *Service) refreshMembersLocked(ctx context.Context, sess *session) {
	if s.members == nil {
		return
	}
	members, err := s.members.ConversationMembers(ctx, sess.conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", sess.conversationID).Msg("Member refresh failed, keeping previous members")
		return
	}
	// Members that left are not pruned.
	known := make(map[string]struct{}, len(sess.members))
	for _, m := range sess.members {
		known[m] = struct{}{}
	}
	for _, m := range members {
		if _, ok := known[m]; !ok {
			sess.members = append(sess.members, m)
			known[m] = struct{}{}
		}
	}
}

func (s *Service) sessionLocked(conversationID string) *session {
	sess, ok := s.sessions[conversationID]
	if !ok {
		sess = &session{
			conversationID: conversationID,
			outbound:       make(map[string]*link),
			inbound:        make(map[string]*link),
			retried:        make(map[string]bool),
			seen:           make(map[stamp]struct{}),
		}
		s.sessions[conversationID] = sess
	}
	return sess
}

func (sess *session) snapshot() domain.BroadcastState {
	peers := make([]string, 0, len(sess.outbound)+len(sess.inbound))
	for peer := range sess.outbound {
		peers = append(peers, peer)
	}
	for peer := range sess.inbound {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return domain.BroadcastState{
		ConversationID:    sess.conversationID,
		ActiveBroadcaster: sess.active,
		Broadcasting:      sess.broadcasting,
		Peers:             peers,
	}
}

func (s *Service) publishLocked(sess *session) {
	s.bus.Publish(domain.BroadcastStateEvent{State: sess.snapshot(), EventTime: s.cfg.Now()})
}

func orSender(id string, msg *domain.Message) string {
	if id != "" {
		return id
	}
	return msg.SenderIdentifier
}
