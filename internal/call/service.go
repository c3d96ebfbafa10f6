// Package call runs the one-to-one call signaling state machine. Signaling
// travels as control messages on the conversation the call belongs to.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoPendingCall  = errors.New("no incoming call to answer")
)

const DefaultStaleOfferWindow = 5 * time.Minute

// Sender delivers a control message on a conversation.
type Sender interface {
	SendContent(ctx context.Context, conversationID string, content domain.Content) (*domain.Message, error)
}

type Config struct {
	SelfID string
	// StaleOfferWindow is the maximum age of an offer that may still ring.
	StaleOfferWindow time.Duration
	Now              func() time.Time
}

type stamp struct {
	sentAtNanos    int64
	sender         string
	conversationID string
}

// Service owns the single call session of this client.
type Service struct {
	mu     sync.Mutex
	engine rtc.Engine
	sender Sender
	bus    domain.EventBus
	log    zerolog.Logger
	cfg    Config

	state      domain.CallState
	pc         rtc.PeerConnection
	media      rtc.MediaStream
	offer      *domain.CallOffer
	pendingICE []domain.ICECandidate
	seen       map[stamp]struct{}
}

func NewService(engine rtc.Engine, sender Sender, bus domain.EventBus, cfg Config, log zerolog.Logger) *Service {
	if cfg.StaleOfferWindow <= 0 {
		cfg.StaleOfferWindow = DefaultStaleOfferWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		engine: engine,
		sender: sender,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		state:  domain.CallState{Phase: domain.CallPhaseIdle},
		seen:   make(map[stamp]struct{}),
	}
}

func (s *Service) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start places a call on conversationID.
func (s *Service) Start(ctx context.Context, conversationID, peer string, kind domain.MediaKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != domain.CallPhaseIdle {
		return ErrCallInProgress
	}
	if kind == "" {
		kind = domain.MediaKindVoice
	}
	s.state = domain.CallState{
		Phase:          domain.CallPhaseCalling,
		MediaKind:      kind,
		ConversationID: conversationID,
		PeerIdentifier: peer,
		SessionID:      uuid.NewString(),
	}

	if err := s.openConnectionLocked(ctx, kind); err != nil {
		s.teardownLocked("")
		return err
	}

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		s.teardownLocked("")
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if _, err := s.sender.SendContent(ctx, conversationID, &domain.CallOffer{CallType: kind, Offer: offer}); err != nil {
		s.teardownLocked("")
		return fmt.Errorf("failed to send offer: %w", err)
	}

	s.log.Info().Str("conversation_id", conversationID).Str("media", string(kind)).Msg("Calling")
	s.publishLocked("")
	return nil
}

// Accept answers the ringing call.
func (s *Service) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != domain.CallPhaseRinging || s.offer == nil {
		return ErrNoPendingCall
	}
	convID := s.state.ConversationID

	if err := s.openConnectionLocked(ctx, s.state.MediaKind); err != nil {
		s.hangUpLocked(ctx, convID)
		return err
	}
	if err := s.pc.SetRemoteDescription(ctx, s.offer.Offer); err != nil {
		s.hangUpLocked(ctx, convID)
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	s.flushICELocked(ctx)

	answer, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		s.hangUpLocked(ctx, convID)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if _, err := s.sender.SendContent(ctx, convID, &domain.CallAnswer{Answer: answer}); err != nil {
		s.teardownLocked("")
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.offer = nil
	s.state.Phase = domain.CallPhaseConnected
	s.publishLocked("")
	return nil
}

// Decline rejects the ringing call.
func (s *Service) Decline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != domain.CallPhaseRinging {
		return ErrNoPendingCall
	}
	convID := s.state.ConversationID
	s.teardownLocked(string(domain.CallResponseDeclined))
	if _, err := s.sender.SendContent(ctx, convID, &domain.CallResponse{Response: domain.CallResponseDeclined}); err != nil {
		return fmt.Errorf("failed to send decline: %w", err)
	}
	return nil
}

// End hangs up. Ending while idle is a no-op.
func (s *Service) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase == domain.CallPhaseIdle {
		return nil
	}
	convID := s.state.ConversationID
	s.teardownLocked("ended")
	if _, err := s.sender.SendContent(ctx, convID, &domain.EndCall{}); err != nil {
		return fmt.Errorf("failed to send end_call: %w", err)
	}
	return nil
}

// HandleControl consumes call signaling. It reports whether content was call
// signaling, whether or not it changed state.
func (s *Service) HandleControl(ctx context.Context, msg *domain.Message, content domain.Content) bool {
	if !domain.IsCallControl(content) {
		return false
	}
	if msg.SenderIdentifier == s.cfg.SelfID {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.markSeenLocked(msg) {
		return true
	}

	switch c := content.(type) {
	case *domain.CallOffer:
		s.handleOfferLocked(ctx, msg, c)
	case *domain.CallAnswer:
		s.handleAnswerLocked(ctx, msg, c)
	case *domain.CallICE:
		s.handleICELocked(ctx, msg, c)
	case *domain.CallResponse:
		if s.state.Phase == domain.CallPhaseIdle || msg.ConversationID != s.state.ConversationID {
			return true
		}
		s.log.Info().Str("conversation_id", msg.ConversationID).Str("response", string(c.Response)).Msg("Call rejected")
		s.teardownLocked(string(c.Response))
	case *domain.EndCall:
		if s.state.Phase == domain.CallPhaseIdle || msg.ConversationID != s.state.ConversationID {
			return true
		}
		s.teardownLocked("remote ended")
	}
	return true
}

func (s *Service) handleOfferLocked(ctx context.Context, msg *domain.Message, offer *domain.CallOffer) {
	age := s.cfg.Now().Sub(msg.SentAt())
	if age > s.cfg.StaleOfferWindow {
		s.log.Debug().Str("conversation_id", msg.ConversationID).Dur("age", age).Msg("Ignoring stale call offer")
		return
	}

	if s.state.Phase != domain.CallPhaseIdle {
		if _, err := s.sender.SendContent(ctx, msg.ConversationID, &domain.CallResponse{Response: domain.CallResponseBusy}); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to send busy")
		}
		return
	}

	kind, ok := domain.ParseMediaKind(string(offer.CallType))
	if !ok {
		kind = domain.MediaKindVoice
	}
	s.state = domain.CallState{
		Phase:          domain.CallPhaseRinging,
		MediaKind:      kind,
		ConversationID: msg.ConversationID,
		PeerIdentifier: msg.SenderIdentifier,
		SessionID:      uuid.NewString(),
	}
	s.offer = offer
	s.publishLocked("")
	s.bus.Publish(domain.IncomingCallEvent{
		ConversationID: msg.ConversationID,
		From:           msg.SenderIdentifier,
		MediaKind:      kind,
		EventTime:      s.cfg.Now(),
	})
}

func (s *Service) handleAnswerLocked(ctx context.Context, msg *domain.Message, answer *domain.CallAnswer) {
	if s.state.Phase != domain.CallPhaseCalling || msg.ConversationID != s.state.ConversationID || s.pc == nil {
		return
	}
	if err := s.pc.SetRemoteDescription(ctx, answer.Answer); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to apply call answer")
		return
	}
	s.flushICELocked(ctx)
	s.state.Phase = domain.CallPhaseConnected
	s.publishLocked("")
}

func (s *Service) handleICELocked(ctx context.Context, msg *domain.Message, ice *domain.CallICE) {
	if s.state.Phase == domain.CallPhaseIdle || msg.ConversationID != s.state.ConversationID {
		return
	}
	if s.pc == nil || !s.pc.HasRemoteDescription() {
		s.pendingICE = append(s.pendingICE, ice.Candidate)
		return
	}
	if err := s.pc.AddICECandidate(ctx, ice.Candidate); err != nil {
		s.log.Warn().Err(err).Msg("Failed to add ICE candidate")
	}
}

func (s *Service) openConnectionLocked(ctx context.Context, kind domain.MediaKind) error {
	media, err := s.engine.GetUserMedia(ctx, rtc.MediaConstraints{Audio: true, Video: kind == domain.MediaKindVideo})
	if err != nil {
		return fmt.Errorf("failed to acquire media: %w", err)
	}
	s.media = media

	pc, err := s.engine.NewPeerConnection(ctx)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.pc = pc
	if err := pc.AddLocalStream(media); err != nil {
		return fmt.Errorf("failed to attach media: %w", err)
	}

	session := s.state.SessionID
	convID := s.state.ConversationID
	pc.OnICECandidate(func(candidate domain.ICECandidate) {
		if s.State().SessionID != session {
			return
		}
		if _, err := s.sender.SendContent(context.Background(), convID, &domain.CallICE{Candidate: candidate}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to send ICE candidate")
		}
	})
	pc.OnConnectionStateChange(func(state rtc.ConnectionState) {
		if state != rtc.StateFailed {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state.SessionID == session {
			s.teardownLocked("connection failed")
		}
	})
	return nil
}

func (s *Service) flushICELocked(ctx context.Context) {
	for _, candidate := range s.pendingICE {
		if err := s.pc.AddICECandidate(ctx, candidate); err != nil {
			s.log.Warn().Err(err).Msg("Failed to add queued ICE candidate")
		}
	}
	s.pendingICE = nil
}

// hangUpLocked tears down a failed accept and tells the caller.
func (s *Service) hangUpLocked(ctx context.Context, convID string) {
	s.teardownLocked("")
	if _, err := s.sender.SendContent(ctx, convID, &domain.EndCall{}); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to send end_call")
	}
}

func (s *Service) teardownLocked(reason string) {
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Peer connection close failed")
		}
		s.pc = nil
	}
	if s.media != nil {
		s.media.Stop()
		s.media = nil
	}
	s.offer = nil
	s.pendingICE = nil
	s.state = domain.CallState{Phase: domain.CallPhaseIdle}
	s.publishLocked(reason)
}

// markSeenLocked records msg and reports whether it is new. Entries older than
// twice the stale window are pruned; the stale guard rejects them anyway.
func (s *Service) markSeenLocked(msg *domain.Message) bool {
	key := stamp{msg.SentAtNanos, msg.SenderIdentifier, msg.ConversationID}
	if _, ok := s.seen[key]; ok {
		return false
	}
	cutoff := s.cfg.Now().Add(-2 * s.cfg.StaleOfferWindow).UnixNano()
	for k := range s.seen {
		if k.sentAtNanos < cutoff {
			delete(s.seen, k)
		}
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Service) publishLocked(reason string) {
	s.bus.Publish(domain.CallStateEvent{State: s.state, Reason: reason, EventTime: s.cfg.Now()})
}
