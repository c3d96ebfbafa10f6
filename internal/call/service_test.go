package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc/rtctest"
)

const (
	selfID = "me"
	peerID = "peer"
	convID = "dm-1"
)

type sentContent struct {
	conversationID string
	content        domain.Content
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentContent
}

func (r *recordingSender) SendContent(ctx context.Context, conversationID string, content domain.Content) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentContent{conversationID, content})
	return &domain.Message{ConversationID: conversationID, SenderIdentifier: selfID}, nil
}

func (r *recordingSender) all() []sentContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentContent(nil), r.sent...)
}

type harness struct {
	svc    *Service
	engine *rtctest.Engine
	sender *recordingSender
	bus    *domain.SimpleEventBus
	now    time.Time
	seq    int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine: rtctest.NewEngine(),
		sender: &recordingSender{},
		bus:    domain.NewEventBus(),
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(h.engine, h.sender, h.bus, Config{
		SelfID: selfID,
		Now:    func() time.Time { return h.now },
	}, zerolog.Nop())
	return h
}

// deliver hands content to the service as a message from peer sent at the given time.
func (h *harness) deliverAt(sentAt time.Time, from string, content domain.Content) bool {
	h.seq++
	msg := &domain.Message{
		ID:               "m",
		ConversationID:   convID,
		SenderIdentifier: from,
		SentAtNanos:      sentAt.UnixNano() + h.seq,
		Content:          "",
	}
	return h.svc.HandleControl(context.Background(), msg, content)
}

func (h *harness) deliver(content domain.Content) bool {
	return h.deliverAt(h.now, peerID, content)
}

func offer(kind domain.MediaKind) *domain.CallOffer {
	return &domain.CallOffer{CallType: kind, Offer: domain.SessionDescription{Type: "offer", SDP: "remote-offer"}}
}

func TestHandleControl_IgnoresNonCallContent(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.deliver(&domain.Text{Body: "hi"}))
	require.False(t, h.deliver(&domain.WalkieTalkieStart{BroadcasterID: peerID}))
	require.True(t, h.deliver(&domain.EndCall{}))
}

func TestBusyWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.deliver(&domain.CallResponse{Response: domain.CallResponseBusy})
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
	require.Empty(t, h.sender.all())
}

func TestStartAndAnswerConnectsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.bus.Subscribe([]domain.EventType{domain.EventTypeCallState})

	require.NoError(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVideo))
	require.Equal(t, domain.CallPhaseCalling, h.svc.State().Phase)
	require.ErrorIs(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVoice), ErrCallInProgress)

	sent := h.sender.all()
	require.Len(t, sent, 1)
	sentOffer, ok := sent[0].content.(*domain.CallOffer)
	require.True(t, ok)
	require.Equal(t, domain.MediaKindVideo, sentOffer.CallType)
	require.True(t, h.engine.Streams()[0].Constraints.Video)

	answer := &domain.CallAnswer{Answer: domain.SessionDescription{Type: "answer", SDP: "remote-answer"}}
	h.deliver(answer)
	h.deliver(answer)
	require.Equal(t, domain.CallPhaseConnected, h.svc.State().Phase)

	connected := 0
	for len(events) > 0 {
		ev := (<-events).(domain.CallStateEvent)
		if ev.State.Phase == domain.CallPhaseConnected {
			connected++
		}
	}
	require.Equal(t, 1, connected)
}

func TestStaleOfferNeverRings(t *testing.T) {
	h := newHarness(t)
	incoming := h.bus.Subscribe([]domain.EventType{domain.EventTypeIncomingCall})

	h.deliverAt(h.now.Add(-6*time.Minute), peerID, offer(domain.MediaKindVoice))
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
	require.Empty(t, incoming)

	h.deliverAt(h.now.Add(-time.Minute), peerID, offer(domain.MediaKindVoice))
	require.Equal(t, domain.CallPhaseRinging, h.svc.State().Phase)
	require.Len(t, incoming, 1)
}

func TestOfferWhileBusyRepliesBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVoice))
	before := h.svc.State()

	h.deliverAt(h.now, "someone-else", offer(domain.MediaKindVoice))

	require.Equal(t, before, h.svc.State())
	sent := h.sender.all()
	require.Len(t, sent, 2)
	resp, ok := sent[1].content.(*domain.CallResponse)
	require.True(t, ok)
	require.Equal(t, domain.CallResponseBusy, resp.Response)
}

func TestRedeliveredOfferIsProcessedOnce(t *testing.T) {
	h := newHarness(t)
	msg := &domain.Message{ID: "a", ConversationID: convID, SenderIdentifier: peerID, SentAtNanos: h.now.UnixNano()}
	dup := msg.Clone()
	dup.ID = "b"

	h.svc.HandleControl(context.Background(), msg, offer(domain.MediaKindVoice))
	h.svc.HandleControl(context.Background(), dup, offer(domain.MediaKindVoice))

	require.Equal(t, domain.CallPhaseRinging, h.svc.State().Phase)
	require.Empty(t, h.sender.all(), "a redelivered offer must not be answered with busy")
}

func TestSelfAuthoredSignalingIgnored(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.deliverAt(h.now, selfID, offer(domain.MediaKindVoice)))
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
}

func TestAcceptAppliesQueuedICE(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deliver(offer(domain.MediaKindVoice))
	h.deliver(&domain.CallICE{Candidate: domain.ICECandidate{Candidate: "candidate:1"}})
	require.Equal(t, domain.CallPhaseRinging, h.svc.State().Phase)

	require.NoError(t, h.svc.Accept(ctx))
	require.Equal(t, domain.CallPhaseConnected, h.svc.State().Phase)

	conns := h.engine.Connections()
	require.Len(t, conns, 1)
	require.Equal(t, "remote-offer", conns[0].Remote().SDP)
	require.Len(t, conns[0].Candidates(), 1)

	sent := h.sender.all()
	require.Len(t, sent, 1)
	_, ok := sent[0].content.(*domain.CallAnswer)
	require.True(t, ok)

	h.deliver(&domain.CallICE{Candidate: domain.ICECandidate{Candidate: "candidate:2"}})
	require.Len(t, conns[0].Candidates(), 2)

	require.ErrorIs(t, h.svc.Accept(ctx), ErrNoPendingCall)
}

func TestDeclineSendsResponse(t *testing.T) {
	h := newHarness(t)
	h.deliver(offer(domain.MediaKindVideo))
	require.NoError(t, h.svc.Decline(context.Background()))

	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
	sent := h.sender.all()
	require.Len(t, sent, 1)
	resp := sent[0].content.(*domain.CallResponse)
	require.Equal(t, domain.CallResponseDeclined, resp.Response)
	require.ErrorIs(t, h.svc.Decline(context.Background()), ErrNoPendingCall)
}

func TestMediaDeniedFailsStart(t *testing.T) {
	h := newHarness(t)
	h.engine.DenyMedia(true)

	err := h.svc.Start(context.Background(), convID, peerID, domain.MediaKindVoice)
	require.True(t, errors.Is(err, rtc.ErrMediaDenied))
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
	require.Empty(t, h.sender.all())
}

func TestEndAndRemoteTeardown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.End(ctx))
	require.Empty(t, h.sender.all())

	require.NoError(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVoice))
	require.NoError(t, h.svc.End(ctx))
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
	sent := h.sender.all()
	_, ok := sent[len(sent)-1].content.(*domain.EndCall)
	require.True(t, ok)
	require.True(t, h.engine.Connections()[0].Closed())
	require.True(t, h.engine.Streams()[0].Stopped())

	require.NoError(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVoice))
	h.deliver(&domain.CallResponse{Response: domain.CallResponseDeclined})
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)

	require.NoError(t, h.svc.Start(ctx, convID, peerID, domain.MediaKindVoice))
	h.deliver(&domain.EndCall{})
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
}

func TestConnectionFailureTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background(), convID, peerID, domain.MediaKindVoice))

	pc := h.engine.Connections()[0]
	pc.EmitICE(domain.ICECandidate{Candidate: "candidate:local"})
	sent := h.sender.all()
	_, ok := sent[len(sent)-1].content.(*domain.CallICE)
	require.True(t, ok)

	pc.SetState(rtc.StateFailed)
	require.Equal(t, domain.CallPhaseIdle, h.svc.State().Phase)
}
