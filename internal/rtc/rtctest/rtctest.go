// Package rtctest provides an in-memory rtc.Engine that records negotiation
// steps and lets tests drive ICE and connection-state callbacks.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
)

type Engine struct {
	mu       sync.Mutex
	denied   bool
	streams  []*Stream
	conns    []*PeerConnection
	sequence int
}

var _ rtc.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{}
}

// DenyMedia makes GetUserMedia fail with rtc.ErrMediaDenied.
func (e *Engine) DenyMedia(denied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.denied = denied
}

func (e *Engine) GetUserMedia(ctx context.Context, constraints rtc.MediaConstraints) (rtc.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.denied {
		return nil, fmt.Errorf("permission refused: %w", rtc.ErrMediaDenied)
	}
	e.sequence++
	s := &Stream{id: fmt.Sprintf("stream-%d", e.sequence), Constraints: constraints}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *Engine) NewPeerConnection(ctx context.Context) (rtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	pc := &PeerConnection{id: e.sequence, signaling: "stable"}
	e.conns = append(e.conns, pc)
	return pc, nil
}

func (e *Engine) Connections() []*PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*PeerConnection(nil), e.conns...)
}

func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

type Stream struct {
	id          string
	Constraints rtc.MediaConstraints
	mu          sync.Mutex
	stopped     bool
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// PeerConnection follows the offer/answer signaling states closely enough to
// reject out-of-order descriptions the way a browser would.
type PeerConnection struct {
	id int

	mu         sync.Mutex
	signaling  string
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	streams    []rtc.MediaStream
	candidates []domain.ICECandidate
	closed     bool
	onICE      func(domain.ICECandidate)
	onState    func(rtc.ConnectionState)
}

var _ rtc.PeerConnection = (*PeerConnection)(nil)

var errWrongState = errors.New("invalid signaling state")

func (pc *PeerConnection) AddLocalStream(stream rtc.MediaStream) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.streams = append(pc.streams, stream)
	return nil
}

func (pc *PeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed || pc.signaling != "stable" {
		return domain.SessionDescription{}, errWrongState
	}
	desc := domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", pc.id)}
	pc.local = &desc
	pc.signaling = "have-local-offer"
	return desc, nil
}

func (pc *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed || pc.signaling != "have-remote-offer" {
		return domain.SessionDescription{}, errWrongState
	}
	desc := domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", pc.id)}
	pc.local = &desc
	pc.signaling = "stable"
	return desc, nil
}

func (pc *PeerConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return errWrongState
	}
	switch {
	case desc.Type == "offer" && pc.signaling == "stable":
		pc.signaling = "have-remote-offer"
	case desc.Type == "answer" && pc.signaling == "have-local-offer":
		pc.signaling = "stable"
	default:
		return fmt.Errorf("set remote %s in %s: %w", desc.Type, pc.signaling, errWrongState)
	}
	d := desc
	pc.remote = &d
	return nil
}

func (pc *PeerConnection) HasRemoteDescription() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote != nil
}

func (pc *PeerConnection) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return fmt.Errorf("candidate before remote description: %w", errWrongState)
	}
	pc.candidates = append(pc.candidates, candidate)
	return nil
}

func (pc *PeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = fn
}

func (pc *PeerConnection) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = fn
}

func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

// EmitICE invokes the registered ICE callback synchronously.
func (pc *PeerConnection) EmitICE(candidate domain.ICECandidate) {
	pc.mu.Lock()
	fn := pc.onICE
	pc.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// SetState invokes the registered state callback synchronously.
func (pc *PeerConnection) SetState(state rtc.ConnectionState) {
	pc.mu.Lock()
	fn := pc.onState
	pc.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (pc *PeerConnection) Local() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local
}

func (pc *PeerConnection) Remote() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *PeerConnection) Candidates() []domain.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.ICECandidate(nil), pc.candidates...)
}

func (pc *PeerConnection) Streams() []rtc.MediaStream {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]rtc.MediaStream(nil), pc.streams...)
}

func (pc *PeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}
