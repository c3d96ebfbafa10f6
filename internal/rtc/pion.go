package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// PionEngine creates WebRTC peer connections with pion. Local media is a set of
// sample tracks that a capture source can write into; the daemon has no
// capture device of its own.
type PionEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

func NewPionEngine(stunServers []string, log zerolog.Logger) (*PionEngine, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunServers})
	}

	return &PionEngine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media)),
		config: webrtc.Configuration{ICEServers: servers},
		log:    log,
	}, nil
}

func (e *PionEngine) GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("no media requested: %w", ErrMediaDenied)
	}

	stream := &pionStream{id: uuid.NewString()}
	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream.id)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream.id)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	return stream, nil
}

func (e *PionEngine) NewPeerConnection(ctx context.Context) (PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	conn := &pionConnection{pc: pc, log: e.log}
	pc.OnICECandidate(conn.handleICECandidate)
	pc.OnConnectionStateChange(conn.handleStateChange)
	return conn, nil
}

type pionStream struct {
	id      string
	tracks  []*webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	stopped bool
}

func (s *pionStream) ID() string {
	return s.id
}

func (s *pionStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

type pionConnection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu      sync.RWMutex
	onICE   func(domain.ICECandidate)
	onState func(ConnectionState)
}

func (c *pionConnection) AddLocalStream(stream MediaStream) error {
	ps, ok := stream.(*pionStream)
	if !ok {
		return fmt.Errorf("unsupported media stream %T", stream)
	}
	for _, track := range ps.tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (c *pionConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return fromPion(offer), nil
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return fromPion(answer), nil
}

func (c *pionConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *pionConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConnection) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *pionConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *pionConnection) OnConnectionStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

// Callbacks run on their own goroutine so handlers may call back into the
// connection or take locks held by the code that triggered negotiation.
func (c *pionConnection) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	c.mu.RLock()
	fn := c.onICE
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	init := candidate.ToJSON()
	go fn(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (c *pionConnection) handleStateChange(state webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", state.String()).Msg("Peer connection state changed")
	c.mu.RLock()
	fn := c.onState
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	go fn(ConnectionState(state.String()))
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
