// Package rtc is the real-time media surface used by calls and broadcasts.
package rtc

import (
	"context"
	"errors"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// ErrMediaDenied is returned when local audio or video cannot be acquired.
var ErrMediaDenied = errors.New("media access denied")

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Broken reports whether the connection needs to be recreated.
func (s ConnectionState) Broken() bool {
	return s == StateFailed || s == StateDisconnected
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

type MediaStream interface {
	ID() string
	Stop()
}

// PeerConnection is one negotiated media session with a single remote peer.
// CreateOffer and CreateAnswer also apply the result as the local description.
type PeerConnection interface {
	AddLocalStream(stream MediaStream) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	OnICECandidate(fn func(domain.ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

type Engine interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
