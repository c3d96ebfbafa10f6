package domain

type CallPhase string

const (
	CallPhaseIdle      CallPhase = "idle"
	CallPhaseCalling   CallPhase = "calling"
	CallPhaseRinging   CallPhase = "ringing"
	CallPhaseConnected CallPhase = "connected"
)

type MediaKind string

const (
	MediaKindVoice MediaKind = "voice"
	MediaKindVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, bool) {
	switch MediaKind(s) {
	case MediaKindVoice, "":
		return MediaKindVoice, true
	case MediaKindVideo:
		return MediaKindVideo, true
	}
	return "", false
}

// CallState is a snapshot of the single call session of this client.
type CallState struct {
	Phase          CallPhase
	MediaKind      MediaKind
	ConversationID string
	PeerIdentifier string
	SessionID      string
}

// BroadcastState is a snapshot of one conversation's broadcast session.
type BroadcastState struct {
	ConversationID    string
	ActiveBroadcaster string
	Broadcasting      bool
	Peers             []string
}
