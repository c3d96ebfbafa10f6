package domain

import "time"

// Kind is the derived classification of a conversation.
type Kind string

const (
	KindUnknown Kind = ""
	KindDM      Kind = "dm"
	KindRoom    Kind = "room"
)

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// Conversation is the augmented view of a messaging-layer conversation.
// The messaging layer owns ID and CreatedAt; everything else is derived here.
type Conversation struct {
	ID                string
	Kind              Kind
	PeerIdentifier    string
	MemberIdentifiers []string
	DisplayName       string
	SequenceNumber    int
	Blocked           bool
	CreatedAt         time.Time
	LastActivity      time.Time
}

func (c *Conversation) IsDM() bool {
	return c != nil && c.Kind == KindDM
}

// Clone returns a deep copy safe to hand to observers.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.MemberIdentifiers = append([]string(nil), c.MemberIdentifiers...)
	return &out
}

// Classification is the result of deciding whether a conversation is a DM or a room.
type Classification struct {
	Kind           Kind
	PeerIdentifier string
	Members        []string
	// FromCache reports that the decision was read from the classification cache.
	FromCache bool
}

// IdentitySnapshot is the full persisted state of the classification cache.
type IdentitySnapshot struct {
	Names         map[string]string
	DMPeers       map[string]string
	RoomSequences map[string]int
	BlockedRooms  []string
	PeerAddresses map[string]string
}
