package identity

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
)

// Classifier decides whether a conversation is a DM or a room.
//
// Decision order, first match wins:
//  1. a cached DM classification is used verbatim;
//  2. the conversation's own hint (DM kind or a peer identifier);
//  3. the member list: one non-self member, or exactly two members, is a DM;
//     anything else is a room.
//
// With two members and self absent the first member is taken as the peer. That
// is a guess for callers whose own membership has not synced yet.
type Classifier struct {
	cache  *Cache
	selfID string
	log    zerolog.Logger
}

func NewClassifier(cache *Cache, selfID string, log zerolog.Logger) *Classifier {
	return &Classifier{cache: cache, selfID: selfID, log: log}
}

// Classify forces a member sync before classifying. A failed sync falls back
// to the resident member list.
func (c *Classifier) Classify(ctx context.Context, conv messaging.Conversation) domain.Classification {
	if err := conv.Sync(ctx); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Sync before classification failed, using resident members")
	}
	return c.ClassifyFresh(ctx, conv)
}

// ClassifyFresh classifies using the resident member list as is.
func (c *Classifier) ClassifyFresh(ctx context.Context, conv messaging.Conversation) domain.Classification {
	members, err := conv.Members(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Failed to read members")
	}

	if cached, ok := c.cache.Classification(conv.ID()); ok {
		cached.Members = members
		return cached
	}

	result := domain.Classification{Members: members}
	hint := conv.Hint()
	switch {
	case hint.PeerIdentifier != "":
		result.Kind = domain.KindDM
		result.PeerIdentifier = hint.PeerIdentifier
	case hint.Kind == domain.KindDM:
		result.Kind = domain.KindDM
		result.PeerIdentifier, _ = c.peerFromMembers(members)
	default:
		if peer, ok := c.peerFromMembers(members); ok {
			result.Kind = domain.KindDM
			result.PeerIdentifier = peer
		} else {
			result.Kind = domain.KindRoom
		}
	}

	if result.Kind == domain.KindDM && result.PeerIdentifier != "" {
		if err := c.cache.RecordDM(ctx, conv.ID(), result.PeerIdentifier); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", conv.ID()).Msg("Failed to cache dm classification")
		}
	}
	return result
}

func (c *Classifier) peerFromMembers(members []string) (string, bool) {
	switch len(members) {
	case 1:
		if members[0] != c.selfID {
			return members[0], true
		}
	case 2:
		switch c.selfID {
		case members[0]:
			return members[1], true
		case members[1]:
			return members[0], true
		default:
			return members[0], true
		}
	}
	return "", false
}
