package repository

import (
	"context"
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// IdentityRepository persists the classification cache.
type IdentityRepository interface {
	LoadSnapshot(ctx context.Context) (*domain.IdentitySnapshot, error)
	// SetName stores a display-name override. An empty name removes it.
	SetName(ctx context.Context, conversationID, name string) error
	// RecordDM stores a DM classification unless one already exists. It reports
	// whether a row was written.
	RecordDM(ctx context.Context, conversationID, peerIdentifier string) (bool, error)
	// AssignRoomSequence returns the sequence number of conversationID, assigning
	// the next free one on first use.
	AssignRoomSequence(ctx context.Context, conversationID string) (int, error)
	SetBlocked(ctx context.Context, conversationID string, blocked bool) error
	SetPeerAddress(ctx context.Context, peerIdentifier, address string) error
}

// ChatRepository mirrors backend conversations that have no server-side list.
type ChatRepository interface {
	Upsert(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetAll(ctx context.Context, limit, offset int) ([]*domain.Conversation, error)
	UpdateLastActivity(ctx context.Context, id string, ts time.Time) error
}

// MessageRepository stores message history for backends without server-side
// history and for full-text search.
type MessageRepository interface {
	CreateOrIgnore(ctx context.Context, msg *domain.Message) error
	GetByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error)
	// Search returns messages containing query, newest first.
	Search(ctx context.Context, query string, limit int) ([]*domain.Message, error)
	DeleteByConversation(ctx context.Context, conversationID string) error
}
