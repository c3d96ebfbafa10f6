// Package messaging declares the narrow surface consumed from the end-to-end
// encrypted messaging client. Backends live in subpackages.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrIdentityRegistering is returned while the same identity is being created
	// by another installation. Callers may retry after a delay.
	ErrIdentityRegistering = errors.New("identity registration already in progress")
	// ErrInstallationLimit is returned when the identity has used up its
	// installation slots. It needs manual remediation and must not be retried.
	ErrInstallationLimit = errors.New("installation limit reached")
	ErrStreamClosed      = errors.New("stream closed")
)

// Stream is a long-lived server-push subscription. Next blocks until an item is
// available, the stream fails, or ctx is done.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

type Client interface {
	InboxID() string
	// InboxIDByAddress resolves a wallet address (or backend-specific address) to
	// an inbox identity. It returns "" with a nil error when the address has no
	// registered identity.
	InboxIDByAddress(ctx context.Context, address string) (string, error)
	Conversations() Conversations
}

type Conversations interface {
	List(ctx context.Context) ([]Conversation, error)
	NewGroup(ctx context.Context, inboxIDs []string) (Conversation, error)
	DMByInboxID(ctx context.Context, inboxID string) (Conversation, error)
	Stream(ctx context.Context) (Stream[Conversation], error)
	StreamAllMessages(ctx context.Context) (Stream[*domain.Message], error)
}

// KindHint is what a conversation object reports about itself. It is not
// authoritative and is frequently empty.
type KindHint struct {
	Kind           domain.Kind
	PeerIdentifier string
}

type Conversation interface {
	ID() string
	CreatedAt() time.Time
	Hint() KindHint
	// Sync refreshes the resident member list and history from the network.
	Sync(ctx context.Context) error
	// Members returns the resident member list without a network round-trip.
	Members(ctx context.Context) ([]string, error)
	AddMembers(ctx context.Context, inboxIDs []string) error
	Messages(ctx context.Context) ([]*domain.Message, error)
	Send(ctx context.Context, content string) (*domain.Message, error)
	Stream(ctx context.Context) (Stream[*domain.Message], error)
}
