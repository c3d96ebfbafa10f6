package app

import (
	"context"
	"errors"
	"strings"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// ErrNoArchive is returned by SearchMessages when no message archive is configured.
var ErrNoArchive = errors.New("no message archive configured")

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// SearchMessages finds archived messages containing query, newest first.
// Control messages and messages of blocked rooms are left out.
func (a *App) SearchMessages(ctx context.Context, query string, limit int) ([]*domain.Message, error) {
	if a.archive == nil {
		return nil, ErrNoArchive
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	// Over-fetch so filtered rows do not shrink the page.
	found, err := a.archive.Search(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}
	cache := a.Messenger.Cache()
	out := make([]*domain.Message, 0, limit)
	for _, msg := range found {
		if domain.IsControl(domain.ParseContent(msg.Content)) || cache.IsBlocked(msg.ConversationID) {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// recordMessages writes every message that reaches the message view to the
// archive until events is closed or ctx is done.
func (a *App) recordMessages(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			updated, ok := evt.(domain.MessagesUpdatedEvent)
			if !ok {
				continue
			}
			for _, msg := range updated.Messages {
				if err := a.archive.CreateOrIgnore(ctx, msg); err != nil {
					a.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to archive message")
				}
			}
		}
	}
}
