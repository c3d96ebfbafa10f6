package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

const echoPrefix = "echo: "

// EchoBot is a demo peer that answers every visible text message it receives
// with the same text. Echoes are never echoed again, so several bots can
// share a room.
type EchoBot struct {
	client *Client
	log    zerolog.Logger
}

func NewEchoBot(client *Client, log zerolog.Logger) *EchoBot {
	return &EchoBot{client: client, log: log}
}

func (b *EchoBot) InboxID() string {
	return b.client.InboxID()
}

// Run answers messages until ctx is done.
func (b *EchoBot) Run(ctx context.Context) error {
	stream, err := b.client.Conversations().StreamAllMessages(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		reply, ok := b.reply(msg)
		if !ok {
			continue
		}
		if err := b.send(ctx, msg.ConversationID, reply); err != nil {
			b.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Echo failed")
		}
	}
}

func (b *EchoBot) reply(msg *domain.Message) (string, bool) {
	if msg.SenderIdentifier == b.client.InboxID() {
		return "", false
	}
	text, ok := domain.ParseContent(msg.Content).(*domain.Text)
	if !ok || strings.HasPrefix(text.Body, echoPrefix) {
		return "", false
	}
	return echoPrefix + text.Body, true
}

func (b *EchoBot) send(ctx context.Context, conversationID, body string) error {
	convs, err := b.client.Conversations().List(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		if c.ID() == conversationID {
			_, err := c.Send(ctx, body)
			return err
		}
	}
	return errors.New("conversation not found: " + conversationID)
}
