package whatsapp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
)

var (
	selfJID = types.NewJID("15550000001", types.DefaultUserServer)
	peerJID = types.NewJID("15550000002", types.DefaultUserServer)
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "wa.db"))
	require.NoError(t, err)
	device := &store.Device{ID: &selfJID}
	return NewClient(
		device,
		domain.NewEventBus(),
		repository.NewChatRepository(db),
		repository.NewMessageRepository(db),
		zerolog.Nop(),
		waLog.Noop,
	)
}

func textEvent(id string, chat, sender types.JID, ts time.Time, body string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender, IsGroup: chat.Server == types.GroupServer},
			ID:            id,
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := convertMessage(textEvent("A1", peerJID, peerJID, ts, "hello"))
	require.NotNil(t, msg)
	require.Equal(t, "A1", msg.ID)
	require.Equal(t, peerJID.String(), msg.ConversationID)
	require.Equal(t, peerJID.String(), msg.SenderIdentifier)
	require.Equal(t, ts.UnixNano(), msg.SentAtNanos)
	require.Equal(t, "hello", msg.Content)

	extended := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID}, ID: "A2", Timestamp: ts},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked")}},
	}
	require.Equal(t, "linked", convertMessage(extended).Content)

	image := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID}, ID: "A3", Timestamp: ts},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
	}
	require.Nil(t, convertMessage(image))
}

func TestIncomingMessageAnnouncesChatAndStreams(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	convs, err := c.Conversations().Stream(ctx)
	require.NoError(t, err)
	all, err := c.Conversations().StreamAllMessages(ctx)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.handleEvent(textEvent("A1", peerJID, peerJID, ts, "hello"))
	c.handleEvent(textEvent("A2", peerJID, peerJID, ts.Add(time.Second), "again"))

	conv, err := convs.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, peerJID.String(), conv.ID())
	require.Equal(t, messaging.KindHint{Kind: domain.KindDM, PeerIdentifier: peerJID.String()}, conv.Hint())

	first, err := all.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", first.Content)
	second, err := all.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "again", second.Content)

	history, err := conv.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)

	listed, err := c.Conversations().List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NoError(t, listed[0].Sync(ctx))
	members, err := listed[0].Members(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{selfJID.String(), peerJID.String()}, members)
}

func TestJoinedGroupIsMirrored(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	convs, err := c.Conversations().Stream(ctx)
	require.NoError(t, err)

	groupJID := types.NewJID("120363000000000001", types.GroupServer)
	evt := &events.JoinedGroup{}
	evt.JID = groupJID
	evt.GroupCreated = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	evt.Participants = []types.GroupParticipant{{JID: selfJID}, {JID: peerJID}}
	c.handleEvent(evt)

	conv, err := convs.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, groupJID.String(), conv.ID())
	require.Equal(t, messaging.KindHint{}, conv.Hint())

	members, err := conv.Members(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{selfJID.String(), peerJID.String()}, members)
	require.Error(t, conv.Sync(ctx), "group sync needs a connection")
	members, err = conv.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2, "a failed sync keeps the mirrored members")
}

func TestDirectChatNeedsNoConnection(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Conversations().DMByInboxID(ctx, peerJID.String())
	require.ErrorIs(t, err, messaging.ErrNotFound)

	conv, err := c.Conversations().NewGroup(ctx, []string{peerJID.String()})
	require.NoError(t, err)
	require.Equal(t, peerJID.String(), conv.ID())

	found, err := c.Conversations().DMByInboxID(ctx, peerJID.String())
	require.NoError(t, err)
	require.Equal(t, conv.ID(), found.ID())

	_, err = conv.Send(ctx, "hi")
	require.Error(t, err)
	require.Error(t, conv.AddMembers(ctx, []string{"15550000003@s.whatsapp.net"}))

	_, err = c.InboxIDByAddress(ctx, "+15550000002")
	require.Error(t, err)
}
