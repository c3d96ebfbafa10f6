package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/web3-messenger/internal/broadcast"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/memory"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc/rtctest"
	"github.com/clippy-oss/homie/web3-messenger/internal/service"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

func newApp(t *testing.T, net *memory.Network, inboxID string, w Wallet) *App {
	t.Helper()
	a := New(Options{
		Backend: "memory",
		Client:  net.Register(inboxID, ""),
		Cache:   identity.NewCache(nil, zerolog.Nop()),
		Bus:     domain.NewEventBus(),
		Engine:  rtctest.NewEngine(),
		Wallet:  w,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		a.Close()
	})
	require.Eventually(t, func() bool {
		return net.InboxStreams(inboxID) == 2
	}, time.Second, 5*time.Millisecond)
	return a
}

func TestCallBetweenTwoApps(t *testing.T) {
	net := memory.NewNetwork()
	alice := newApp(t, net, "alice", nil)
	bob := newApp(t, net, "bob", nil)
	ctx := context.Background()

	incoming := bob.Bus.Subscribe([]domain.EventType{domain.EventTypeIncomingCall})
	defer bob.Bus.Unsubscribe(incoming)

	dm, err := alice.Messenger.CreateDM(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.StartCall(ctx, domain.MediaKindVideo))
	require.Equal(t, domain.CallPhaseCalling, alice.Calls.State().Phase)

	select {
	case evt := <-incoming:
		call := evt.(domain.IncomingCallEvent)
		require.Equal(t, "alice", call.From)
		require.Equal(t, dm.ID, call.ConversationID)
		require.Equal(t, domain.MediaKindVideo, call.MediaKind)
	case <-time.After(time.Second):
		t.Fatal("bob was never prompted")
	}
	require.Equal(t, domain.CallPhaseRinging, bob.Calls.State().Phase)

	require.NoError(t, bob.Calls.Accept(ctx))
	require.Equal(t, domain.CallPhaseConnected, bob.Calls.State().Phase)
	require.Eventually(t, func() bool {
		return alice.Calls.State().Phase == domain.CallPhaseConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Calls.End(ctx))
	require.Eventually(t, func() bool {
		return bob.Calls.State().Phase == domain.CallPhaseIdle
	}, time.Second, 5*time.Millisecond)

	for _, msg := range alice.Messenger.Messages() {
		require.False(t, domain.IsControl(domain.ParseContent(msg.Content)), "signaling stays out of the view")
	}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	net := memory.NewNetwork()
	alice := newApp(t, net, "alice", nil)
	bob := newApp(t, net, "bob", nil)
	carol := newApp(t, net, "carol", nil)
	ctx := context.Background()

	room, err := alice.Messenger.CreateRoom(ctx, []string{"bob", "carol"}, "Ops")
	require.NoError(t, err)
	require.NoError(t, alice.StartBroadcast(ctx))

	st, err := alice.BroadcastState()
	require.NoError(t, err)
	require.True(t, st.Broadcasting)
	require.Equal(t, "alice", st.ActiveBroadcaster)

	for _, member := range []*App{bob, carol} {
		member := member
		require.Eventually(t, func() bool {
			return member.Broadcasts.State(room.ID).ActiveBroadcaster == "alice"
		}, time.Second, 5*time.Millisecond)
	}
	require.ErrorIs(t, bob.Broadcasts.Start(ctx, room.ID), broadcast.ErrFloorTaken)

	require.NoError(t, alice.StopBroadcast(ctx))
	require.Eventually(t, func() bool {
		return bob.Broadcasts.State(room.ID).ActiveBroadcaster == ""
	}, time.Second, 5*time.Millisecond)
}

func TestActionsNeedTheRightConversation(t *testing.T) {
	net := memory.NewNetwork()
	alice := newApp(t, net, "alice", nil)
	newApp(t, net, "bob", nil)
	newApp(t, net, "carol", nil)
	ctx := context.Background()

	require.ErrorIs(t, alice.StartCall(ctx, domain.MediaKindVoice), service.ErrNoConversation)
	require.ErrorIs(t, alice.StartBroadcast(ctx), service.ErrNoConversation)
	_, err := alice.BroadcastState()
	require.ErrorIs(t, err, service.ErrNoConversation)

	_, err = alice.Messenger.CreateDM(ctx, "bob")
	require.NoError(t, err)
	require.ErrorIs(t, alice.StartBroadcast(ctx), ErrNotRoom)
	require.ErrorIs(t, alice.StopBroadcast(ctx), ErrNotRoom)

	_, err = alice.Messenger.CreateRoom(ctx, []string{"bob", "carol"}, "")
	require.NoError(t, err)
	require.ErrorIs(t, alice.StartCall(ctx, domain.MediaKindVoice), ErrNotDM)

	_, err = alice.Pairing()
	require.ErrorIs(t, err, ErrNoPairing)
}

func TestStatusAndSigning(t *testing.T) {
	net := memory.NewNetwork()
	w, err := wallet.Generate(5)
	require.NoError(t, err)
	a := newApp(t, net, "alice", w)

	st := a.Status()
	require.Equal(t, "memory", st.Backend)
	require.Equal(t, "alice", st.InboxID)
	require.Equal(t, w.Address().Hex(), st.Address)
	require.Equal(t, uint64(5), st.ChainID)
	require.True(t, st.Connected)
	require.Nil(t, st.Current)
	require.Equal(t, domain.CallPhaseIdle, st.Call.Phase)

	require.Eventually(t, func() bool {
		return a.Messenger.Cache().AddressFor("alice") == w.Address().Hex()
	}, time.Second, 5*time.Millisecond)

	address, sig, err := a.SignMessage([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, w.Address().Hex(), address)
	require.True(t, wallet.Verify(w.Address(), []byte("hello"), sig))
}

func TestWalletChangesAreReported(t *testing.T) {
	net := memory.NewNetwork()
	w, err := wallet.Generate(1)
	require.NoError(t, err)
	a := newApp(t, net, "alice", w)

	activity := a.Bus.Subscribe([]domain.EventType{domain.EventTypeActivity})
	defer a.Bus.Unsubscribe(activity)

	w.SwitchChain(10)
	select {
	case evt := <-activity:
		require.Equal(t, "wallet_chain_changed", evt.(domain.ActivityEvent).Action)
	case <-time.After(time.Second):
		t.Fatal("wallet change was not reported")
	}
}

func TestSearchMessagesFiltersArchive(t *testing.T) {
	ctx := context.Background()
	db, err := repository.Open(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	archive := repository.NewMessageRepository(db)

	cache := identity.NewCache(nil, zerolog.Nop())
	a := New(Options{
		Backend: "memory",
		Client:  memory.NewNetwork().Register("alice", ""),
		Cache:   cache,
		Bus:     domain.NewEventBus(),
		Engine:  rtctest.NewEngine(),
		Archive: archive,
	}, zerolog.Nop())
	t.Cleanup(a.Close)

	rename, err := domain.EncodeContent(&domain.RoomNameChange{RoomID: "room", RoomName: "moon base"})
	require.NoError(t, err)
	for i, msg := range []*domain.Message{
		{ID: "m1", ConversationID: "dm", SenderIdentifier: "bob", Content: "moon tonight"},
		{ID: "m2", ConversationID: "room", SenderIdentifier: "bob", Content: rename},
		{ID: "m3", ConversationID: "spam", SenderIdentifier: "eve", Content: "buy moon coins"},
		{ID: "m4", ConversationID: "dm", SenderIdentifier: "alice", Content: "moon again"},
	} {
		msg.SentAtNanos = int64(i + 1)
		require.NoError(t, archive.CreateOrIgnore(ctx, msg))
	}
	require.NoError(t, cache.Block(ctx, "spam"))

	found, err := a.SearchMessages(ctx, "moon", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "m4", found[0].ID)
	require.Equal(t, "m1", found[1].ID)

	found, err = a.SearchMessages(ctx, "moon", 1)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = a.SearchMessages(ctx, "  ", 0)
	require.Error(t, err)

	bare := New(Options{
		Client: memory.NewNetwork().Register("alice", ""),
		Cache:  identity.NewCache(nil, zerolog.Nop()),
		Bus:    domain.NewEventBus(),
		Engine: rtctest.NewEngine(),
	}, zerolog.Nop())
	t.Cleanup(bare.Close)
	_, err = bare.SearchMessages(ctx, "moon", 0)
	require.ErrorIs(t, err, ErrNoArchive)
}
