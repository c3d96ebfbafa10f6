package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/memory"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

const bobAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fixture struct {
	net   *memory.Network
	bob   *memory.Client
	carol *memory.Client
	bus   *domain.SimpleEventBus
	cache *identity.Cache
	m     *Messenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	net := memory.NewNetwork()

	var clockMu sync.Mutex
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	net.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})

	alice := net.Register("alice", "")
	f := &fixture{
		net:   net,
		bob:   net.Register("bob", bobAddress),
		carol: net.Register("carol", ""),
		bus:   domain.NewEventBus(),
		cache: identity.NewCache(nil, zerolog.Nop()),
	}
	f.m = NewMessenger(alice, f.cache, f.bus, MessengerConfig{}, zerolog.Nop())
	t.Cleanup(f.m.Close)
	return f
}

// run starts the reconciler and waits until both of its streams are open.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return f.net.InboxStreams("alice") == 2
	}, time.Second, 5*time.Millisecond)
}

func (f *fixture) waitForMessage(t *testing.T, body string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, msg := range f.m.Messages() {
			if msg.Content == body {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func contents(msgs []*domain.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Content
	}
	return out
}

func TestLoadConversationsClassifiesAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	nativeID, err := f.net.CreateNativeDM("alice", "carol")
	require.NoError(t, err)
	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	_, err = f.net.Inject(dm.ID(), &domain.Message{SenderIdentifier: "bob", Content: "hey"})
	require.NoError(t, err)

	require.NoError(t, f.m.LoadConversations(ctx))
	convs := f.m.Conversations()
	require.Len(t, convs, 3)

	require.Equal(t, room.ID(), convs[0].ID)
	require.Equal(t, domain.KindRoom, convs[0].Kind)
	require.Equal(t, 1, convs[0].SequenceNumber)
	require.Equal(t, "Room #1", convs[0].DisplayName)

	require.Equal(t, nativeID, convs[1].ID)
	require.Equal(t, domain.KindDM, convs[1].Kind)
	require.Equal(t, "carol", convs[1].PeerIdentifier)

	require.Equal(t, dm.ID(), convs[2].ID)
	require.Equal(t, domain.KindDM, convs[2].Kind)
	require.Equal(t, "bob", convs[2].PeerIdentifier)

	// Seeing the newer message moves the conversation to the top.
	_, err = f.m.SelectConversationByID(ctx, dm.ID())
	require.NoError(t, err)
	require.Equal(t, dm.ID(), f.m.Conversations()[0].ID)
}

func TestClassificationSurvivesMembershipGrowth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	require.NoError(t, f.m.LoadConversations(ctx))
	require.Equal(t, domain.KindDM, f.m.Conversations()[0].Kind)

	require.NoError(t, dm.AddMembers(ctx, []string{"carol"}))
	require.NoError(t, f.m.LoadConversations(ctx))
	conv := f.m.Conversations()[0]
	require.Equal(t, domain.KindDM, conv.Kind)
	require.Equal(t, "bob", conv.PeerIdentifier)
}

func TestSelectConversationIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.SelectConversation(context.Background(), 0)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = f.m.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNoConversation)
}

func TestRedeliveredMessageAppearsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	require.NoError(t, f.m.LoadConversations(ctx))
	_, err = f.m.SelectConversation(ctx, 0)
	require.NoError(t, err)

	own, err := f.m.SendMessage(ctx, "hi bob")
	require.NoError(t, err)
	require.Equal(t, []string{"hi bob"}, contents(f.m.Messages()))

	hello, err := dm.Send(ctx, "hello")
	require.NoError(t, err)
	require.NoError(t, f.net.Redeliver(dm.ID(), hello.ID))
	require.NoError(t, f.net.Redeliver(dm.ID(), own.ID))
	_, err = dm.Send(ctx, "marker")
	require.NoError(t, err)

	f.waitForMessage(t, "marker")
	require.Equal(t, []string{"hi bob", "hello", "marker"}, contents(f.m.Messages()))
}

func TestHistoryIsOrderedAndSkipsControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	rename, err := domain.EncodeContent(&domain.RoomNameChange{RoomID: room.ID(), RoomName: "Ops"})
	require.NoError(t, err)

	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.net.Inject(room.ID(), &domain.Message{SenderIdentifier: "carol", Content: "second", SentAtNanos: base.Add(2 * time.Second).UnixNano()})
	require.NoError(t, err)
	_, err = f.net.Inject(room.ID(), &domain.Message{SenderIdentifier: "bob", Content: rename, SentAtNanos: base.Add(time.Second).UnixNano()})
	require.NoError(t, err)
	_, err = f.net.Inject(room.ID(), &domain.Message{SenderIdentifier: "bob", Content: "first", SentAtNanos: base.UnixNano()})
	require.NoError(t, err)

	_, err = f.m.SelectConversationByID(ctx, room.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, contents(f.m.Messages()))
	require.Empty(t, f.cache.Name(room.ID()), "control messages in history are not applied")
}

func TestRoomNameChangeIsAppliedAndHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, room.ID())
	require.NoError(t, err)

	rename, err := domain.EncodeContent(&domain.RoomNameChange{RoomID: room.ID(), RoomName: "Ops"})
	require.NoError(t, err)
	_, err = room.Send(ctx, rename)
	require.NoError(t, err)
	_, err = room.Send(ctx, "after")
	require.NoError(t, err)

	f.waitForMessage(t, "after")
	require.Equal(t, []string{"after"}, contents(f.m.Messages()))
	require.Equal(t, "Ops", f.cache.Name(room.ID()))
	require.Equal(t, "Ops", f.m.Current().DisplayName)
}

func TestRenameRoomAnnouncesToMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	require.NoError(t, f.m.LoadConversations(ctx))

	require.NoError(t, f.m.RenameConversation(ctx, room.ID(), " Ops "))
	require.Equal(t, "Ops", f.m.Conversations()[0].DisplayName)

	msgs, err := room.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	change, ok := domain.ParseContent(msgs[0].Content).(*domain.RoomNameChange)
	require.True(t, ok)
	require.Equal(t, "Ops", change.RoomName)
	require.Equal(t, room.ID(), change.RoomID)
}

func TestBlockedRoomHasNoMessagesOrStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	_, err = room.Send(ctx, "spam")
	require.NoError(t, err)
	require.NoError(t, f.m.LoadConversations(ctx))
	require.NoError(t, f.m.BlockRoom(ctx, room.ID()))

	conv, err := f.m.SelectConversationByID(ctx, room.ID())
	require.NoError(t, err)
	require.True(t, conv.Blocked)
	require.Equal(t, room.ID(), f.m.Current().ID)
	require.Empty(t, f.m.Messages())
	require.Zero(t, f.net.StreamSubscribers(room.ID()))

	require.NoError(t, f.m.UnblockRoom(ctx, room.ID()))
	require.Equal(t, []string{"spam"}, contents(f.m.Messages()))
	require.Equal(t, 1, f.net.StreamSubscribers(room.ID()))
}

func TestDMCannotBeBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.m.CreateDM(ctx, "bob")
	require.NoError(t, err)
	require.Error(t, f.m.BlockRoom(ctx, conv.ID))
}

func TestSwitchingConversationAbandonsOldStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withBob, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	withCarol, err := f.carol.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)

	_, err = f.m.SelectConversationByID(ctx, withBob.ID())
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, withCarol.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.net.StreamSubscribers(withBob.ID()) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = withBob.Send(ctx, "late")
	require.NoError(t, err)
	_, err = withCarol.Send(ctx, "marker")
	require.NoError(t, err)

	f.waitForMessage(t, "marker")
	for _, msg := range f.m.Messages() {
		require.Equal(t, withCarol.ID(), msg.ConversationID)
	}
	require.Equal(t, withCarol.ID(), f.m.Current().ID)
}

func TestForegroundSuppressesCurrentConversationNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifications := f.bus.Subscribe([]domain.EventType{domain.EventTypeNotification})

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, dm.ID())
	require.NoError(t, err)

	_, err = dm.Send(ctx, "seen")
	require.NoError(t, err)
	f.waitForMessage(t, "seen")
	require.Empty(t, notifications)

	f.m.SetForeground(false)
	_, err = dm.Send(ctx, "missed")
	require.NoError(t, err)
	f.waitForMessage(t, "missed")

	ev := (<-notifications).(domain.NotificationEvent)
	require.Equal(t, domain.NotificationNewMessage, ev.Kind)
	require.Equal(t, "missed", ev.Body)
	require.Equal(t, "bob", ev.Title)
}

func TestBackgroundMessageNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	require.NoError(t, f.m.LoadConversations(ctx))
	notifications := f.bus.Subscribe([]domain.EventType{domain.EventTypeNotification})
	f.run(t)

	ping, err := dm.Send(ctx, "ping")
	require.NoError(t, err)
	require.NoError(t, f.net.Redeliver(dm.ID(), ping.ID))

	require.Eventually(t, func() bool { return len(notifications) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, notifications, 1)

	ev := (<-notifications).(domain.NotificationEvent)
	require.Equal(t, dm.ID(), ev.ConversationID)
	require.Equal(t, "ping", ev.Body)
	require.Equal(t, dm.ID(), f.m.Conversations()[0].ID)
	require.Empty(t, f.m.Messages(), "background messages never enter the current view")
}

func TestNewConversationRefreshesList(t *testing.T) {
	f := newFixture(t)
	notifications := f.bus.Subscribe([]domain.EventType{domain.EventTypeNotification})
	f.run(t)

	conv, err := f.carol.Conversations().NewGroup(context.Background(), []string{"alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		convs := f.m.Conversations()
		return len(convs) == 1 && convs[0].ID == conv.ID()
	}, time.Second, 5*time.Millisecond)

	ev := (<-notifications).(domain.NotificationEvent)
	require.Equal(t, domain.NotificationNewConversation, ev.Kind)
	require.Equal(t, conv.ID(), ev.ConversationID)
}

func TestCreateDMByAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.m.CreateDM(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	require.Equal(t, domain.KindDM, conv.Kind)
	require.Equal(t, "bob", conv.PeerIdentifier)
	require.Equal(t, bobAddress, f.cache.AddressFor("bob"))
	require.Equal(t, conv.ID, f.m.Current().ID)
	require.Equal(t, wallet.ShortAddress(bobAddress), conv.DisplayName)

	again, err := f.m.CreateDM(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.Len(t, f.m.Conversations(), 1)

	_, err = f.m.CreateDM(ctx, "0x000000000000000000000000000000000000dEaD")
	require.ErrorIs(t, err, ErrUnresolvableIdentity)
}

func TestCreateDMUsesNativeConversation(t *testing.T) {
	f := newFixture(t)
	nativeID, err := f.net.CreateNativeDM("alice", "carol")
	require.NoError(t, err)

	conv, err := f.m.CreateDM(context.Background(), "carol")
	require.NoError(t, err)
	require.Equal(t, nativeID, conv.ID)
}

type recordingListener struct {
	mu      sync.Mutex
	changed []string
}

func (l *recordingListener) MembersChanged(ctx context.Context, conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, conversationID)
}

func TestCreateRoomAndAddMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Register("dave", "")
	listener := &recordingListener{}
	f.m.AddMembershipListener(listener)

	_, err := f.m.CreateRoom(ctx, []string{"bob"}, "")
	require.Error(t, err)

	room, err := f.m.CreateRoom(ctx, []string{"bob", "carol", "bob"}, "Ops")
	require.NoError(t, err)
	require.Equal(t, domain.KindRoom, room.Kind)
	require.Equal(t, "Ops", room.DisplayName)
	require.Equal(t, 1, room.SequenceNumber)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, f.net.Members(room.ID))

	require.NoError(t, f.m.AddMember(ctx, "dave"))
	require.Equal(t, []string{room.ID}, listener.changed)
	require.Contains(t, f.m.Current().MemberIdentifiers, "dave")
}

type controlRecorder struct {
	mu   sync.Mutex
	seen []domain.ContentType
}

func (r *controlRecorder) HandleControl(ctx context.Context, msg *domain.Message, content domain.Content) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, content.ContentType())
	return true
}

func (r *controlRecorder) types() []domain.ContentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ContentType(nil), r.seen...)
}

func TestControlMessagesReachHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recorder := &controlRecorder{}
	f.m.AddControlHandler(recorder)

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, dm.ID())
	require.NoError(t, err)

	end, err := domain.EncodeContent(&domain.EndCall{})
	require.NoError(t, err)
	_, err = dm.Send(ctx, end)
	require.NoError(t, err)
	_, err = dm.Send(ctx, "marker")
	require.NoError(t, err)

	f.waitForMessage(t, "marker")
	require.Equal(t, []domain.ContentType{domain.ContentTypeEndCall}, recorder.types())
	require.Equal(t, []string{"marker"}, contents(f.m.Messages()))
}

func (f *fixture) streaming() bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.m.streamCancel != nil
}

func TestControlMessagesAfterStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	recorder := &controlRecorder{}
	f.m.AddControlHandler(recorder)

	dm, err := f.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, dm.ID())
	require.NoError(t, err)
	require.True(t, f.streaming())

	f.net.FailMessageStreams(dm.ID(), errors.New("connection reset"))
	require.Eventually(t, func() bool { return !f.streaming() }, time.Second, 5*time.Millisecond)

	// The all-message stream now delivers control traffic of the current conversation.
	offer, err := domain.EncodeContent(&domain.CallOffer{CallType: domain.MediaKindVoice})
	require.NoError(t, err)
	_, err = dm.Send(ctx, offer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(recorder.types()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.ContentType{domain.ContentTypeCallOffer}, recorder.types())
}

func TestRoomBlockedWhileStreaming(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	recorder := &controlRecorder{}
	f.m.AddControlHandler(recorder)

	room, err := f.bob.Conversations().NewGroup(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	dm, err := f.carol.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)
	_, err = f.m.SelectConversationByID(ctx, room.ID())
	require.NoError(t, err)
	_, err = room.Send(ctx, "before")
	require.NoError(t, err)
	f.waitForMessage(t, "before")

	// Blocking outside BlockRoom leaves the generation unchanged, so the
	// stream itself must notice.
	require.NoError(t, f.cache.Block(ctx, room.ID()))
	_, err = room.Send(ctx, "after")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.net.StreamSubscribers(room.ID()) == 0 && !f.streaming()
	}, time.Second, 5*time.Millisecond)
	require.True(t, f.m.Current().Blocked)

	start, err := domain.EncodeContent(&domain.WalkieTalkieStart{BroadcasterID: "bob"})
	require.NoError(t, err)
	_, err = room.Send(ctx, start)
	require.NoError(t, err)
	end, err := domain.EncodeContent(&domain.EndCall{})
	require.NoError(t, err)
	_, err = dm.Send(ctx, end)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.types()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.ContentType{domain.ContentTypeEndCall}, recorder.types())
	require.NotContains(t, contents(f.m.Messages()), "after")
}

func TestConnectClientRetriesWhileRegistering(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	w, err := wallet.Generate(1)
	require.NoError(t, err)
	net.FailRegistration(w.Address().Hex(), 2)

	calls := 0
	factory := func(ctx context.Context) (messaging.Client, error) {
		calls++
		c, err := net.Connect(ctx, w)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	client, err := ConnectClient(ctx, factory, []time.Duration{time.Millisecond, time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, memory.InboxIDForAddress(w.Address().Hex()), client.InboxID())

	net.FailRegistration(w.Address().Hex(), 3)
	calls = 0
	_, err = ConnectClient(ctx, factory, []time.Duration{time.Millisecond, time.Millisecond}, zerolog.Nop())
	require.ErrorIs(t, err, messaging.ErrIdentityRegistering)
	require.Equal(t, 3, calls)
}

func TestConnectClientStopsAtInstallationLimit(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context) (messaging.Client, error) {
		calls++
		return nil, messaging.ErrInstallationLimit
	}
	_, err := ConnectClient(context.Background(), factory, DefaultConnectDelays, zerolog.Nop())
	require.ErrorIs(t, err, messaging.ErrInstallationLimit)
	require.Equal(t, 1, calls)

	calls = 0
	other := errors.New("network down")
	_, err = ConnectClient(context.Background(), func(ctx context.Context) (messaging.Client, error) {
		calls++
		return nil, other
	}, DefaultConnectDelays, zerolog.Nop())
	require.ErrorIs(t, err, other)
	require.Equal(t, 1, calls)
}
