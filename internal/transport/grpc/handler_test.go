package grpc

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/memory"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc/rtctest"
)

type env struct {
	network *memory.Network
	bob    *memory.Client
	app    *app.App
	client *Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	network := memory.NewNetwork()
	e := &env{network: network, bob: network.Register("bob", "")}
	network.Register("carol", "")
	e.app = app.New(app.Options{
		Backend: "memory",
		Client:  network.Register("alice", ""),
		Cache:   identity.NewCache(nil, zerolog.Nop()),
		Bus:     domain.NewEventBus(),
		Engine:  rtctest.NewEngine(),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.app.Run(ctx)
	}()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(e.app, ServerConfig{}, zerolog.Nop())
	go func() {
		_ = srv.Serve(lis)
	}()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	e.client = client

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
		cancel()
		<-done
		e.app.Close()
	})
	require.Eventually(t, func() bool {
		return network.InboxStreams("alice") == 2
	}, time.Second, 5*time.Millisecond)
	return e
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), err.Error())
}

func TestGetStatus(t *testing.T) {
	e := newEnv(t)
	out, err := e.client.Call(context.Background(), "GetStatus", nil)
	require.NoError(t, err)
	require.Equal(t, "alice", out["inbox_id"])
	require.Equal(t, "memory", out["backend"])
	require.Equal(t, true, out["connected"])
}

func TestConversationRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.client.Call(ctx, "CreateDM", map[string]interface{}{"identifier": "bob"})
	require.NoError(t, err)
	conv := out["conversation"].(map[string]interface{})
	require.Equal(t, "dm", conv["kind"])
	require.Equal(t, "bob", conv["peer"])

	_, err = e.client.Call(ctx, "SendMessage", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	_, err = e.client.Call(ctx, "SendAttachment", map[string]interface{}{
		"file_name": "notes.txt",
		"file_type": "text/plain",
		"data":      base64.StdEncoding.EncodeToString([]byte("abc")),
	})
	require.NoError(t, err)

	out, err = e.client.Call(ctx, "GetMessages", map[string]interface{}{"reload": true})
	require.NoError(t, err)
	msgs := out["messages"].([]interface{})
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]interface{})
	require.Equal(t, "hello", first["text"])
	require.Equal(t, true, first["from_me"])
	second := msgs[1].(map[string]interface{})
	require.Equal(t, "file", second["type"])
	require.Equal(t, "notes.txt", second["file_name"])
	require.Equal(t, float64(3), second["file_size"])

	out, err = e.client.Call(ctx, "ListConversations", map[string]interface{}{"reload": true})
	require.NoError(t, err)
	require.Len(t, out["conversations"].([]interface{}), 1)

	_, err = e.client.Call(ctx, "RenameConversation", map[string]interface{}{"name": "Bobby"})
	require.NoError(t, err)
	out, err = e.client.Call(ctx, "SelectConversation", map[string]interface{}{"index": 0})
	require.NoError(t, err)
	require.Equal(t, "Bobby", out["conversation"].(map[string]interface{})["display_name"])
}

func TestErrorsMapToCodes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.client.Call(ctx, "SendMessage", map[string]interface{}{"text": "hi"})
	requireCode(t, err, codes.FailedPrecondition)
	_, err = e.client.Call(ctx, "SendMessage", nil)
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.client.Call(ctx, "SelectConversation", map[string]interface{}{"index": 4})
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.client.Call(ctx, "SelectConversation", map[string]interface{}{"id": "missing"})
	requireCode(t, err, codes.NotFound)
	_, err = e.client.Call(ctx, "AcceptCall", nil)
	requireCode(t, err, codes.FailedPrecondition)
	_, err = e.client.Call(ctx, "StartCall", map[string]interface{}{"media": "hologram"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.client.Call(ctx, "Connect", nil)
	requireCode(t, err, codes.FailedPrecondition)
	_, err = e.client.Call(ctx, "CreateDM", map[string]interface{}{"identifier": "0x000000000000000000000000000000000000dEaD"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = e.client.Call(ctx, "CreateDM", map[string]interface{}{"identifier": "bob"})
	require.NoError(t, err)
	_, err = e.client.Call(ctx, "StartBroadcast", nil)
	requireCode(t, err, codes.FailedPrecondition)
	_, err = e.client.Call(ctx, "BlockRoom", nil)
	require.Error(t, err)
}

func TestCallLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.client.Call(ctx, "CreateDM", map[string]interface{}{"identifier": "bob"})
	require.NoError(t, err)
	out, err := e.client.Call(ctx, "StartCall", map[string]interface{}{"media": "voice"})
	require.NoError(t, err)
	require.Equal(t, "calling", out["phase"])
	require.Equal(t, "bob", out["peer"])

	out, err = e.client.Call(ctx, "EndCall", nil)
	require.NoError(t, err)
	require.Equal(t, "idle", out["phase"])
}

func TestStreamEvents(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dm, err := e.bob.Conversations().NewGroup(ctx, []string{"alice"})
	require.NoError(t, err)

	stream, err := e.client.Stream(ctx, "StreamEvents", map[string]interface{}{
		"event_types": []interface{}{string(domain.EventTypeMessageReceived)},
	})
	require.NoError(t, err)
	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "snapshot", first["type"])

	_, err = e.client.Call(ctx, "SelectConversation", map[string]interface{}{"id": dm.ID()})
	require.NoError(t, err)
	_, err = dm.Send(ctx, "ping")
	require.NoError(t, err)

	evt, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, string(domain.EventTypeMessageReceived), evt["type"])
	msg := evt["data"].(map[string]interface{})["message"].(map[string]interface{})
	require.Equal(t, "ping", msg["text"])
	require.Equal(t, "bob", msg["sender"])
}
