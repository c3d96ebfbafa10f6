package mcp

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/memory"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc/rtctest"
)

func newTestServer(t *testing.T) (*Server, *memory.Network) {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	net := memory.NewNetwork()
	net.Register("bob", "")
	net.Register("carol", "")
	a := app.New(app.Options{
		Backend:       "memory",
		Client:        net.Register("alice", ""),
		Cache:         identity.NewCache(nil, zerolog.Nop()),
		Bus:           domain.NewEventBus(),
		Engine:        rtctest.NewEngine(),
		Archive:       repository.NewMessageRepository(db),
		RecordArchive: true,
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
		return net.InboxStreams("alice") == 2
	}, time.Second, 5*time.Millisecond)

	return NewServer(a, ServerConfig{}, zerolog.Nop()), net
}

type toolFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func callTool(t *testing.T, fn toolFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := fn(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, result.IsError
}

func TestStatusTool(t *testing.T) {
	s, _ := newTestServer(t)
	text, isErr := callTool(t, s.handleStatus, nil)
	require.False(t, isErr)
	require.Contains(t, text, "Inbox ID: alice")
	require.Contains(t, text, "Call: idle")
}

func TestMessagingTools(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s.handleListConversations, nil)
	require.False(t, isErr)
	require.Contains(t, text, "No conversations found")

	text, isErr = callTool(t, s.handleGetMessages, nil)
	require.True(t, isErr)
	require.Contains(t, text, "No conversation selected")

	text, isErr = callTool(t, s.handleCreateDM, map[string]any{"identifier": "bob"})
	require.False(t, isErr, text)
	require.Contains(t, text, "Direct message with")

	text, isErr = callTool(t, s.handleSendMessage, map[string]any{"text": "gm"})
	require.False(t, isErr, text)
	require.Contains(t, text, "Message sent successfully!")

	text, isErr = callTool(t, s.handleGetMessages, map[string]any{"limit": 10})
	require.False(t, isErr)
	require.Contains(t, text, "Me:")
	require.Contains(t, text, "gm")

	text, isErr = callTool(t, s.handleListConversations, map[string]any{"reload": true})
	require.False(t, isErr)
	require.Contains(t, text, "Found 1 conversation(s)")
	require.Contains(t, text, "[selected]")
	require.Contains(t, text, "Peer: bob")
}

func TestSearchMessagesTool(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s.handleSearchMessages, nil)
	require.True(t, isErr)
	require.Contains(t, text, "query is required")

	_, isErr = callTool(t, s.handleCreateDM, map[string]any{"identifier": "bob"})
	require.False(t, isErr)
	long := "full moon " + strings.Repeat("x", 150)
	for _, body := range []string{"gm", "the moon is up", long} {
		text, isErr = callTool(t, s.handleSendMessage, map[string]any{"text": body})
		require.False(t, isErr, text)
	}

	require.Eventually(t, func() bool {
		text, isErr = callTool(t, s.handleSearchMessages, map[string]any{"query": "moon"})
		return !isErr && strings.Contains(text, "(2 found)")
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, text, "1. [")
	require.Contains(t, text, "Me:")
	require.Contains(t, text, "the moon is up")
	require.Contains(t, text, "...")
	require.NotContains(t, text, long)
	// Newest first.
	require.Less(t, strings.Index(text, "full moon"), strings.Index(text, "the moon is up"))

	text, isErr = callTool(t, s.handleSearchMessages, map[string]any{"query": "moon", "limit": 1})
	require.False(t, isErr)
	require.Contains(t, text, "(1 found)")

	text, isErr = callTool(t, s.handleSearchMessages, map[string]any{"query": "sunrise"})
	require.False(t, isErr)
	require.Equal(t, "No messages found matching 'sunrise'", text)
}

func TestRoomTools(t *testing.T) {
	s, net := newTestServer(t)
	net.Register("dave", "")

	text, isErr := callTool(t, s.handleCreateRoom, map[string]any{"identifiers": "bob"})
	require.True(t, isErr)
	require.Contains(t, text, "Failed to create room")

	text, isErr = callTool(t, s.handleCreateRoom, map[string]any{"identifiers": "bob, carol", "name": "Ops"})
	require.False(t, isErr, text)
	require.Contains(t, text, "Room Ops created")

	text, isErr = callTool(t, s.handleAddMember, map[string]any{"identifier": "dave"})
	require.False(t, isErr, text)
	require.Contains(t, text, "Added dave to Ops")

	text, isErr = callTool(t, s.handleRename, map[string]any{"name": "Crew"})
	require.False(t, isErr, text)
	require.Contains(t, text, "to Crew")

	text, isErr = callTool(t, s.handleBlockRoom, nil)
	require.False(t, isErr, text)
	require.True(t, s.app.Messenger.Current().Blocked)

	text, isErr = callTool(t, s.handleUnblockRoom, nil)
	require.False(t, isErr, text)
	require.False(t, s.app.Messenger.Current().Blocked)

	text, isErr = callTool(t, s.handleBroadcast, map[string]any{"action": "state"})
	require.False(t, isErr, text)
	require.Equal(t, "Nobody is talking", text)

	text, isErr = callTool(t, s.handleBroadcast, map[string]any{"action": "start"})
	require.False(t, isErr, text)
	require.Contains(t, text, "You are talking to 3 member(s)")

	text, isErr = callTool(t, s.handleCall, map[string]any{"action": "start"})
	require.True(t, isErr)
	require.Contains(t, text, app.ErrNotDM.Error())
}

func TestCallTool(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s.handleCall, map[string]any{"action": "dance"})
	require.True(t, isErr)
	require.Contains(t, text, "Unknown call action")

	_, isErr = callTool(t, s.handleCreateDM, map[string]any{"identifier": "bob"})
	require.False(t, isErr)

	text, isErr = callTool(t, s.handleCall, map[string]any{"action": "start", "media": "video"})
	require.False(t, isErr, text)
	require.Contains(t, text, "Call: calling (video) with bob")

	text, isErr = callTool(t, s.handleCall, map[string]any{"action": "end"})
	require.False(t, isErr, text)
	require.Equal(t, "Call: idle\n", text)
}

func TestPairingToolsNeedLinkedDevice(t *testing.T) {
	s, _ := newTestServer(t)
	for _, fn := range []toolFunc{s.handleConnect, s.handleDisconnect, s.handleLogout} {
		text, isErr := callTool(t, fn, nil)
		require.True(t, isErr)
		require.Equal(t, app.ErrNoPairing.Error(), text)
	}
}
