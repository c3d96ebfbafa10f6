package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
)

type ServerConfig struct {
	Address string
}

type Server struct {
	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	httpServer *http.Server
	app        *app.App
	config     ServerConfig
	log        zerolog.Logger
}

func NewServer(a *app.App, config ServerConfig, log zerolog.Logger) *Server {
	s := &Server{
		app:    a,
		config: config,
		log:    log,
	}

	s.mcpServer = server.NewMCPServer(
		"web3-messenger",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithKeepAliveInterval(30*time.Second),
	)

	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("messenger_status",
			mcp.WithDescription("Show the messaging identity, wallet, selected conversation and call state"),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_list_conversations",
			mcp.WithDescription("List conversations (direct messages and rooms) sorted by most recent activity"),
			mcp.WithBoolean("reload",
				mcp.Description("Sync the list with the network before listing"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of conversations to return (default 20, max 100)"),
			),
		),
		s.handleListConversations,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_select_conversation",
			mcp.WithDescription("Open a conversation so messages, calls and broadcasts act on it"),
			mcp.WithString("conversation_id",
				mcp.Description("ID of the conversation"),
			),
			mcp.WithNumber("index",
				mcp.Description("Position in the conversation list, used when conversation_id is empty"),
			),
		),
		s.handleSelectConversation,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_get_messages",
			mcp.WithDescription("Get the messages of the selected conversation, oldest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of most recent messages to return (default 50, max 200)"),
			),
		),
		s.handleGetMessages,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_search_messages",
			mcp.WithDescription("Search archived messages of all conversations by text, newest first"),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Text to search for"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results (default 20, max 100)"),
			),
		),
		s.handleSearchMessages,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_send_message",
			mcp.WithDescription("Send a text message to the selected conversation or to conversation_id"),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Message text to send"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to open before sending"),
			),
		),
		s.handleSendMessage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_create_dm",
			mcp.WithDescription("Open a direct message with a wallet address or inbox ID"),
			mcp.WithString("identifier",
				mcp.Required(),
				mcp.Description("Wallet address (0x...) or inbox ID of the other person"),
			),
		),
		s.handleCreateDM,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_create_room",
			mcp.WithDescription("Create a room with at least two other members"),
			mcp.WithString("identifiers",
				mcp.Required(),
				mcp.Description("Comma-separated wallet addresses or inbox IDs"),
			),
			mcp.WithString("name",
				mcp.Description("Optional room name"),
			),
		),
		s.handleCreateRoom,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_rename_conversation",
			mcp.WithDescription("Rename a conversation. Room members are told the new name; an empty name restores the default"),
			mcp.WithString("name",
				mcp.Description("New name"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to rename (default: selected)"),
			),
		),
		s.handleRename,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_block_room",
			mcp.WithDescription("Block a room: its messages are hidden and no notifications are raised"),
			mcp.WithString("conversation_id",
				mcp.Description("Room to block (default: selected)"),
			),
		),
		s.handleBlockRoom,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_unblock_room",
			mcp.WithDescription("Unblock a previously blocked room"),
			mcp.WithString("conversation_id",
				mcp.Description("Room to unblock (default: selected)"),
			),
		),
		s.handleUnblockRoom,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_add_member",
			mcp.WithDescription("Add a member to the selected room"),
			mcp.WithString("identifier",
				mcp.Required(),
				mcp.Description("Wallet address or inbox ID of the new member"),
			),
		),
		s.handleAddMember,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_call",
			mcp.WithDescription("Control the voice/video call on the selected direct message"),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Enum("start", "accept", "decline", "end", "state"),
				mcp.Description("Call action"),
			),
			mcp.WithString("media",
				mcp.Enum("voice", "video"),
				mcp.Description("Media for action=start (default voice)"),
			),
		),
		s.handleCall,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_broadcast",
			mcp.WithDescription("Push-to-talk in the selected room"),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Enum("start", "stop", "state"),
				mcp.Description("Broadcast action"),
			),
		),
		s.handleBroadcast,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_connect",
			mcp.WithDescription("Connect the linked WhatsApp device (requires prior pairing)"),
		),
		s.handleConnect,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_disconnect",
			mcp.WithDescription("Disconnect the linked WhatsApp device"),
		),
		s.handleDisconnect,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messenger_logout",
			mcp.WithDescription("Logout and remove the WhatsApp device pairing. You will need to pair again after this."),
		),
		s.handleLogout,
	)
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: mux,
	}

	s.log.Info().Str("address", s.config.Address).Msg("MCP server listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
