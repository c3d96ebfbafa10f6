package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.app.Status()

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Backend: %s\n", st.Backend))
	result.WriteString(fmt.Sprintf("Inbox ID: %s\n", st.InboxID))
	if st.Address != "" {
		result.WriteString(fmt.Sprintf("Wallet: %s (chain %d)\n", st.Address, st.ChainID))
	}
	result.WriteString(fmt.Sprintf("Connected: %v\nLogged In: %v\n", st.Connected, st.LoggedIn))
	result.WriteString(fmt.Sprintf("Conversations: %d\n", st.Conversations))
	if st.Current != nil {
		result.WriteString(fmt.Sprintf("Selected: %s (%s, %s)\n", st.Current.DisplayName, st.Current.Kind, st.Current.ID))
	}
	result.WriteString(formatCallState(st.Call))
	return mcp.NewToolResultText(result.String()), nil
}

func (s *Server) handleListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if request.GetBool("reload", false) {
		if err := s.app.Messenger.LoadConversations(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load conversations: %v", err)), nil
		}
	}
	limit := request.GetInt("limit", 20)
	if limit > 100 {
		limit = 100
	}
	if limit <= 0 {
		limit = 20
	}

	convs := s.app.Messenger.Conversations()
	if len(convs) == 0 {
		return mcp.NewToolResultText("No conversations found. Start one with messenger_create_dm."), nil
	}
	if len(convs) > limit {
		convs = convs[:limit]
	}
	current := s.app.Messenger.Current()

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d conversation(s):\n\n", len(convs)))
	for i, conv := range convs {
		marker := ""
		if current != nil && current.ID == conv.ID {
			marker = " [selected]"
		}
		result.WriteString(fmt.Sprintf("%d. %s (%s)%s\n", i, conv.DisplayName, kindLabel(conv), marker))
		result.WriteString(fmt.Sprintf("   ID: %s\n", conv.ID))
		if conv.IsDM() {
			result.WriteString(fmt.Sprintf("   Peer: %s\n", s.peerLabel(conv.PeerIdentifier)))
		} else {
			result.WriteString(fmt.Sprintf("   Members: %d\n", len(conv.MemberIdentifiers)))
		}
		if conv.Blocked {
			result.WriteString("   Blocked\n")
		}
		if !conv.LastActivity.IsZero() {
			result.WriteString(fmt.Sprintf("   Last activity: %s\n", conv.LastActivity.Format("2006-01-02 15:04")))
		}
		result.WriteString("\n")
	}
	return mcp.NewToolResultText(result.String()), nil
}

func (s *Server) handleSelectConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		conv *domain.Conversation
		err  error
	)
	if id := request.GetString("conversation_id", ""); id != "" {
		conv, err = s.app.Messenger.SelectConversationByID(ctx, id)
	} else {
		index := request.GetInt("index", -1)
		if index < 0 {
			return mcp.NewToolResultError("conversation_id or index is required"), nil
		}
		conv, err = s.app.Messenger.SelectConversation(ctx, index)
	}
	if conv == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to select conversation: %v", err)), nil
	}

	text := fmt.Sprintf("Selected %s (%s)\nID: %s", conv.DisplayName, kindLabel(conv), conv.ID)
	if err != nil {
		text += fmt.Sprintf("\nWarning: history could not be loaded: %v", err)
	}
	if conv.Blocked {
		text += "\nThis room is blocked; messages are hidden."
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleGetMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	current := s.app.Messenger.Current()
	if current == nil {
		return mcp.NewToolResultError("No conversation selected. Use messenger_select_conversation first."), nil
	}
	limit := request.GetInt("limit", 50)
	if limit > 200 {
		limit = 200
	}
	if limit <= 0 {
		limit = 50
	}

	messages := s.app.Messenger.Messages()
	if len(messages) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No messages in %s", current.DisplayName)), nil
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Messages from %s (%d):\n\n", current.DisplayName, len(messages)))
	for _, msg := range messages {
		result.WriteString(fmt.Sprintf("[%s] %s:\n", msg.SentAt().Format("2006-01-02 15:04"), s.senderLabel(msg.SenderIdentifier)))
		result.WriteString(fmt.Sprintf("  %s\n", contentLine(msg, 0)))
		result.WriteString(fmt.Sprintf("  ID: %s\n\n", msg.ID))
	}
	return mcp.NewToolResultText(result.String()), nil
}

func (s *Server) handleSearchMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	limit := request.GetInt("limit", app.DefaultSearchLimit)

	messages, err := s.app.SearchMessages(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}
	if len(messages) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No messages found matching '%s'", query)), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Search results for '%s' (%d found):\n\n", query, len(messages)))
	for i, msg := range messages {
		result.WriteString(fmt.Sprintf("%d. [%s] %s:\n", i+1, msg.SentAt().Format("2006-01-02 15:04"), s.senderLabel(msg.SenderIdentifier)))
		result.WriteString(fmt.Sprintf("   Conversation: %s\n", msg.ConversationID))
		result.WriteString(fmt.Sprintf("   %s\n", contentLine(msg, 100)))
		result.WriteString(fmt.Sprintf("   ID: %s\n\n", msg.ID))
	}
	return mcp.NewToolResultText(result.String()), nil
}

// contentLine renders message content on one line, cutting text longer than
// max runes when max is positive.
func contentLine(msg *domain.Message, max int) string {
	switch c := domain.ParseContent(msg.Content).(type) {
	case *domain.Text:
		text := []rune(c.Body)
		if max > 0 && len(text) > max {
			return string(text[:max]) + "..."
		}
		return c.Body
	case *domain.FileAttachment:
		return fmt.Sprintf("[File: %s, %s]", c.FileName, c.FileType)
	default:
		return fmt.Sprintf("[%s]", c.ContentType())
	}
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := request.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	if id := request.GetString("conversation_id", ""); id != "" {
		if cur := s.app.Messenger.Current(); cur == nil || cur.ID != id {
			if conv, err := s.app.Messenger.SelectConversationByID(ctx, id); conv == nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to open conversation: %v", err)), nil
			}
		}
	}

	msg, err := s.app.Messenger.SendMessage(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message sent successfully!\nID: %s\nTimestamp: %s\nTo: %s",
		msg.ID, msg.SentAt().Format("2006-01-02 15:04:05"), msg.ConversationID)), nil
}

func (s *Server) handleCreateDM(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier := request.GetString("identifier", "")
	if identifier == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}
	conv, err := s.app.Messenger.CreateDM(ctx, identifier)
	if conv == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open direct message: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Direct message with %s is open\nID: %s", conv.DisplayName, conv.ID)), nil
}

func (s *Server) handleCreateRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := request.GetString("identifiers", "")
	var identifiers []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			identifiers = append(identifiers, id)
		}
	}
	if len(identifiers) == 0 {
		return mcp.NewToolResultError("identifiers is required"), nil
	}
	conv, err := s.app.Messenger.CreateRoom(ctx, identifiers, request.GetString("name", ""))
	if conv == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create room: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Room %s created with %d member(s)\nID: %s",
		conv.DisplayName, len(conv.MemberIdentifiers), conv.ID)), nil
}

func (s *Server) handleRename(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := s.targetConversation(request)
	if errResult != nil {
		return errResult, nil
	}
	name := request.GetString("name", "")
	if err := s.app.Messenger.RenameConversation(ctx, id, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to rename: %v", err)), nil
	}
	if strings.TrimSpace(name) == "" {
		return mcp.NewToolResultText(fmt.Sprintf("Custom name of %s removed", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Renamed %s to %s", id, name)), nil
}

func (s *Server) handleBlockRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := s.targetConversation(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.app.Messenger.BlockRoom(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to block room: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Room %s blocked", id)), nil
}

func (s *Server) handleUnblockRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := s.targetConversation(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.app.Messenger.UnblockRoom(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to unblock room: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Room %s unblocked", id)), nil
}

func (s *Server) handleAddMember(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier := request.GetString("identifier", "")
	if identifier == "" {
		return mcp.NewToolResultError("identifier is required"), nil
	}
	if err := s.app.Messenger.AddMember(ctx, identifier); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add member: %v", err)), nil
	}
	cur := s.app.Messenger.Current()
	return mcp.NewToolResultText(fmt.Sprintf("Added %s to %s (%d members)", identifier, cur.DisplayName, len(cur.MemberIdentifiers))), nil
}

func (s *Server) handleCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var err error
	switch action := request.GetString("action", ""); action {
	case "start":
		kind, ok := domain.ParseMediaKind(request.GetString("media", ""))
		if !ok {
			return mcp.NewToolResultError("media must be voice or video"), nil
		}
		err = s.app.StartCall(ctx, kind)
	case "accept":
		err = s.app.Calls.Accept(ctx)
	case "decline":
		err = s.app.Calls.Decline(ctx)
	case "end":
		err = s.app.Calls.End(ctx)
	case "state":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown call action %q", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Call failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCallState(s.app.Calls.State())), nil
}

func (s *Server) handleBroadcast(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var err error
	switch action := request.GetString("action", ""); action {
	case "start":
		err = s.app.StartBroadcast(ctx)
	case "stop":
		err = s.app.StopBroadcast(ctx)
	case "state":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown broadcast action %q", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Broadcast failed: %v", err)), nil
	}
	st, err := s.app.BroadcastState()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch {
	case st.Broadcasting:
		return mcp.NewToolResultText(fmt.Sprintf("You are talking to %d member(s)", len(st.Peers))), nil
	case st.ActiveBroadcaster != "":
		return mcp.NewToolResultText(fmt.Sprintf("%s is talking", s.senderLabel(st.ActiveBroadcaster))), nil
	}
	return mcp.NewToolResultText("Nobody is talking"), nil
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.app.Pairing()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !p.IsLoggedIn() {
		return mcp.NewToolResultError("Not logged in. Please pair your device first using the mobile app."), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.Connect(connectCtx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	return mcp.NewToolResultText("Successfully connected to WhatsApp"), nil
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.app.Pairing()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p.Disconnect()
	return mcp.NewToolResultText("Disconnected from WhatsApp"), nil
}

func (s *Server) handleLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.app.Pairing()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := p.Logout(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to logout: %v", err)), nil
	}
	return mcp.NewToolResultText("Successfully logged out from WhatsApp. Device pairing has been removed."), nil
}

// targetConversation returns conversation_id or the selected conversation.
func (s *Server) targetConversation(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if id := request.GetString("conversation_id", ""); id != "" {
		return id, nil
	}
	if cur := s.app.Messenger.Current(); cur != nil {
		return cur.ID, nil
	}
	return "", mcp.NewToolResultError("conversation_id is required when no conversation is selected")
}

func (s *Server) senderLabel(id string) string {
	if id == s.app.Messenger.SelfID() {
		return "Me"
	}
	return s.peerLabel(id)
}

func (s *Server) peerLabel(id string) string {
	if addr := s.app.Messenger.Cache().AddressFor(id); addr != "" {
		return fmt.Sprintf("%s (%s)", wallet.ShortAddress(addr), id)
	}
	return id
}

func kindLabel(conv *domain.Conversation) string {
	if conv.IsDM() {
		return "Direct"
	}
	return "Room"
}

func formatCallState(st domain.CallState) string {
	if st.Phase == domain.CallPhaseIdle {
		return "Call: idle\n"
	}
	return fmt.Sprintf("Call: %s (%s) with %s\nConversation: %s\n", st.Phase, st.MediaKind, st.PeerIdentifier, st.ConversationID)
}
