package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// CommandHandler handles CLI commands
type CommandHandler struct {
	app *app.App
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(a *app.App) *CommandHandler {
	return &CommandHandler{app: a}
}

// Command represents a parsed command
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a command string (e.g., "/dm 0xabc...").
// A line without a leading slash is a message for the open conversation.
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty command")
	}

	if !strings.HasPrefix(input, "/") {
		return &Command{Name: "send", Args: []string{input}}, nil
	}

	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	if name == "" {
		return nil, fmt.Errorf("empty command")
	}
	return &Command{Name: name, Args: parts[1:]}, nil
}

// Execute executes a command and returns the result
func (h *CommandHandler) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	switch cmd.Name {
	case "help", "h":
		return &Result{Help: helpText}, nil
	case "status", "s":
		st := h.app.Status()
		return &Result{Status: &st}, nil
	case "connect", "c":
		return h.cmdConnect(ctx)
	case "disconnect", "d":
		return h.cmdDisconnect()
	case "logout":
		return h.cmdLogout(ctx)
	case "pair-qr", "qr":
		return h.cmdPairQR(ctx)
	case "pair-phone", "phone":
		return h.cmdPairPhone(ctx, cmd.Args)
	case "list", "ls":
		return h.cmdList(ctx, cmd.Args)
	case "open", "o":
		return h.cmdOpen(ctx, cmd.Args)
	case "dm":
		return h.cmdDM(ctx, cmd.Args)
	case "room":
		return h.cmdRoom(ctx, cmd.Args)
	case "rename":
		return h.cmdRename(ctx, cmd.Args)
	case "block":
		return h.cmdBlock(ctx, cmd.Args, true)
	case "unblock":
		return h.cmdBlock(ctx, cmd.Args, false)
	case "add":
		return h.cmdAdd(ctx, cmd.Args)
	case "messages", "msg":
		return h.cmdMessages(ctx, cmd.Args)
	case "search", "find":
		return h.cmdSearch(ctx, cmd.Args)
	case "send":
		return h.cmdSend(ctx, cmd.Args)
	case "file":
		return h.cmdFile(ctx, cmd.Args)
	case "call":
		return h.cmdCall(ctx, cmd.Args)
	case "accept":
		return h.callResult(h.app.Calls.Accept(ctx))
	case "decline":
		return h.callResult(h.app.Calls.Decline(ctx))
	case "hangup", "end":
		return h.callResult(h.app.Calls.End(ctx))
	case "talk":
		return h.broadcastResult(h.app.StartBroadcast(ctx))
	case "over":
		return h.broadcastResult(h.app.StopBroadcast(ctx))
	case "channel":
		return h.broadcastResult(nil)
	case "sign":
		return h.cmdSign(cmd.Args)
	case "foreground", "fg":
		return h.cmdForeground(cmd.Args)
	case "quit", "exit", "q":
		return &Result{Quit: true}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s. Type /help for available commands", cmd.Name)
	}
}

const helpText = `Available commands:

Conversations:
  /list, /ls [reload]           List conversations, most recent first
  /open, /o <index|id>          Open a conversation
  /dm <address|inbox_id>        Open a direct message
  /room <id> <id>... [-- name]  Create a room with two or more members
  /rename [name]                Rename the open conversation (empty restores the default)
  /block [id]                   Block a room
  /unblock [id]                 Unblock a room
  /add <address|inbox_id>       Add a member to the open room

Messages:
  /messages, /msg [limit]       Show messages of the open conversation
  /search, /find <text>         Search archived messages of all conversations
  /send <text>                  Send a message (plain lines are sent too)
  /file <path>                  Send a file

Calls and push-to-talk:
  /call [voice|video]           Call the peer of the open direct message
  /accept, /decline             Answer an incoming call
  /hangup                       End the call
  /talk, /over                  Take and release the floor in the open room
  /channel                      Show who is talking in the open room

Account:
  /status, /s                   Show identity and connection status
  /sign <text>                  Sign text with the wallet
  /fg on|off                    Mark the app as visible (suppresses notifications)
  /connect, /disconnect, /logout
  /pair-qr, /qr                 Link a WhatsApp device with a QR code
  /pair-phone <number>          Link a WhatsApp device with a pairing code

Other:
  /help, /h                     Show this help
  /quit, /exit, /q              Exit the CLI`

func (h *CommandHandler) cmdConnect(ctx context.Context) (*Result, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, err
	}
	if !p.IsLoggedIn() {
		return nil, fmt.Errorf("not logged in. Use /pair-qr or /pair-phone first")
	}
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Result{Message: "Connected to WhatsApp"}, nil
}

func (h *CommandHandler) cmdDisconnect() (*Result, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, err
	}
	p.Disconnect()
	return &Result{Message: "Disconnected from WhatsApp"}, nil
}

func (h *CommandHandler) cmdLogout(ctx context.Context) (*Result, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, err
	}
	if err := p.Logout(ctx); err != nil {
		return nil, fmt.Errorf("failed to logout: %w", err)
	}
	return &Result{Message: "Logged out from WhatsApp. Device pairing removed."}, nil
}

func (h *CommandHandler) cmdPairQR(ctx context.Context) (*Result, error) {
	events, err := h.GetQRCodeEvents(ctx)
	if err != nil {
		return nil, err
	}
	for info := range events {
		info := info
		if info.Error != "" {
			return nil, fmt.Errorf("pairing failed: %s", info.Error)
		}
		return &Result{Pairing: &info}, nil
	}
	return nil, fmt.Errorf("QR channel closed unexpectedly")
}

func (h *CommandHandler) cmdPairPhone(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /pair-phone <phone_number>")
	}
	p, err := h.app.Pairing()
	if err != nil {
		return nil, err
	}
	code, err := p.PairWithCode(ctx, args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing code: %w", err)
	}
	return &Result{Pairing: &PairingInfo{Code: code}}, nil
}

func (h *CommandHandler) cmdList(ctx context.Context, args []string) (*Result, error) {
	if len(args) > 0 && args[0] == "reload" {
		if err := h.app.Messenger.LoadConversations(ctx); err != nil {
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}
	}
	return &Result{Conversations: h.app.Messenger.Conversations()}, nil
}

func (h *CommandHandler) cmdOpen(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /open <index|id>")
	}
	var (
		conv *domain.Conversation
		err  error
	)
	if index, convErr := strconv.Atoi(args[0]); convErr == nil {
		conv, err = h.app.Messenger.SelectConversation(ctx, index)
	} else {
		conv, err = h.app.Messenger.SelectConversationByID(ctx, args[0])
	}
	return conversationResult(conv, err)
}

func (h *CommandHandler) cmdDM(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /dm <address|inbox_id>")
	}
	return conversationResult(h.app.Messenger.CreateDM(ctx, args[0]))
}

func (h *CommandHandler) cmdRoom(ctx context.Context, args []string) (*Result, error) {
	var members, name []string
	for i, arg := range args {
		if arg == "--" {
			name = args[i+1:]
			break
		}
		members = append(members, arg)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("usage: /room <id> <id>... [-- name]")
	}
	return conversationResult(h.app.Messenger.CreateRoom(ctx, members, strings.Join(name, " ")))
}

func (h *CommandHandler) cmdRename(ctx context.Context, args []string) (*Result, error) {
	cur := h.app.Messenger.Current()
	if cur == nil {
		return nil, fmt.Errorf("no conversation open. Use /open first")
	}
	name := strings.Join(args, " ")
	if err := h.app.Messenger.RenameConversation(ctx, cur.ID, name); err != nil {
		return nil, fmt.Errorf("failed to rename: %w", err)
	}
	if name == "" {
		return &Result{Message: "Name cleared"}, nil
	}
	return &Result{Message: fmt.Sprintf("Renamed to %s", name)}, nil
}

func (h *CommandHandler) cmdBlock(ctx context.Context, args []string, block bool) (*Result, error) {
	var id string
	if len(args) > 0 {
		id = args[0]
	} else if cur := h.app.Messenger.Current(); cur != nil {
		id = cur.ID
	} else {
		return nil, fmt.Errorf("usage: /block <id>")
	}

	if block {
		if err := h.app.Messenger.BlockRoom(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to block: %w", err)
		}
		return &Result{Message: fmt.Sprintf("Blocked %s", id)}, nil
	}
	if err := h.app.Messenger.UnblockRoom(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to unblock: %w", err)
	}
	return &Result{Message: fmt.Sprintf("Unblocked %s", id)}, nil
}

func (h *CommandHandler) cmdAdd(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /add <address|inbox_id>")
	}
	if err := h.app.Messenger.AddMember(ctx, args[0]); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	return &Result{Conversation: h.app.Messenger.Current(), Message: fmt.Sprintf("Added %s", args[0])}, nil
}

func (h *CommandHandler) cmdMessages(ctx context.Context, args []string) (*Result, error) {
	if h.app.Messenger.Current() == nil {
		return nil, fmt.Errorf("no conversation open. Use /open first")
	}
	limit := 50
	if len(args) > 0 {
		if l, err := strconv.Atoi(args[0]); err == nil && l > 0 {
			limit = l
		}
	}

	messages := h.app.Messenger.Messages()
	if messages == nil {
		messages = []*domain.Message{}
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return &Result{Messages: messages}, nil
}

func (h *CommandHandler) cmdSearch(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /search <text>")
	}
	found, err := h.app.SearchMessages(ctx, strings.Join(args, " "), app.DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if found == nil {
		found = []*domain.Message{}
	}
	return &Result{Found: found}, nil
}

func (h *CommandHandler) cmdSend(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /send <text>")
	}
	msg, err := h.app.Messenger.SendMessage(ctx, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &Result{Sent: msg}, nil
}

func (h *CommandHandler) cmdFile(ctx context.Context, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /file <path>")
	}
	path := strings.Join(args, " ")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	msg, err := h.app.Messenger.SendAttachment(ctx, filepath.Base(path), fileType, data)
	if err != nil {
		return nil, fmt.Errorf("failed to send file: %w", err)
	}
	return &Result{Sent: msg}, nil
}

func (h *CommandHandler) cmdCall(ctx context.Context, args []string) (*Result, error) {
	var media string
	if len(args) > 0 {
		media = args[0]
	}
	kind, ok := domain.ParseMediaKind(media)
	if !ok {
		return nil, fmt.Errorf("usage: /call [voice|video]")
	}
	return h.callResult(h.app.StartCall(ctx, kind))
}

func (h *CommandHandler) callResult(err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	st := h.app.Calls.State()
	return &Result{Call: &st}, nil
}

func (h *CommandHandler) broadcastResult(err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	st, err := h.app.BroadcastState()
	if err != nil {
		return nil, err
	}
	return &Result{Broadcast: &st}, nil
}

func (h *CommandHandler) cmdSign(args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /sign <text>")
	}
	text := strings.Join(args, " ")
	address, sig, err := h.app.SignMessage([]byte(text))
	if err != nil {
		return nil, err
	}
	return &Result{Signature: &Signature{Address: address, Message: text, Signature: hexutil.Encode(sig)}}, nil
}

func (h *CommandHandler) cmdForeground(args []string) (*Result, error) {
	if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
		return nil, fmt.Errorf("usage: /fg on|off")
	}
	h.app.Messenger.SetForeground(args[0] == "on")
	return &Result{Message: fmt.Sprintf("Foreground %s", args[0])}, nil
}

// conversationResult keeps a selected conversation whose history failed to
// load, reporting the failure as a warning.
func conversationResult(conv *domain.Conversation, err error) (*Result, error) {
	if conv == nil {
		if err == nil {
			err = fmt.Errorf("conversation not found")
		}
		return nil, err
	}
	r := &Result{Conversation: conv}
	if err != nil {
		r.Warning = fmt.Sprintf("history could not be loaded: %v", err)
	}
	return r, nil
}

// GetQRCodeEvents returns a channel of QR code events for streaming
func (h *CommandHandler) GetQRCodeEvents(ctx context.Context) (<-chan PairingInfo, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, err
	}
	qrChan, err := p.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get QR channel: %w", err)
	}

	// whatsmeow only emits codes once the socket is open.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := p.Connect(context.Background()); err != nil {
			h.app.Bus.Publish(domain.ConnectionStatusEvent{Connected: false, Reason: err.Error(), EventTime: time.Now()})
		}
	}()

	resultChan := make(chan PairingInfo)
	go func() {
		defer close(resultChan)
		for item := range qrChan {
			var info PairingInfo
			switch item.Event {
			case "code":
				info = PairingInfo{QRCode: item.Code}
			case "success":
				info = PairingInfo{Success: true}
			case "timeout":
				info = PairingInfo{Error: "QR code timeout"}
			default:
				if item.Error == nil {
					continue
				}
				info = PairingInfo{Error: item.Error.Error()}
			}
			select {
			case resultChan <- info:
			case <-ctx.Done():
				return
			}
			if info.Success || info.Error != "" {
				return
			}
		}
	}()

	return resultChan, nil
}

// SubscribeEvents subscribes to bus events. The returned cancel func ends
// the subscription and closes the channel.
func (h *CommandHandler) SubscribeEvents(eventTypes []domain.EventType) (<-chan domain.Event, func()) {
	if len(eventTypes) == 0 {
		eventTypes = app.AllEventTypes
	}
	ch := h.app.Bus.Subscribe(eventTypes)
	return ch, func() { h.app.Bus.Unsubscribe(ch) }
}
