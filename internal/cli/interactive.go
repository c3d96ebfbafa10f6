package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/skip2/go-qrcode"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// InteractiveCLI handles interactive command-line interface
type InteractiveCLI struct {
	handler *CommandHandler
	app     *app.App
	reader  *bufio.Reader
	writer  io.Writer
	mu      sync.Mutex
}

// NewInteractiveCLI creates a new interactive CLI reading commands from in.
func NewInteractiveCLI(a *app.App, in io.Reader, out io.Writer) *InteractiveCLI {
	return &InteractiveCLI{
		handler: NewCommandHandler(a),
		app:     a,
		reader:  bufio.NewReader(in),
		writer:  out,
	}
}

// Run starts the interactive CLI loop
func (cli *InteractiveCLI) Run(ctx context.Context) error {
	cli.printWelcome()

	events, unsubscribe := cli.handler.SubscribeEvents([]domain.EventType{
		domain.EventTypeMessageReceived,
		domain.EventTypeNotification,
		domain.EventTypeIncomingCall,
		domain.EventTypeCallState,
		domain.EventTypeBroadcastState,
		domain.EventTypeConnectionStatus,
	})
	defer unsubscribe()
	go cli.handleEvents(events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cli.print("\n> ")
		line, err := cli.reader.ReadString('\n')
		if line != "" {
			if quit := cli.processLine(ctx, line); quit {
				cli.println("Goodbye!")
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (cli *InteractiveCLI) processLine(ctx context.Context, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		return false
	}

	if cmd.Name == "pair-qr" || cmd.Name == "qr" {
		if err := cli.handleQRPairing(ctx); err != nil {
			cli.printf("Error: %s\n", err)
		}
		return false
	}

	result, err := cli.handler.Execute(ctx, cmd)
	if err != nil {
		cli.printf("Error: %s\n", err)
		return false
	}
	if result.Quit {
		return true
	}
	cli.displayResult(result)
	return false
}

func (cli *InteractiveCLI) printWelcome() {
	cli.println("===========================================")
	cli.println("  Web3 Messenger CLI")
	cli.println("===========================================")
	cli.println("Type /help for available commands")
	cli.println("")

	st := cli.app.Status()
	cli.printf("Inbox: %s\n", st.InboxID)
	if st.Address != "" {
		cli.printf("Wallet: %s\n", st.Address)
	}
}

func (cli *InteractiveCLI) handleQRPairing(ctx context.Context) error {
	qrChan, err := cli.handler.GetQRCodeEvents(ctx)
	if err != nil {
		return err
	}

	cli.println("Generating QR code for pairing...")
	cli.println("Scan this QR code with your WhatsApp app (Settings > Linked Devices > Link a Device)")
	cli.println("")

	for info := range qrChan {
		if info.Error != "" {
			return errors.New(info.Error)
		}
		if info.Success {
			cli.println("\nPairing successful! You are now connected.")
			return nil
		}
		if info.QRCode != "" {
			qr, err := qrcode.New(info.QRCode, qrcode.Medium)
			if err != nil {
				cli.printf("QR Code data: %s\n", info.QRCode)
			} else {
				cli.println(qr.ToSmallString(false))
			}
			cli.println("Waiting for scan... (QR code will refresh)")
		}
	}
	return nil
}

func (cli *InteractiveCLI) displayResult(r *Result) {
	switch {
	case r.Help != "":
		cli.println(r.Help)

	case r.Status != nil:
		s := r.Status
		cli.printf("Backend: %s\n", s.Backend)
		cli.printf("  Inbox ID: %s\n", s.InboxID)
		if s.Address != "" {
			cli.printf("  Wallet: %s (chain %d)\n", s.Address, s.ChainID)
		}
		cli.printf("  Connected: %v\n", s.Connected)
		cli.printf("  Logged In: %v\n", s.LoggedIn)
		cli.printf("  Conversations: %d\n", s.Conversations)
		if s.Current != nil {
			cli.printf("  Open: %s\n", s.Current.DisplayName)
		}
		cli.printf("  Call: %s\n", s.Call.Phase)

	case r.Conversations != nil:
		cli.displayConversations(r.Conversations)

	case r.Conversation != nil:
		c := r.Conversation
		if r.Message != "" {
			cli.println(r.Message)
		}
		cli.printf("Opened %s (%s, %d members)\n", c.DisplayName, c.Kind, len(c.MemberIdentifiers))
		if c.Blocked {
			cli.println("  This room is blocked. /unblock to see its messages.")
		}
		if r.Warning != "" {
			cli.printf("  Warning: %s\n", r.Warning)
		}
		if msgs := cli.app.Messenger.Messages(); len(msgs) > 0 {
			cli.println("")
			cli.displayMessages(tail(msgs, 20))
		}

	case r.Found != nil:
		if len(r.Found) == 0 {
			cli.println("No messages found")
			return
		}
		cli.printf("Found %d message(s):\n", len(r.Found))
		for _, msg := range r.Found {
			cli.printf("  %s ", cli.conversationLabel(msg.ConversationID))
			cli.displayMessages([]*domain.Message{msg})
		}

	case r.Messages != nil:
		if len(r.Messages) == 0 {
			cli.println("No messages yet")
			return
		}
		cli.displayMessages(r.Messages)

	case r.Sent != nil:
		cli.printf("Sent at %s\n", r.Sent.SentAt().Format("15:04:05"))

	case r.Call != nil:
		cli.displayCall(*r.Call)

	case r.Broadcast != nil:
		cli.displayBroadcast(*r.Broadcast)

	case r.Pairing != nil:
		if r.Pairing.Code != "" {
			cli.println("Pairing code generated!")
			cli.printf("Enter this code in WhatsApp: %s\n", r.Pairing.Code)
			cli.println("Go to WhatsApp > Settings > Linked Devices > Link a Device > Link with phone number")
		}

	case r.Signature != nil:
		data, _ := json.MarshalIndent(r.Signature, "", "  ")
		cli.println(string(data))

	case r.Message != "":
		cli.println(r.Message)
	}
}

func (cli *InteractiveCLI) displayConversations(convs []*domain.Conversation) {
	if len(convs) == 0 {
		cli.println("No conversations yet. Start one with /dm <address>")
		return
	}
	current := cli.app.Messenger.Current()
	cli.printf("Found %d conversation(s):\n\n", len(convs))
	for i, c := range convs {
		marker := "  "
		if current != nil && current.ID == c.ID {
			marker = "* "
		}
		blocked := ""
		if c.Blocked {
			blocked = " [blocked]"
		}
		cli.printf("%s%d. %s (%s)%s\n", marker, i, c.DisplayName, c.Kind, blocked)
		if !c.LastActivity.IsZero() {
			cli.printf("     Last activity: %s\n", c.LastActivity.Format("2006-01-02 15:04"))
		}
	}
}

func (cli *InteractiveCLI) displayMessages(msgs []*domain.Message) {
	self := cli.app.Messenger.SelfID()
	for _, msg := range msgs {
		sender := "Me"
		if msg.SenderIdentifier != self {
			sender = cli.app.Messenger.Cache().SenderLabel(msg.SenderIdentifier)
		}
		cli.printf("[%s] %s: %s\n", msg.SentAt().Format("2006-01-02 15:04"), sender, domain.Preview(domain.ParseContent(msg.Content)))
	}
}

func (cli *InteractiveCLI) conversationLabel(id string) string {
	for _, conv := range cli.app.Messenger.Conversations() {
		if conv.ID == id {
			return conv.DisplayName
		}
	}
	return id
}

func (cli *InteractiveCLI) displayCall(st domain.CallState) {
	switch st.Phase {
	case domain.CallPhaseIdle:
		cli.println("No call")
	case domain.CallPhaseCalling:
		cli.printf("Calling %s (%s)...\n", cli.app.Messenger.Cache().SenderLabel(st.PeerIdentifier), st.MediaKind)
	case domain.CallPhaseRinging:
		cli.printf("%s is calling (%s). /accept or /decline\n", cli.app.Messenger.Cache().SenderLabel(st.PeerIdentifier), st.MediaKind)
	case domain.CallPhaseConnected:
		cli.printf("In a %s call with %s. /hangup to end\n", st.MediaKind, cli.app.Messenger.Cache().SenderLabel(st.PeerIdentifier))
	}
}

func (cli *InteractiveCLI) displayBroadcast(st domain.BroadcastState) {
	switch {
	case st.Broadcasting:
		cli.printf("You have the floor (%d listener(s)). /over to release\n", len(st.Peers))
	case st.ActiveBroadcaster != "":
		cli.printf("%s is talking\n", cli.app.Messenger.Cache().SenderLabel(st.ActiveBroadcaster))
	default:
		cli.println("Channel is free. /talk to take the floor")
	}
}

func (cli *InteractiveCLI) handleEvents(events <-chan domain.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case domain.MessageReceivedEvent:
			if e.Message.SenderIdentifier == cli.app.Messenger.SelfID() {
				continue
			}
			cli.printf("\n%s: %s\n", cli.app.Messenger.Cache().SenderLabel(e.Message.SenderIdentifier), domain.Preview(domain.ParseContent(e.Message.Content)))
		case domain.NotificationEvent:
			cli.printf("\n[%s] %s\n", e.Title, e.Body)
		case domain.IncomingCallEvent:
			cli.printf("\n[Incoming %s call from %s] /accept or /decline\n", e.MediaKind, cli.app.Messenger.Cache().SenderLabel(e.From))
		case domain.CallStateEvent:
			if e.State.Phase == domain.CallPhaseIdle && e.Reason != "" {
				cli.printf("\n[Call ended: %s]\n", e.Reason)
			} else if e.State.Phase == domain.CallPhaseConnected {
				cli.println("\n[Call connected]")
			} else {
				continue
			}
		case domain.BroadcastStateEvent:
			if e.State.Broadcasting || e.State.ActiveBroadcaster == "" {
				continue
			}
			cli.printf("\n[%s is talking]\n", cli.app.Messenger.Cache().SenderLabel(e.State.ActiveBroadcaster))
		case domain.ConnectionStatusEvent:
			if e.Connected {
				cli.println("\n[Connected]")
			} else {
				cli.printf("\n[Disconnected: %s]\n", e.Reason)
			}
		default:
			continue
		}
		cli.print("> ")
	}
}

func tail(msgs []*domain.Message, n int) []*domain.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func (cli *InteractiveCLI) print(s string) {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	fmt.Fprint(cli.writer, s)
}

func (cli *InteractiveCLI) println(s string) {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	fmt.Fprintln(cli.writer, s)
}

func (cli *InteractiveCLI) printf(format string, args ...interface{}) {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	fmt.Fprintf(cli.writer, format, args...)
}
