package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// HeadlessCLI handles JSON-based headless operation: one request per input
// line, one response or event per output line.
type HeadlessCLI struct {
	handler *CommandHandler
	app     *app.App
	reader  *bufio.Reader
	writer  io.Writer
	mu      sync.Mutex
}

// NewHeadlessCLI creates a new headless CLI
func NewHeadlessCLI(a *app.App, in io.Reader, out io.Writer) *HeadlessCLI {
	return &HeadlessCLI{
		handler: NewCommandHandler(a),
		app:     a,
		reader:  bufio.NewReader(in),
		writer:  out,
	}
}

// Run starts the headless JSON processing loop
func (cli *HeadlessCLI) Run(ctx context.Context) error {
	events, unsubscribe := cli.handler.SubscribeEvents(nil)
	defer unsubscribe()
	go cli.streamEvents(events)

	cli.sendResponse(Response{
		Success: true,
		Data:    map[string]string{"status": "ready", "mode": "headless"},
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := cli.reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if quit := cli.processRequest(ctx, line); quit {
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

func (cli *HeadlessCLI) processRequest(ctx context.Context, line string) bool {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		cli.sendError("", fmt.Sprintf("invalid JSON: %v", err))
		return false
	}

	if req.Command == "" {
		cli.sendError(req.ID, "missing command field")
		return false
	}

	switch req.Command {
	case "pair-qr", "qr":
		cli.handleQRPairingStream(ctx, req.ID)
		return false
	case "subscribe":
		// Events are streamed from startup.
		cli.sendResponse(Response{
			ID:      req.ID,
			Success: true,
			Data:    map[string]string{"message": "subscribed to events"},
		})
		return false
	case "quit", "exit":
		cli.sendResponse(Response{
			ID:      req.ID,
			Success: true,
			Data:    map[string]string{"message": "goodbye"},
		})
		return true
	}

	cmd := &Command{Name: req.Command, Args: paramsToArgs(req.Command, req.Params)}
	result, err := cli.handler.Execute(ctx, cmd)
	if err != nil {
		cli.sendError(req.ID, err.Error())
		return false
	}

	cli.sendResponse(Response{
		ID:      req.ID,
		Success: true,
		Data:    cli.view(result),
	})
	return false
}

func paramsToArgs(command string, params map[string]interface{}) []string {
	if params == nil {
		return nil
	}

	var args []string
	str := func(key string) {
		if v, ok := params[key].(string); ok && v != "" {
			args = append(args, v)
		}
	}
	num := func(key string) {
		if v, ok := params[key].(float64); ok {
			args = append(args, fmt.Sprintf("%d", int(v)))
		}
	}

	switch command {
	case "pair-phone", "phone":
		str("phone")
	case "list", "ls":
		if reload, ok := params["reload"].(bool); ok && reload {
			args = append(args, "reload")
		}
	case "open", "o":
		str("id")
		num("index")
	case "dm", "add":
		str("identifier")
	case "room":
		if ids, ok := params["identifiers"].([]interface{}); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					args = append(args, s)
				}
			}
		}
		if name, ok := params["name"].(string); ok && name != "" {
			args = append(args, "--", name)
		}
	case "rename":
		str("name")
	case "block", "unblock":
		str("id")
	case "messages", "msg":
		num("limit")
	case "send", "sign":
		str("text")
	case "search", "find":
		str("query")
	case "file":
		str("path")
	case "call":
		str("media")
	case "foreground", "fg":
		if fg, ok := params["foreground"].(bool); ok {
			if fg {
				args = append(args, "on")
			} else {
				args = append(args, "off")
			}
		}
	}

	return args
}

// view renders a command result with the shared JSON views.
func (cli *HeadlessCLI) view(r *Result) interface{} {
	switch {
	case r.Help != "":
		return map[string]string{"help": r.Help}
	case r.Status != nil:
		return cli.app.StatusView()
	case r.Conversations != nil:
		return map[string]interface{}{
			"conversations": cli.app.ConversationsView(r.Conversations),
			"count":         len(r.Conversations),
		}
	case r.Conversation != nil:
		out := map[string]interface{}{"conversation": cli.app.ConversationView(r.Conversation)}
		if r.Warning != "" {
			out["warning"] = r.Warning
		}
		return out
	case r.Found != nil:
		return map[string]interface{}{
			"results": cli.app.MessagesView(r.Found),
			"count":   len(r.Found),
		}
	case r.Messages != nil:
		return map[string]interface{}{
			"messages": cli.app.MessagesView(r.Messages),
			"count":    len(r.Messages),
		}
	case r.Sent != nil:
		return map[string]interface{}{"message": cli.app.MessageView(r.Sent)}
	case r.Call != nil:
		return app.CallStateView(*r.Call)
	case r.Broadcast != nil:
		return app.BroadcastStateView(*r.Broadcast)
	case r.Pairing != nil:
		return r.Pairing
	case r.Signature != nil:
		return r.Signature
	}
	return map[string]string{"message": r.Message}
}

func (cli *HeadlessCLI) handleQRPairingStream(ctx context.Context, reqID string) {
	qrChan, err := cli.handler.GetQRCodeEvents(ctx)
	if err != nil {
		cli.sendError(reqID, err.Error())
		return
	}

	for info := range qrChan {
		if info.Error != "" {
			cli.sendError(reqID, info.Error)
			return
		}
		if info.Success {
			cli.sendResponse(Response{
				ID:      reqID,
				Success: true,
				Data: map[string]interface{}{
					"event":   "pairing_success",
					"success": true,
				},
			})
			return
		}
		if info.QRCode != "" {
			cli.sendResponse(Response{
				ID:      reqID,
				Success: true,
				Data: map[string]interface{}{
					"event":   "qr_code",
					"qr_code": info.QRCode,
				},
			})
		}
	}
}

func (cli *HeadlessCLI) streamEvents(events <-chan domain.Event) {
	for evt := range events {
		view := cli.app.EventView(evt)
		data, _ := view["data"].(map[string]interface{})
		cli.sendEvent(Event{
			Type:      string(evt.Type()),
			Timestamp: evt.Timestamp(),
			Data:      data,
		})
	}
}

func (cli *HeadlessCLI) sendResponse(resp Response) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	data, _ := json.Marshal(resp)
	fmt.Fprintln(cli.writer, string(data))
}

func (cli *HeadlessCLI) sendError(id, message string) {
	cli.sendResponse(Response{
		ID:      id,
		Success: false,
		Error:   message,
	})
}

func (cli *HeadlessCLI) sendEvent(event Event) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, _ := json.Marshal(map[string]interface{}{
		"type":      "event",
		"event":     event.Type,
		"timestamp": ts,
		"data":      event.Data,
	})
	fmt.Fprintln(cli.writer, string(data))
}
