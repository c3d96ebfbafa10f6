package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show identity, wallet and connection status",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "GetStatus", nil)
	},
}

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "List conversations, most recent first",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "reload", Usage: "Sync with the network first"},
	},
	Action: func(ctx *cli.Context) error {
		return call(ctx, "ListConversations", map[string]interface{}{"reload": ctx.Bool("reload")})
	},
}

var openCommand = &cli.Command{
	Name:      "open",
	Usage:     "Select a conversation by list index or id",
	ArgsUsage: "INDEX|ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a conversation")
		}
		arg := ctx.Args().Get(0)
		if index, err := strconv.Atoi(arg); err == nil {
			return call(ctx, "SelectConversation", map[string]interface{}{"index": index})
		}
		return call(ctx, "SelectConversation", map[string]interface{}{"id": arg})
	},
}

var dmCommand = &cli.Command{
	Name:      "dm",
	Usage:     "Open a direct message with a wallet address or inbox id",
	ArgsUsage: "ADDRESS|INBOX_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify who to message")
		}
		return call(ctx, "CreateDM", map[string]interface{}{"identifier": ctx.Args().Get(0)})
	},
}

var roomCommand = &cli.Command{
	Name:      "room",
	Usage:     "Create a room with two or more members",
	ArgsUsage: "MEMBER MEMBER...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "Room name"},
	},
	Action: func(ctx *cli.Context) error {
		members := ctx.Args().Slice()
		if len(members) < 2 {
			return fmt.Errorf("a room needs at least two members")
		}
		ids := make([]interface{}, len(members))
		for i, m := range members {
			ids[i] = m
		}
		return call(ctx, "CreateRoom", map[string]interface{}{"identifiers": ids, "name": ctx.String("name")})
	},
}

var renameCommand = &cli.Command{
	Name:      "rename",
	Usage:     "Rename a conversation; an empty name restores the default",
	ArgsUsage: "[NAME]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "Conversation id (default: selected)"},
	},
	Action: func(ctx *cli.Context) error {
		return call(ctx, "RenameConversation", map[string]interface{}{
			"id":   ctx.String("id"),
			"name": strings.Join(ctx.Args().Slice(), " "),
		})
	},
}

var blockCommand = &cli.Command{
	Name:      "block",
	Usage:     "Block a room",
	ArgsUsage: "[ID]",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "BlockRoom", map[string]interface{}{"id": ctx.Args().Get(0)})
	},
}

var unblockCommand = &cli.Command{
	Name:      "unblock",
	Usage:     "Unblock a room",
	ArgsUsage: "[ID]",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "UnblockRoom", map[string]interface{}{"id": ctx.Args().Get(0)})
	},
}

var addCommand = &cli.Command{
	Name:      "add",
	Usage:     "Add a member to the selected room",
	ArgsUsage: "ADDRESS|INBOX_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify who to add")
		}
		return call(ctx, "AddMember", map[string]interface{}{"identifier": ctx.Args().Get(0)})
	},
}

var messagesCommand = &cli.Command{
	Name:  "messages",
	Usage: "Show messages of the selected conversation",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "reload", Usage: "Sync history with the network first"},
		&cli.IntFlag{Name: "limit", Usage: "Most recent messages to show", Value: 50},
	},
	Action: func(ctx *cli.Context) error {
		return call(ctx, "GetMessages", map[string]interface{}{
			"reload": ctx.Bool("reload"),
			"limit":  ctx.Int("limit"),
		})
	},
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search archived messages of all conversations",
	ArgsUsage: "TEXT...",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "Maximum number of results", Value: 20},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify the text")
		}
		return call(ctx, "SearchMessages", map[string]interface{}{
			"query": strings.Join(ctx.Args().Slice(), " "),
			"limit": ctx.Int("limit"),
		})
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send text to the selected conversation",
	ArgsUsage: "TEXT...",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify the text")
		}
		return call(ctx, "SendMessage", map[string]interface{}{"text": strings.Join(ctx.Args().Slice(), " ")})
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "Send a file to the selected conversation",
	ArgsUsage: "PATH",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a file")
		}
		path := ctx.Args().Get(0)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		fileType := mime.TypeByExtension(filepath.Ext(path))
		if fileType == "" {
			fileType = "application/octet-stream"
		}
		return call(ctx, "SendAttachment", map[string]interface{}{
			"file_name": filepath.Base(path),
			"file_type": fileType,
			"data":      base64.StdEncoding.EncodeToString(data),
		})
	},
}

var callCommand = &cli.Command{
	Name:  "call",
	Usage: "Voice and video calls on the selected direct message",
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "Call the peer",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "media", Usage: "voice or video", Value: "voice"},
			},
			Action: func(ctx *cli.Context) error {
				return call(ctx, "StartCall", map[string]interface{}{"media": ctx.String("media")})
			},
		},
		{
			Name:   "accept",
			Usage:  "Accept the incoming call",
			Action: func(ctx *cli.Context) error { return call(ctx, "AcceptCall", nil) },
		},
		{
			Name:   "decline",
			Usage:  "Decline the incoming call",
			Action: func(ctx *cli.Context) error { return call(ctx, "DeclineCall", nil) },
		},
		{
			Name:   "end",
			Usage:  "Hang up",
			Action: func(ctx *cli.Context) error { return call(ctx, "EndCall", nil) },
		},
		{
			Name:   "state",
			Usage:  "Show the call state",
			Action: func(ctx *cli.Context) error { return call(ctx, "GetCallState", nil) },
		},
	},
}

var broadcastCommand = &cli.Command{
	Name:  "broadcast",
	Usage: "Push-to-talk in the selected room",
	Subcommands: []*cli.Command{
		{
			Name:   "start",
			Usage:  "Take the floor",
			Action: func(ctx *cli.Context) error { return call(ctx, "StartBroadcast", nil) },
		},
		{
			Name:   "stop",
			Usage:  "Release the floor",
			Action: func(ctx *cli.Context) error { return call(ctx, "StopBroadcast", nil) },
		},
		{
			Name:   "state",
			Usage:  "Show who holds the floor",
			Action: func(ctx *cli.Context) error { return call(ctx, "GetBroadcastState", nil) },
		},
	},
}

var eventsCommand = &cli.Command{
	Name:  "events",
	Usage: "Stream events as JSON lines until interrupted",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "type", Usage: "Event types to receive (default: all)"},
	},
	Action: func(ctx *cli.Context) error {
		types := ctx.StringSlice("type")
		req := map[string]interface{}{}
		if len(types) > 0 {
			list := make([]interface{}, len(types))
			for i, t := range types {
				list[i] = t
			}
			req["event_types"] = list
		}
		stream, err := getClient(ctx).Stream(ctx.Context, "StreamEvents", req)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			data, err := jsonLine(evt)
			if err != nil {
				return err
			}
			fmt.Println(data)
		}
	},
}

var pairCommand = &cli.Command{
	Name:  "pair",
	Usage: "Link a WhatsApp device",
	Subcommands: []*cli.Command{
		{
			Name:   "qr",
			Usage:  "Show QR codes until one is scanned",
			Action: cmdPairQR,
		},
		{
			Name:      "phone",
			Usage:     "Get a pairing code for a phone number",
			ArgsUsage: "PHONE_NUMBER",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() == 0 {
					return fmt.Errorf("you must specify a phone number")
				}
				return call(ctx, "PairWithCode", map[string]interface{}{"phone_number": ctx.Args().Get(0)})
			},
		},
	},
}

func cmdPairQR(ctx *cli.Context) error {
	stream, err := getClient(ctx).Stream(ctx.Context, "GetPairingQR", nil)
	if err != nil {
		return err
	}
	fmt.Println("Scan this QR code with your WhatsApp app (Settings > Linked Devices > Link a Device)")
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("pairing stream closed")
		}
		if err != nil {
			return err
		}
		switch evt["event"] {
		case "code":
			code, _ := evt["code"].(string)
			qr, err := qrcode.New(code, qrcode.Medium)
			if err != nil {
				fmt.Printf("QR Code data: %s\n", code)
			} else {
				fmt.Println(qr.ToSmallString(false))
			}
		case "success":
			fmt.Println("Pairing successful!")
			return nil
		case "timeout":
			return fmt.Errorf("QR code timeout")
		default:
			if msg, ok := evt["error"].(string); ok && msg != "" {
				return fmt.Errorf("pairing error: %s", msg)
			}
		}
	}
}

var connectCommand = &cli.Command{
	Name:   "connect",
	Usage:  "Connect the linked WhatsApp device",
	Action: func(ctx *cli.Context) error { return call(ctx, "Connect", nil) },
}

var disconnectCommand = &cli.Command{
	Name:   "disconnect",
	Usage:  "Disconnect the linked WhatsApp device",
	Action: func(ctx *cli.Context) error { return call(ctx, "Disconnect", nil) },
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Remove the WhatsApp device pairing",
	Action: func(ctx *cli.Context) error { return call(ctx, "Logout", nil) },
}
