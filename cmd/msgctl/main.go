package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	grpcTransport "github.com/clippy-oss/homie/web3-messenger/internal/transport/grpc"
)

type contextKey int

const contextKeyClient contextKey = iota

func getClient(ctx *cli.Context) *grpcTransport.Client {
	return ctx.Context.Value(contextKeyClient).(*grpcTransport.Client)
}

func connect(ctx *cli.Context) error {
	client, err := grpcTransport.Dial(ctx.String("address"))
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", ctx.String("address"), err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, client)
	return nil
}

func disconnect(ctx *cli.Context) error {
	if client, ok := ctx.Context.Value(contextKeyClient).(*grpcTransport.Client); ok {
		return client.Close()
	}
	return nil
}

// call invokes method and prints the reply as indented JSON.
func call(ctx *cli.Context, method string, req map[string]interface{}) error {
	out, err := getClient(ctx).Call(ctx.Context, method, req)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func jsonLine(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	return string(data), err
}

func main() {
	app := &cli.App{
		Name:    "msgctl",
		Usage:   "Control a running web3 messenger over gRPC",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Usage:   "gRPC address of the messenger",
				Value:   "127.0.0.1:50051",
				EnvVars: []string{"MSG_GRPC_ADDRESS"},
			},
		},
		Before: connect,
		After:  disconnect,
		Commands: []*cli.Command{
			statusCommand,
			conversationsCommand,
			openCommand,
			dmCommand,
			roomCommand,
			renameCommand,
			blockCommand,
			unblockCommand,
			addCommand,
			messagesCommand,
			searchCommand,
			sendCommand,
			attachCommand,
			callCommand,
			broadcastCommand,
			eventsCommand,
			pairCommand,
			connectCommand,
			disconnectCommand,
			logoutCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
