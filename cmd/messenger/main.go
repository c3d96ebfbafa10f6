package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"gorm.io/gorm"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/cli"
	"github.com/clippy-oss/homie/web3-messenger/internal/config"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/logger"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/memory"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging/whatsapp"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
	"github.com/clippy-oss/homie/web3-messenger/internal/service"
	grpcTransport "github.com/clippy-oss/homie/web3-messenger/internal/transport/grpc"
	mcpTransport "github.com/clippy-oss/homie/web3-messenger/internal/transport/mcp"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

// RunMode defines how the application runs
type RunMode string

const (
	RunModeServer      RunMode = "server"
	RunModeInteractive RunMode = "interactive"
	RunModeHeadless    RunMode = "headless"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// CLI modes own stdout.
	if RunMode(cfg.Mode) == RunModeServer {
		logger.Init(cfg.LogLevel)
	} else {
		logger.InitWriter(cfg.LogLevel, os.Stderr)
	}
	log := logger.Module("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Messenger stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	cache := identity.NewCache(repository.NewIdentityRepository(db), logger.Module("identity"))
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("failed to load identity cache: %w", err)
	}

	w, err := wallet.LoadOrCreate(cfg.WalletKeyPath, cfg.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}
	log.Info().Str("address", w.Address().Hex()).Uint64("chain_id", w.ChainID()).Msg("Wallet loaded")

	bus := domain.NewEventBus()

	var (
		client  messaging.Client
		pairing app.Pairing
	)
	switch cfg.Backend {
	case "whatsapp":
		wa, err := openWhatsApp(ctx, cfg, db, bus)
		if err != nil {
			return err
		}
		client, pairing = wa, wa
	default:
		client, err = openMemory(ctx, cfg, w)
		if err != nil {
			return err
		}
	}

	engine, err := rtc.NewPionEngine(cfg.STUNServers, logger.Module("rtc"))
	if err != nil {
		return fmt.Errorf("failed to initialize media engine: %w", err)
	}

	a := app.New(app.Options{
		Backend:               cfg.Backend,
		Client:                client,
		Cache:                 cache,
		Bus:                   bus,
		Engine:                engine,
		Wallet:                w,
		Pairing:               pairing,
		Archive:               repository.NewMessageRepository(db),
		// The whatsapp backend mirrors every message itself.
		RecordArchive:         cfg.Backend != "whatsapp",
		StaleOfferWindow:      cfg.StaleOfferWindow,
		BroadcastRetryDelay:   cfg.BroadcastRetryDelay,
		MemberRefreshInterval: cfg.MemberRefreshInterval,
	}, logger.Module("app"))
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	appErr := make(chan error, 1)
	go func() { appErr <- a.Run(ctx) }()

	if pairing != nil && pairing.IsLoggedIn() {
		go func() {
			if err := pairing.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("Auto-connect failed")
			} else {
				log.Info().Msg("Auto-connected to WhatsApp")
			}
		}()
	}

	switch RunMode(cfg.Mode) {
	case RunModeInteractive:
		return runCLI(ctx, cancel, appErr, cli.NewInteractiveCLI(a, os.Stdin, os.Stdout))
	case RunModeHeadless:
		return runCLI(ctx, cancel, appErr, cli.NewHeadlessCLI(a, os.Stdin, os.Stdout))
	default:
		return runServer(ctx, cfg, a, appErr, log)
	}
}

type runner interface {
	Run(ctx context.Context) error
}

func runCLI(ctx context.Context, cancel context.CancelFunc, appErr <-chan error, r runner) error {
	cliErr := make(chan error, 1)
	go func() { cliErr <- r.Run(ctx) }()

	select {
	case err := <-cliErr:
		cancel()
		<-appErr
		return err
	case err := <-appErr:
		return err
	}
}

func runServer(ctx context.Context, cfg *config.Config, a *app.App, appErr <-chan error, log zerolog.Logger) error {
	log.Info().
		Str("backend", cfg.Backend).
		Str("database", cfg.DatabasePath).
		Str("grpc_address", cfg.GRPCAddress).
		Str("mcp_address", cfg.MCPAddress).
		Msg("Web3 messenger starting")

	grpcServer := grpcTransport.NewServer(a, grpcTransport.ServerConfig{Address: cfg.GRPCAddress}, logger.Module("grpc"))
	mcpServer := mcpTransport.NewServer(a, mcpTransport.ServerConfig{Address: cfg.MCPAddress}, logger.Module("mcp"))

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		if err := mcpServer.Start(); err != nil {
			errCh <- fmt.Errorf("MCP server error: %w", err)
		}
	}()

	// Print ready message for subprocess coordination
	fmt.Println("ready")

	var runErr error
	select {
	case runErr = <-errCh:
	case runErr = <-appErr:
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.Stop()
	if err := mcpServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("MCP server stop error")
	}
	log.Info().Msg("Shutdown complete")
	return runErr
}

// openMemory joins an in-process network as the wallet's identity, together
// with one echo bot per configured demo peer.
func openMemory(ctx context.Context, cfg *config.Config, w *wallet.LocalWallet) (messaging.Client, error) {
	net, err := startDemoNetwork(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return service.ConnectClient(ctx, func(ctx context.Context) (messaging.Client, error) {
		return net.Connect(ctx, w)
	}, service.DefaultConnectDelays, logger.Module("memory"))
}

// startDemoNetwork creates the in-process network and runs an echo bot for
// every demo peer until ctx is done.
func startDemoNetwork(ctx context.Context, cfg *config.Config) (*memory.Network, error) {
	net := memory.NewNetwork()
	log := logger.Module("memory")

	for _, name := range cfg.DemoPeers {
		peerWallet, err := wallet.Generate(cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to create demo peer %s: %w", name, err)
		}
		bot := memory.NewEchoBot(net.Register(name, peerWallet.Address().Hex()), log.With().Str("peer", name).Logger())
		go func() {
			if err := bot.Run(ctx); err != nil {
				log.Warn().Err(err).Str("peer", bot.InboxID()).Msg("Demo peer stopped")
			}
		}()
		log.Info().Str("inbox_id", name).Str("address", peerWallet.Address().Hex()).Msg("Demo peer online")
	}
	return net, nil
}

func openWhatsApp(ctx context.Context, cfg *config.Config, db *gorm.DB, bus domain.EventBus) (*whatsapp.Client, error) {
	device, err := initDeviceStore(ctx, cfg.DeviceStore)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device store: %w", err)
	}
	if device.ID == nil {
		log := logger.Module("main")
		log.Info().Msg("No device registered. Pair with /pair-qr or the GetPairingQR RPC.")
	}
	return whatsapp.NewClient(
		device,
		bus,
		repository.NewChatRepository(db),
		repository.NewMessageRepository(db),
		logger.Module("whatsapp"),
		logger.NewWALogger("whatsmeow"),
	), nil
}

func initDeviceStore(ctx context.Context, path string) (*store.Device, error) {
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+path+"?_foreign_keys=on", logger.NewWALogger("sqlstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlstore container: %w", err)
	}
	return container.GetFirstDevice(ctx)
}
