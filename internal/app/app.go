// Package app assembles the messenger, call and broadcast services into the
// single set of operations exposed by every front-end.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"golang.org/x/sync/errgroup"

	"github.com/clippy-oss/homie/web3-messenger/internal/broadcast"
	"github.com/clippy-oss/homie/web3-messenger/internal/call"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/identity"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/rtc"
	"github.com/clippy-oss/homie/web3-messenger/internal/service"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

var (
	ErrNotDM   = errors.New("calls need a direct message conversation")
	ErrNotRoom = errors.New("broadcasts need a room")
	// ErrNoPairing is returned by pairing operations on backends that link no device.
	ErrNoPairing = errors.New("backend does not support device pairing")
)

// Pairing is the device lifecycle of backends that link to an existing account.
type Pairing interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	IsLoggedIn() bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairWithCode(ctx context.Context, phoneNumber string) (string, error)
}

type Wallet interface {
	wallet.Signer
	ChainID() uint64
	Subscribe() <-chan wallet.Change
}

type Options struct {
	Backend string
	Client  messaging.Client
	Cache   *identity.Cache
	Bus     domain.EventBus
	Engine  rtc.Engine
	Wallet  Wallet
	// Pairing is nil for backends without a linked device.
	Pairing Pairing
	// Archive backs SearchMessages. With RecordArchive set, messages shown in
	// the message view are written to it; otherwise the backend fills it.
	Archive       repository.MessageRepository
	RecordArchive bool

	StaleOfferWindow      time.Duration
	BroadcastRetryDelay   time.Duration
	MemberRefreshInterval time.Duration
	Now                   func() time.Time
}

type App struct {
	Messenger  *service.Messenger
	Calls      *call.Service
	Broadcasts *broadcast.Service
	Bus        domain.EventBus

	backend       string
	wallet        Wallet
	pairing       Pairing
	archive       repository.MessageRepository
	recordArchive bool
	log           zerolog.Logger
}

// Status summarises the session for status commands.
type Status struct {
	Backend       string
	InboxID       string
	Address       string
	ChainID       uint64
	Connected     bool
	LoggedIn      bool
	Conversations int
	Current       *domain.Conversation
	Call          domain.CallState
}

func New(opts Options, log zerolog.Logger) *App {
	messenger := service.NewMessenger(opts.Client, opts.Cache, opts.Bus, service.MessengerConfig{Now: opts.Now}, log.With().Str("component", "messenger").Logger())
	self := messenger.SelfID()

	calls := call.NewService(opts.Engine, messenger, opts.Bus, call.Config{
		SelfID:           self,
		StaleOfferWindow: opts.StaleOfferWindow,
		Now:              opts.Now,
	}, log.With().Str("component", "call").Logger())

	broadcasts := broadcast.NewService(opts.Engine, messenger, messenger, opts.Bus, broadcast.Config{
		SelfID:          self,
		RetryDelay:      opts.BroadcastRetryDelay,
		RefreshInterval: opts.MemberRefreshInterval,
		Now:             opts.Now,
	}, log.With().Str("component", "broadcast").Logger())

	messenger.AddControlHandler(calls)
	messenger.AddControlHandler(broadcasts)
	messenger.AddMembershipListener(broadcasts)

	return &App{
		Messenger:  messenger,
		Calls:      calls,
		Broadcasts: broadcasts,
		Bus:        opts.Bus,
		backend:       opts.Backend,
		wallet:        opts.Wallet,
		pairing:       opts.Pairing,
		archive:       opts.Archive,
		recordArchive: opts.RecordArchive && opts.Archive != nil,
		log:           log,
	}
}

// Run loads the conversation list and serves the background streams until ctx
// is done or a stream cannot be opened.
func (a *App) Run(ctx context.Context) error {
	var changes <-chan wallet.Change
	if a.wallet != nil {
		changes = a.wallet.Subscribe()
		if err := a.Messenger.Cache().RememberAddress(ctx, a.Messenger.SelfID(), a.wallet.Address().Hex()); err != nil {
			a.log.Warn().Err(err).Msg("Failed to record own wallet address")
		}
	}
	var archived <-chan domain.Event
	if a.recordArchive {
		archived = a.Bus.Subscribe([]domain.EventType{domain.EventTypeMessagesUpdated})
		defer a.Bus.Unsubscribe(archived)
	}
	if err := a.Messenger.LoadConversations(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Initial conversation load failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	if archived != nil {
		g.Go(func() error {
			a.recordMessages(ctx, archived)
			return nil
		})
	}
	g.Go(func() error {
		return a.Messenger.Run(ctx)
	})
	g.Go(func() error {
		a.Broadcasts.Run(ctx)
		return nil
	})
	if changes != nil {
		g.Go(func() error {
			a.watchWallet(ctx, changes)
			return nil
		})
	}
	return g.Wait()
}

func (a *App) watchWallet(ctx context.Context, changes <-chan wallet.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			a.log.Warn().
				Str("kind", string(change.Kind)).
				Str("address", change.Address.Hex()).
				Uint64("chain_id", change.ChainID).
				Msg("Wallet changed, the messaging identity stays bound to the original account until restart")
			a.Bus.Publish(domain.ActivityEvent{
				Action:    "wallet_" + string(change.Kind) + "_changed",
				Actor:     change.Address.Hex(),
				EventTime: time.Now(),
			})
		}
	}
}

// Close ends any call and stops the messenger streams.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.Calls.State().Phase != domain.CallPhaseIdle {
		if err := a.Calls.End(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to end call on shutdown")
		}
	}
	if cur := a.Messenger.Current(); cur != nil && a.Broadcasts.State(cur.ID).Broadcasting {
		if err := a.Broadcasts.Stop(ctx, cur.ID); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop broadcast on shutdown")
		}
	}
	a.Messenger.Close()
	if a.pairing != nil {
		a.pairing.Disconnect()
	}
}

// StartCall calls the peer of the selected DM.
func (a *App) StartCall(ctx context.Context, kind domain.MediaKind) error {
	cur := a.Messenger.Current()
	if cur == nil {
		return service.ErrNoConversation
	}
	if !cur.IsDM() {
		return ErrNotDM
	}
	return a.Calls.Start(ctx, cur.ID, cur.PeerIdentifier, kind)
}

// StartBroadcast takes the floor in the selected room.
func (a *App) StartBroadcast(ctx context.Context) error {
	cur, err := a.currentRoom()
	if err != nil {
		return err
	}
	return a.Broadcasts.Start(ctx, cur.ID)
}

func (a *App) StopBroadcast(ctx context.Context) error {
	cur, err := a.currentRoom()
	if err != nil {
		return err
	}
	return a.Broadcasts.Stop(ctx, cur.ID)
}

// BroadcastState returns the broadcast state of the selected conversation.
func (a *App) BroadcastState() (domain.BroadcastState, error) {
	cur := a.Messenger.Current()
	if cur == nil {
		return domain.BroadcastState{}, service.ErrNoConversation
	}
	return a.Broadcasts.State(cur.ID), nil
}

func (a *App) currentRoom() (*domain.Conversation, error) {
	cur := a.Messenger.Current()
	if cur == nil {
		return nil, service.ErrNoConversation
	}
	if cur.IsDM() {
		return nil, ErrNotRoom
	}
	return cur, nil
}

// SignMessage signs msg with the wallet's personal_sign scheme.
func (a *App) SignMessage(msg []byte) (string, []byte, error) {
	if a.wallet == nil {
		return "", nil, fmt.Errorf("no wallet configured")
	}
	sig, err := a.wallet.SignMessage(msg)
	if err != nil {
		return "", nil, err
	}
	return a.wallet.Address().Hex(), sig, nil
}

func (a *App) Status() Status {
	st := Status{
		Backend:       a.backend,
		InboxID:       a.Messenger.SelfID(),
		Connected:     true,
		LoggedIn:      true,
		Conversations: len(a.Messenger.Conversations()),
		Current:       a.Messenger.Current(),
		Call:          a.Calls.State(),
	}
	if a.wallet != nil {
		st.Address = a.wallet.Address().Hex()
		st.ChainID = a.wallet.ChainID()
	}
	if a.pairing != nil {
		st.Connected = a.pairing.IsConnected()
		st.LoggedIn = a.pairing.IsLoggedIn()
	}
	return st
}

// Pairing returns the device lifecycle of the backend, or ErrNoPairing.
func (a *App) Pairing() (Pairing, error) {
	if a.pairing == nil {
		return nil, ErrNoPairing
	}
	return a.pairing, nil
}
