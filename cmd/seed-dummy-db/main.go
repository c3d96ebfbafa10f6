package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/repository"
	"github.com/clippy-oss/homie/web3-messenger/internal/wallet"
)

const selfID = "15551234567@s.whatsapp.net"

var peerNames = []string{"Alice Johnson", "Bob Smith", "Carol White", "Dave Brown"}

var roomNames = []string{"Work Team", "Weekend Hikers"}

var phrases = []string{
	"gm", "Are we still on for later?", "Sent the contract address", "Check the latest block",
	"lol", "On my way", "Can you review the PR?", "Gas is cheap right now", "Thanks!",
	"Let's hop on a call", "Who has the floor?", "Meeting moved to 3pm",
}

func main() {
	// Default to a dummy database in the current directory
	dbPath := "dummy_messenger.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	fmt.Printf("Using database at: %s\n", dbPath)

	db, err := repository.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	ctx := context.Background()
	s := &seeder{
		chats:    repository.NewChatRepository(db),
		messages: repository.NewMessageRepository(db),
		identity: repository.NewIdentityRepository(db),
		now:      time.Now(),
	}
	if err := s.seed(ctx); err != nil {
		log.Fatalf("Failed to seed dummy data: %v", err)
	}

	fmt.Println("Successfully seeded conversations and messages")
	fmt.Printf("Run the messenger with -backend whatsapp -db %s to browse them offline\n", dbPath)
}

type seeder struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	identity repository.IdentityRepository
	now      time.Time
}

func (s *seeder) seed(ctx context.Context) error {
	var peers []string
	for i, name := range peerNames {
		peer := fmt.Sprintf("1555000%04d@s.whatsapp.net", i+1)
		peers = append(peers, peer)

		w, err := wallet.Generate(1)
		if err != nil {
			return err
		}
		if err := s.identity.SetPeerAddress(ctx, peer, w.Address().Hex()); err != nil {
			return fmt.Errorf("failed to store address of %s: %w", name, err)
		}

		conv := &domain.Conversation{
			ID:                peer,
			Kind:              domain.KindDM,
			PeerIdentifier:    peer,
			MemberIdentifiers: []string{selfID, peer},
			CreatedAt:         s.now.Add(-30 * 24 * time.Hour),
		}
		if _, err := s.identity.RecordDM(ctx, conv.ID, peer); err != nil {
			return fmt.Errorf("failed to classify chat with %s: %w", name, err)
		}
		// The first peer is shown under a nickname instead of the wallet address.
		if i == 0 {
			if err := s.identity.SetName(ctx, conv.ID, name); err != nil {
				return err
			}
		}
		if err := s.fill(ctx, conv); err != nil {
			return err
		}
	}

	for i, name := range roomNames {
		members := append([]string{selfID}, peers[i:i+3]...)
		conv := &domain.Conversation{
			ID:                fmt.Sprintf("120363%08d@g.us", 10000000+i),
			Kind:              domain.KindRoom,
			MemberIdentifiers: members,
			DisplayName:       name,
			CreatedAt:         s.now.Add(-14 * 24 * time.Hour),
		}
		if _, err := s.identity.AssignRoomSequence(ctx, conv.ID); err != nil {
			return fmt.Errorf("failed to number room %s: %w", name, err)
		}
		if err := s.identity.SetName(ctx, conv.ID, name); err != nil {
			return err
		}
		if err := s.fill(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

// fill writes 10-15 messages spread over the last few days and stores the
// chat with its last activity.
func (s *seeder) fill(ctx context.Context, conv *domain.Conversation) error {
	// Reseeding replaces the previous messages of the conversation.
	if err := s.messages.DeleteByConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("failed to delete messages of %s: %w", conv.ID, err)
	}

	count := 10 + rand.Intn(6)
	at := s.now.Add(-time.Duration(1+rand.Intn(3)) * 24 * time.Hour)

	for j := 0; j < count; j++ {
		if j > 0 {
			at = at.Add(time.Duration(10+rand.Intn(50)) * time.Minute)
			if at.After(s.now) {
				at = s.now.Add(-time.Duration(rand.Intn(30)) * time.Minute)
			}
		}

		sender := conv.MemberIdentifiers[rand.Intn(len(conv.MemberIdentifiers))]
		body := phrases[rand.Intn(len(phrases))]
		if rand.Float32() < 0.1 {
			encoded, err := domain.EncodeContent(&domain.FileAttachment{
				FileName: "notes.txt",
				FileType: "text/plain",
				FileData: "aGVsbG8=",
			})
			if err != nil {
				return err
			}
			body = encoded
		}

		msg := &domain.Message{
			ID:               uuid.NewString(),
			ConversationID:   conv.ID,
			SenderIdentifier: sender,
			SentAtNanos:      at.UnixNano(),
			Content:          body,
		}
		if err := s.messages.CreateOrIgnore(ctx, msg); err != nil {
			return fmt.Errorf("failed to create message in %s: %w", conv.ID, err)
		}
		conv.LastActivity = at
	}

	if err := s.chats.Upsert(ctx, conv); err != nil {
		return fmt.Errorf("failed to store chat %s: %w", conv.ID, err)
	}
	fmt.Printf("Seeded %d messages in %s\n", count, conv.ID)
	return nil
}
