package repository

import (
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

type ConversationNameModel struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	Name           string    `gorm:"column:name"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (ConversationNameModel) TableName() string { return "conversation_names" }

type DMClassificationModel struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	PeerIdentifier string    `gorm:"column:peer_identifier;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (DMClassificationModel) TableName() string { return "dm_classifications" }

type RoomSequenceModel struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	Sequence       int       `gorm:"column:sequence;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (RoomSequenceModel) TableName() string { return "room_sequences" }

type BlockedRoomModel struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (BlockedRoomModel) TableName() string { return "blocked_rooms" }

type PeerAddressModel struct {
	PeerIdentifier string    `gorm:"primaryKey;column:peer_identifier"`
	Address        string    `gorm:"column:address;index"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (PeerAddressModel) TableName() string { return "peer_addresses" }

type ChatModel struct {
	ID             string    `gorm:"primaryKey;column:id"`
	Kind           string    `gorm:"column:kind"`
	PeerIdentifier string    `gorm:"column:peer_identifier"`
	Members        []string  `gorm:"column:members;serializer:json"`
	Name           string    `gorm:"column:name"`
	LastActivity   time.Time `gorm:"column:last_activity;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (ChatModel) TableName() string { return "chats" }

type MessageModel struct {
	ID               string    `gorm:"primaryKey;column:id"`
	ConversationID   string    `gorm:"column:conversation_id;index:idx_conversation_sent"`
	SenderIdentifier string    `gorm:"column:sender_identifier"`
	SentAtNanos      int64     `gorm:"column:sent_at_nanos;index:idx_conversation_sent"`
	Content          string    `gorm:"column:content"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (MessageModel) TableName() string { return "messages" }

// AllModels lists every table owned by this package, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&ConversationNameModel{},
		&DMClassificationModel{},
		&RoomSequenceModel{},
		&BlockedRoomModel{},
		&PeerAddressModel{},
		&ChatModel{},
		&MessageModel{},
	}
}

// Conversion functions
func MessageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}
	return &domain.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderIdentifier: m.SenderIdentifier,
		SentAtNanos:      m.SentAtNanos,
		Content:          m.Content,
	}
}

func MessageDomainToModel(msg *domain.Message) *MessageModel {
	if msg == nil {
		return nil
	}
	return &MessageModel{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		SenderIdentifier: msg.SenderIdentifier,
		SentAtNanos:      msg.SentAtNanos,
		Content:          msg.Content,
	}
}

func ChatModelToDomain(m *ChatModel) *domain.Conversation {
	if m == nil {
		return nil
	}
	return &domain.Conversation{
		ID:                m.ID,
		Kind:              domain.Kind(m.Kind),
		PeerIdentifier:    m.PeerIdentifier,
		MemberIdentifiers: append([]string(nil), m.Members...),
		DisplayName:       m.Name,
		CreatedAt:         m.CreatedAt,
		LastActivity:      m.LastActivity,
	}
}

func ChatDomainToModel(conv *domain.Conversation) *ChatModel {
	if conv == nil {
		return nil
	}
	return &ChatModel{
		ID:             conv.ID,
		Kind:           string(conv.Kind),
		PeerIdentifier: conv.PeerIdentifier,
		Members:        append([]string(nil), conv.MemberIdentifiers...),
		Name:           conv.DisplayName,
		LastActivity:   conv.LastActivity,
		CreatedAt:      conv.CreatedAt,
	}
}
