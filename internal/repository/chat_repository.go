package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

type gormChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) ChatRepository {
	return &gormChatRepository{db: db}
}

func (r *gormChatRepository) Upsert(ctx context.Context, conv *domain.Conversation) error {
	model := ChatDomainToModel(conv)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "peer_identifier", "members", "name", "updated_at"}),
	}).Create(model).Error
}

func (r *gormChatRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var model ChatModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ChatModelToDomain(&model), nil
}

func (r *gormChatRepository) GetAll(ctx context.Context, limit, offset int) ([]*domain.Conversation, error) {
	var models []ChatModel
	query := r.db.WithContext(ctx).Order("last_activity DESC").Order("id ASC")

	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}

	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	convs := make([]*domain.Conversation, len(models))
	for i := range models {
		convs[i] = ChatModelToDomain(&models[i])
	}
	return convs, nil
}

// UpdateLastActivity only moves last_activity forward.
func (r *gormChatRepository) UpdateLastActivity(ctx context.Context, id string, ts time.Time) error {
	return r.db.WithContext(ctx).
		Model(&ChatModel{}).
		Where("id = ? AND last_activity < ?", id, ts).
		Update("last_activity", ts).Error
}

