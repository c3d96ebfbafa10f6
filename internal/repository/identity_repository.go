package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

type gormIdentityRepository struct {
	db *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &gormIdentityRepository{db: db}
}

func (r *gormIdentityRepository) LoadSnapshot(ctx context.Context) (*domain.IdentitySnapshot, error) {
	db := r.db.WithContext(ctx)
	snap := &domain.IdentitySnapshot{
		Names:         make(map[string]string),
		DMPeers:       make(map[string]string),
		RoomSequences: make(map[string]int),
		PeerAddresses: make(map[string]string),
	}

	var names []ConversationNameModel
	if err := db.Find(&names).Error; err != nil {
		return nil, err
	}
	for _, n := range names {
		snap.Names[n.ConversationID] = n.Name
	}

	var dms []DMClassificationModel
	if err := db.Find(&dms).Error; err != nil {
		return nil, err
	}
	for _, dm := range dms {
		snap.DMPeers[dm.ConversationID] = dm.PeerIdentifier
	}

	var seqs []RoomSequenceModel
	if err := db.Find(&seqs).Error; err != nil {
		return nil, err
	}
	for _, s := range seqs {
		snap.RoomSequences[s.ConversationID] = s.Sequence
	}

	var blocked []BlockedRoomModel
	if err := db.Order("created_at ASC").Find(&blocked).Error; err != nil {
		return nil, err
	}
	for _, b := range blocked {
		snap.BlockedRooms = append(snap.BlockedRooms, b.ConversationID)
	}

	var addrs []PeerAddressModel
	if err := db.Find(&addrs).Error; err != nil {
		return nil, err
	}
	for _, a := range addrs {
		snap.PeerAddresses[a.PeerIdentifier] = a.Address
	}

	return snap, nil
}

func (r *gormIdentityRepository) SetName(ctx context.Context, conversationID, name string) error {
	db := r.db.WithContext(ctx)
	if name == "" {
		return db.Where("conversation_id = ?", conversationID).Delete(&ConversationNameModel{}).Error
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&ConversationNameModel{
		ConversationID: conversationID,
		Name:           name,
		UpdatedAt:      time.Now(),
	}).Error
}

func (r *gormIdentityRepository) RecordDM(ctx context.Context, conversationID, peerIdentifier string) (bool, error) {
	// A DM classification is never rewritten once stored.
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DMClassificationModel{
			ConversationID: conversationID,
			PeerIdentifier: peerIdentifier,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormIdentityRepository) AssignRoomSequence(ctx context.Context, conversationID string) (int, error) {
	var seq int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RoomSequenceModel
		err := tx.First(&existing, "conversation_id = ?", conversationID).Error
		if err == nil {
			seq = existing.Sequence
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var max int
		if err := tx.Model(&RoomSequenceModel{}).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&max).Error; err != nil {
			return err
		}
		seq = max + 1
		return tx.Create(&RoomSequenceModel{
			ConversationID: conversationID,
			Sequence:       seq,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *gormIdentityRepository) SetBlocked(ctx context.Context, conversationID string, blocked bool) error {
	db := r.db.WithContext(ctx)
	if !blocked {
		return db.Where("conversation_id = ?", conversationID).Delete(&BlockedRoomModel{}).Error
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&BlockedRoomModel{ConversationID: conversationID}).Error
}

func (r *gormIdentityRepository) SetPeerAddress(ctx context.Context, peerIdentifier, address string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "peer_identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(&PeerAddressModel{
		PeerIdentifier: peerIdentifier,
		Address:        address,
		UpdatedAt:      time.Now(),
	}).Error
}
