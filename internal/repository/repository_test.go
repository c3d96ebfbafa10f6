package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestIdentityRepository_RecordDMNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository(openTestDB(t))

	written, err := repo.RecordDM(ctx, "c1", "peer-a")
	require.NoError(t, err)
	require.True(t, written)

	written, err = repo.RecordDM(ctx, "c1", "peer-b")
	require.NoError(t, err)
	require.False(t, written)

	snap, err := repo.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "peer-a", snap.DMPeers["c1"])
}

func TestIdentityRepository_SetNameEmptyRemoves(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository(openTestDB(t))

	require.NoError(t, repo.SetName(ctx, "r1", "Ops"))
	require.NoError(t, repo.SetName(ctx, "r1", "Ops 2"))

	snap, err := repo.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ops 2", snap.Names["r1"])

	require.NoError(t, repo.SetName(ctx, "r1", ""))
	snap, err = repo.LoadSnapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Names["r1"]
	require.False(t, ok)
}

func TestIdentityRepository_AssignRoomSequence(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository(openTestDB(t))

	first, err := repo.AssignRoomSequence(ctx, "r1")
	require.NoError(t, err)
	second, err := repo.AssignRoomSequence(ctx, "r2")
	require.NoError(t, err)
	again, err := repo.AssignRoomSequence(ctx, "r1")
	require.NoError(t, err)

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
	require.Equal(t, first, again)
}

func TestIdentityRepository_BlockedAndAddresses(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository(openTestDB(t))

	require.NoError(t, repo.SetBlocked(ctx, "r1", true))
	require.NoError(t, repo.SetBlocked(ctx, "r1", true))
	require.NoError(t, repo.SetBlocked(ctx, "r2", true))
	require.NoError(t, repo.SetBlocked(ctx, "r2", false))
	require.NoError(t, repo.SetPeerAddress(ctx, "inbox-1", "0x0000000000000000000000000000000000000001"))
	require.NoError(t, repo.SetPeerAddress(ctx, "inbox-1", "0x0000000000000000000000000000000000000002"))

	snap, err := repo.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, snap.BlockedRooms)
	require.Equal(t, "0x0000000000000000000000000000000000000002", snap.PeerAddresses["inbox-1"])
}

func TestChatRepository_OrderAndActivity(t *testing.T) {
	ctx := context.Background()
	repo := NewChatRepository(openTestDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, &domain.Conversation{ID: "a", Kind: domain.KindDM, PeerIdentifier: "p", LastActivity: base}))
	require.NoError(t, repo.Upsert(ctx, &domain.Conversation{ID: "b", Kind: domain.KindRoom, MemberIdentifiers: []string{"x", "y", "z"}, LastActivity: base.Add(time.Minute)}))

	all, err := repo.GetAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].ID)
	require.Equal(t, []string{"x", "y", "z"}, all[0].MemberIdentifiers)

	require.NoError(t, repo.UpdateLastActivity(ctx, "a", base.Add(time.Hour)))
	require.NoError(t, repo.UpdateLastActivity(ctx, "a", base))

	all, err = repo.GetAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, "a", all[0].ID)
	require.True(t, all[0].LastActivity.Equal(base.Add(time.Hour)))

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMessageRepository_CreateOrIgnoreAndQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(openTestDB(t))

	msgs := []*domain.Message{
		{ID: "m2", ConversationID: "c", SenderIdentifier: "a", SentAtNanos: 20, Content: "second"},
		{ID: "m1", ConversationID: "c", SenderIdentifier: "b", SentAtNanos: 10, Content: "first 100%"},
		{ID: "m3", ConversationID: "other", SenderIdentifier: "a", SentAtNanos: 5, Content: "elsewhere"},
	}
	for _, msg := range msgs {
		require.NoError(t, repo.CreateOrIgnore(ctx, msg))
	}
	require.NoError(t, repo.CreateOrIgnore(ctx, &domain.Message{ID: "m1", ConversationID: "c", Content: "dup"}))

	got, err := repo.GetByConversation(ctx, "c", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].ID)
	require.Equal(t, "first 100%", got[0].Content)

	found, err := repo.Search(ctx, "100%", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "m1", found[0].ID)

	require.NoError(t, repo.DeleteByConversation(ctx, "c"))
	got, err = repo.GetByConversation(ctx, "c", 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
