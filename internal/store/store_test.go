package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "licks.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrationsToLatestVersion(t *testing.T) {
	s := openStore(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.LatestVersion, v)
}

func TestProfileRoundtrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadProfile(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveProfile(ctx, []byte("chain-secret-blob")))
	blob, ok, err := s.LoadProfile(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("chain-secret-blob"), blob)

	require.NoError(t, s.SaveProfile(ctx, []byte("rotated-blob")))
	blob, ok, err = s.LoadProfile(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("rotated-blob"), blob)
}

func TestContactUpsertIsIdempotentAndMerges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	account := ids.NewAccountId()

	username := "alice"
	require.NoError(t, s.UpsertContact(ctx, store.Contact{AccountID: account, Username: &username}))

	display := "Alice A."
	require.NoError(t, s.UpsertContact(ctx, store.Contact{AccountID: account, DisplayName: &display}))

	c, ok, err := s.GetContact(ctx, account)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", *c.Username)
	require.Equal(t, "Alice A.", *c.DisplayName)
}

func TestGetContactMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.GetContact(context.Background(), ids.NewAccountId())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGroupInfoLatestEpochWins(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	group := ids.NewGroupIdentifier()

	for epoch := uint64(0); epoch <= 3; epoch++ {
		var secret [64]byte
		secret[0] = byte(epoch)
		require.NoError(t, s.SaveGroupInfo(ctx, store.GroupInfo{
			GroupID:              group,
			EpochID:              epoch,
			Name:                 "friends",
			BlindedAddressSecret: secret,
		}))
	}

	latest, ok, err := s.LatestGroupInfo(ctx, group)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), latest.EpochID)
	require.Equal(t, byte(3), latest.BlindedAddressSecret[0])

	at1, ok, err := s.GroupInfoAt(ctx, group, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(1), at1.BlindedAddressSecret[0])
}

func TestMessagesForwardAndBackwardPagination(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	group := ids.NewGroupIdentifier()
	sender := ids.NewAccountId()

	var ids_ []int64
	for i := 0; i < 5; i++ {
		id, err := s.AddMessage(ctx, store.Message{
			GroupID:           group,
			Sender:            sender,
			ServerTimestamp:   int64(i),
			ReceivedTimestamp: int64(i),
			Kind:              store.MessageKindText,
			Content:           []byte{byte(i)},
		})
		require.NoError(t, err)
		ids_ = append(ids_, id)
	}

	forward, err := s.MessagesForward(ctx, group, 0, 3)
	require.NoError(t, err)
	require.Len(t, forward, 3)
	require.Equal(t, ids_[0], forward[0].ID)
	require.Equal(t, ids_[2], forward[2].ID)

	backward, err := s.MessagesBackward(ctx, group, ids_[4], 2)
	require.NoError(t, err)
	require.Len(t, backward, 2)
	require.Equal(t, ids_[3], backward[0].ID)
	require.Equal(t, ids_[2], backward[1].ID)
}
