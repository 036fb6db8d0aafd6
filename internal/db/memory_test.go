package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RichardoC/chatrooms/internal/models"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ListMessagesReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, "chat")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "original")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, room.ID)
	require.NoError(t, err)
	msgs[0].Content = "mutated"

	again, err := s.ListMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "original", again[0].Content)
}

func TestMemoryStore_InstancesAreIndependent(t *testing.T) {
	a, b := NewMemoryStore(), NewMemoryStore()
	_, err := a.CreateRoom(context.Background(), "only in a")
	require.NoError(t, err)

	rooms, err := b.ListRooms(context.Background())
	require.NoError(t, err)
	require.Empty(t, rooms)
}
