package db

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RichardoC/chatrooms/internal/models"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "Trip planning")
		require.NoError(t, err)
		require.NotEmpty(t, room.ID)
		require.Equal(t, "Trip planning", room.Title)
		require.False(t, room.CreatedAt.IsZero())

		got, err := s.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		require.Equal(t, room.ID, got.ID)
		require.Equal(t, room.Title, got.Title)
		require.True(t, room.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get unknown room", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRoom(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list rooms newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rooms, err := s.ListRooms(ctx)
		require.NoError(t, err)
		require.Empty(t, rooms)

		a, err := s.CreateRoom(ctx, "a")
		require.NoError(t, err)
		b, err := s.CreateRoom(ctx, "b")
		require.NoError(t, err)
		c, err := s.CreateRoom(ctx, "c")
		require.NoError(t, err)

		rooms, err = s.ListRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 3)
		require.Equal(t, []string{c.ID, b.ID, a.ID}, roomIDs(rooms))
	})

	t.Run("rename", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "old")
		require.NoError(t, err)

		renamed, err := s.RenameRoom(ctx, room.ID, "new")
		require.NoError(t, err)
		require.Equal(t, "new", renamed.Title)
		require.Equal(t, room.ID, renamed.ID)

		got, err := s.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		require.Equal(t, "new", got.Title)

		_, err = s.RenameRoom(ctx, "missing", "x")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append and list messages in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "chat")
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "Hello")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, room.ID, models.RoleAssistant, "Hi there")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "How are you?")
		require.NoError(t, err)
		// an empty assistant reply is still a stored turn
		_, err = s.AppendMessage(ctx, room.ID, models.RoleAssistant, "")
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, room.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		require.Equal(t, []string{"Hello", "Hi there", "How are you?", ""}, contents(msgs))
		require.Equal(t, models.RoleUser, msgs[0].Role)
		require.Equal(t, models.RoleAssistant, msgs[1].Role)
		for _, m := range msgs {
			require.Equal(t, room.ID, m.RoomID)
			require.NotEmpty(t, m.ID)
		}
	})

	t.Run("messages are isolated per room", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.CreateRoom(ctx, "a")
		require.NoError(t, err)
		b, err := s.CreateRoom(ctx, "b")
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, a.ID, models.RoleUser, "for a")
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, b.ID)
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("append validation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "chat")
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, "missing", models.RoleUser, "hi")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "   ")
		require.ErrorIs(t, err, ErrInvalid)

		_, err = s.AppendMessage(ctx, room.ID, models.RoleSystem, "be nice")
		require.ErrorIs(t, err, ErrInvalid)

		_, err = s.AppendMessage(ctx, "", models.RoleUser, "hi")
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("list messages of unknown room", func(t *testing.T) {
		s := newStore(t)
		msgs, err := s.ListMessages(context.Background(), "missing")
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("room ids are matched exactly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "exact")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "hi")
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, " "+room.ID+" ")
		require.NoError(t, err)
		require.Empty(t, msgs)
		_, err = s.GetRoom(ctx, " "+room.ID+" ")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades and is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		keep, err := s.CreateRoom(ctx, "keep")
		require.NoError(t, err)
		room, err := s.CreateRoom(ctx, "drop")
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, strings.Repeat("x", i+1))
			require.NoError(t, err)
		}
		_, err = s.AppendMessage(ctx, keep.ID, models.RoleUser, "stay")
		require.NoError(t, err)

		require.NoError(t, s.DeleteRoom(ctx, room.ID))
		require.NoError(t, s.DeleteRoom(ctx, room.ID))

		_, err = s.GetRoom(ctx, room.ID)
		require.ErrorIs(t, err, ErrNotFound)
		msgs, err := s.ListMessages(ctx, room.ID)
		require.NoError(t, err)
		require.Empty(t, msgs)

		rooms, err := s.ListRooms(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{keep.ID}, roomIDs(rooms))
		msgs, err = s.ListMessages(ctx, keep.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"stay"}, contents(msgs))

		_, err = s.AppendMessage(ctx, room.ID, models.RoleUser, "late")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "busy")
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, room.ID, models.RoleUser, "ping")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, room.ID)
		require.NoError(t, err)
		require.Len(t, msgs, n)
	})
}

func roomIDs(rooms []models.Room) []string {
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

func contents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
