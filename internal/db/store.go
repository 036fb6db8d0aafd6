package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RichardoC/chatrooms/internal/models"
)

var (
	// ErrNotFound is returned when a room does not exist.
	ErrNotFound = errors.New("db: not found")
	// ErrUnavailable marks failures of the backing store itself. The driver
	// error stays in the chain.
	ErrUnavailable = errors.New("db: store unavailable")
	// ErrInvalid is returned for arguments no backend would accept.
	ErrInvalid = errors.New("db: invalid argument")
)

// Store is the room and message persistence surface. Messages are append-only
// and come back in insertion order; deleting a room deletes its messages.
type Store interface {
	CreateRoom(ctx context.Context, title string) (models.Room, error)
	GetRoom(ctx context.Context, id string) (models.Room, error)
	// ListRooms returns rooms newest first.
	ListRooms(ctx context.Context) ([]models.Room, error)
	RenameRoom(ctx context.Context, id, title string) (models.Room, error)
	// DeleteRoom is idempotent.
	DeleteRoom(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error)
	// ListMessages returns messages oldest first. An unknown room yields an
	// empty slice, not an error.
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("db: %s: %w: %w", op, ErrUnavailable, err)
}

func invalid(op, reason string) error {
	return fmt.Errorf("db: %s: %w: %s", op, ErrInvalid, reason)
}

func validateRoomID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(op, "room id is empty")
	}
	return nil
}

func validateMessage(roomID string, role models.Role, content string) error {
	if err := validateRoomID("append message", roomID); err != nil {
		return err
	}
	if !role.Valid() {
		return invalid("append message", fmt.Sprintf("unknown role %q", role))
	}
	if role == models.RoleUser && strings.TrimSpace(content) == "" {
		return invalid("append message", "user content is empty")
	}
	return nil
}

var newID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now().UTC()
}
