package db

import (
	"context"
	"sync"

	"github.com/RichardoC/chatrooms/internal/models"
)

// MemoryStore keeps rooms and messages in process memory. Each instance owns
// its state; nothing is shared between stores.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    []models.Room // creation order
	messages map[string][]models.Message
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: map[string][]models.Message{}}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRoom(_ context.Context, title string) (models.Room, error) {
	room := models.Room{ID: newID(), Title: title, CreatedAt: now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, room)
	s.messages[room.ID] = nil
	return room, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.rooms[i], nil
	}
	return models.Room{}, ErrNotFound
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Room, 0, len(s.rooms))
	for i := len(s.rooms) - 1; i >= 0; i-- {
		out = append(out, s.rooms[i])
	}
	return out, nil
}

func (s *MemoryStore) RenameRoom(_ context.Context, id, title string) (models.Room, error) {
	if err := validateRoomID("rename room", id); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return models.Room{}, ErrNotFound
	}
	s.rooms[i].Title = title
	return s.rooms[i], nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if err := validateMessage(roomID, role, content); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(roomID) < 0 {
		return models.Message{}, ErrNotFound
	}
	msg := models.Message{
		ID:        newID(),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: now(),
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) indexOf(id string) int {
	for i, r := range s.rooms {
		if r.ID == id {
			return i
		}
	}
	return -1
}
