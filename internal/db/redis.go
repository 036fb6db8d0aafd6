package db

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/RichardoC/chatrooms/internal/models"
)

const defaultRedisKeyPrefix = "chatrooms:"

// RedisStore keeps each room in a hash, orders rooms through a sorted set
// scored by an INCR sequence, and appends messages to a per-room list.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = &RedisStore{}

type redisMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "redis store: parse Redis URL")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis store: ping")
	}
	return newRedisStore(client, prefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) roomsKey() string             { return s.prefix + "rooms" }
func (s *RedisStore) roomSeqKey() string           { return s.prefix + "rooms:seq" }
func (s *RedisStore) roomKey(id string) string     { return s.prefix + "room:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + "room:" + id + ":messages" }

func (s *RedisStore) CreateRoom(ctx context.Context, title string) (models.Room, error) {
	room := models.Room{ID: newID(), Title: title, CreatedAt: now()}

	seq, err := s.client.Incr(ctx, s.roomSeqKey()).Result()
	if err != nil {
		return models.Room{}, unavailable("create room", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.roomKey(room.ID),
			"id", room.ID,
			"title", room.Title,
			"created_at", room.CreatedAt.UnixNano(),
		)
		pipe.ZAdd(ctx, s.roomsKey(), redis.Z{Score: float64(seq), Member: room.ID})
		return nil
	})
	if err != nil {
		return models.Room{}, unavailable("create room", err)
	}
	return room, nil
}

func (s *RedisStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	fields, err := s.client.HGetAll(ctx, s.roomKey(id)).Result()
	if err != nil {
		return models.Room{}, unavailable("get room", err)
	}
	room, ok := redisRoom(fields)
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return room, nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	ids, err := s.client.ZRevRange(ctx, s.roomsKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	if len(ids) == 0 {
		return []models.Room{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.roomKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list rooms", err)
	}

	rooms := make([]models.Room, 0, len(ids))
	for _, cmd := range cmds {
		// a room deleted between the two round trips is simply skipped
		if room, ok := redisRoom(cmd.Val()); ok {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

func (s *RedisStore) RenameRoom(ctx context.Context, id, title string) (models.Room, error) {
	if err := validateRoomID("rename room", id); err != nil {
		return models.Room{}, err
	}
	key := s.roomKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "title", title)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNotFound) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("rename room", err)
	}
	return s.GetRoom(ctx, id)
}

func (s *RedisStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(id), s.messagesKey(id))
		pipe.ZRem(ctx, s.roomsKey(), id)
		return nil
	})
	if err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if err := validateMessage(roomID, role, content); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:        newID(),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: now(),
	}
	payload, err := json.Marshal(redisMessage{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UnixNano(),
	})
	if err != nil {
		return models.Message{}, errors.Wrap(err, "redis store: encode message")
	}

	key := s.roomKey(roomID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.messagesKey(roomID), payload)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	return msg, nil
}

func (s *RedisStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var rm redisMessage
		if err := json.Unmarshal([]byte(item), &rm); err != nil {
			return nil, unavailable("list messages", err)
		}
		messages = append(messages, models.Message{
			ID:        rm.ID,
			RoomID:    roomID,
			Role:      models.Role(rm.Role),
			Content:   rm.Content,
			CreatedAt: time.Unix(0, rm.CreatedAt).UTC(),
		})
	}
	return messages, nil
}

func redisRoom(fields map[string]string) (models.Room, bool) {
	id, ok := fields["id"]
	if !ok || id == "" {
		return models.Room{}, false
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return models.Room{
		ID:        id,
		Title:     fields["title"],
		CreatedAt: time.Unix(0, created).UTC(),
	}, true
}
