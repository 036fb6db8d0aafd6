package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/RichardoC/chatrooms/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_by_room ON messages(room_id, seq);`

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = &PostgresStore{}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres store: parse database URL")
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "postgres store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres store: ping")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres store: migrate")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, title string) (models.Room, error) {
	room := models.Room{ID: newID(), Title: title, CreatedAt: pgNow()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, title, created_at) VALUES ($1, $2, $3)`,
		room.ID, room.Title, room.CreatedAt)
	if err != nil {
		return models.Room{}, unavailable("create room", err)
	}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := s.pool.QueryRow(ctx, `SELECT id, title, created_at FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Title, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("get room", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return room, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, title, created_at
        FROM rooms
        ORDER BY created_at DESC, seq DESC`)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Title, &room.CreatedAt); err != nil {
			return nil, unavailable("list rooms", err)
		}
		room.CreatedAt = room.CreatedAt.UTC()
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rooms", err)
	}
	return rooms, nil
}

func (s *PostgresStore) RenameRoom(ctx context.Context, id, title string) (models.Room, error) {
	if err := validateRoomID("rename room", id); err != nil {
		return models.Room{}, err
	}
	var room models.Room
	err := s.pool.QueryRow(ctx, `
        UPDATE rooms SET title = $1 WHERE id = $2
        RETURNING id, title, created_at`, title, id).
		Scan(&room.ID, &room.Title, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("rename room", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return room, nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	// messages go with the room through ON DELETE CASCADE
	if _, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id); err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if err := validateMessage(roomID, role, content); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:        newID(),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: pgNow(),
	}
	// INSERT ... SELECT inserts nothing when the room is gone, which keeps the
	// existence check and the append in one statement.
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO messages (id, room_id, role, content, created_at)
        SELECT $1::text, id, $3::text, $4::text, $5::timestamptz FROM rooms WHERE id = $2`,
		msg.ID, msg.RoomID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Message{}, ErrNotFound
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, room_id, role, content, created_at
        FROM messages
        WHERE room_id = $1
        ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg  models.Message
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, unavailable("list messages", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return messages, nil
}

// pgNow matches TIMESTAMPTZ precision so returned values equal stored ones.
func pgNow() time.Time {
	return now().Truncate(time.Microsecond)
}
