package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/RichardoC/chatrooms/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_by_room ON messages(room_id, seq);`

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds the DSN used for on-disk stores. Transactions take
// the write lock up front so concurrent appends wait on the busy timeout
// rather than failing on lock upgrade.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: migrate")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, title string) (models.Room, error) {
	room := models.Room{ID: newID(), Title: title, CreatedAt: now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, title, created_at) VALUES (?, ?, ?)`,
		room.ID, room.Title, room.CreatedAt.UnixNano())
	if err != nil {
		return models.Room{}, unavailable("create room", err)
	}
	return room, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, created_at FROM rooms WHERE id = ?`, id)
	room, err := scanSQLiteRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("get room", err)
	}
	return room, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, title, created_at
        FROM rooms
        ORDER BY created_at DESC, seq DESC`)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, unavailable("list rooms", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rooms", err)
	}
	return rooms, nil
}

func (s *SQLiteStore) RenameRoom(ctx context.Context, id, title string) (models.Room, error) {
	if err := validateRoomID("rename room", id); err != nil {
		return models.Room{}, err
	}
	row := s.db.QueryRowContext(ctx, `
        UPDATE rooms SET title = ? WHERE id = ?
        RETURNING id, title, created_at`, title, id)
	room, err := scanSQLiteRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("rename room", err)
	}
	return room, nil
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete room", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, id); err != nil {
		return unavailable("delete room", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return unavailable("delete room", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if err := validateMessage(roomID, role, content); err != nil {
		return models.Message{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}

	msg := models.Message{
		ID:        newID(),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: now(),
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (id, room_id, role, content, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, room_id, role, content, created_at
        FROM messages
        WHERE room_id = ?
        ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &role, &msg.Content, &created); err != nil {
			return nil, unavailable("list messages", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(0, created).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (models.Room, error) {
	var (
		room    models.Room
		created int64
	)
	if err := row.Scan(&room.ID, &room.Title, &created); err != nil {
		return models.Room{}, err
	}
	room.CreatedAt = time.Unix(0, created).UTC()
	return room, nil
}
