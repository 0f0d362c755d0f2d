// Package history implements the chat history service: PostgreSQL-backed
// persistence for users, chats, and messages, the HTTP API the chat clients
// persist through, and the HTTP client used by the message delivery pipeline.
// The relay itself never talks to this package; it only ever sees canonical
// message records that were persisted here first.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/parley/chat-relay/internal/protocol"
)

// Sentinel errors surfaced by the store. Handlers map these to HTTP status
// codes.
var (
	ErrNotFound    = errors.New("history: not found")
	ErrNotAMember  = errors.New("history: sender is not a chat member")
	ErrEmptyChat   = errors.New("history: chat needs at least two members")
	ErrUnknownUser = errors.New("history: unknown user")
)

// Store persists chat history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and runs pending
// schema migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user and returns the stored record.
func (s *Store) CreateUser(ctx context.Context, name string) (protocol.User, error) {
	u := protocol.User{ID: uuid.New().String(), Name: name}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name) VALUES ($1, $2)`, u.ID, u.Name)
	if err != nil {
		return protocol.User{}, fmt.Errorf("history: create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, userID string) (protocol.User, error) {
	var u protocol.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.User{}, ErrNotFound
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("history: get user: %w", err)
	}
	return u, nil
}

// CreateChat inserts a chat with its member list and returns the stored
// record with members resolved. A chat needs at least two members.
func (s *Store) CreateChat(ctx context.Context, name string, isGroup bool, userIDs []string) (protocol.Chat, error) {
	if len(userIDs) < 2 {
		return protocol.Chat{}, ErrEmptyChat
	}

	chatID := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, name, is_group) VALUES ($1, $2, $3)`,
		chatID, name, isGroup); err != nil {
		return protocol.Chat{}, fmt.Errorf("history: create chat: %w", err)
	}

	for _, uid := range userIDs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id)
			 SELECT $1, id FROM users WHERE id = $2
			 ON CONFLICT DO NOTHING`, chatID, uid)
		if err != nil {
			return protocol.Chat{}, fmt.Errorf("history: add member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return protocol.Chat{}, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
		}
	}

	if err := tx.Commit(); err != nil {
		return protocol.Chat{}, fmt.Errorf("history: commit: %w", err)
	}

	return s.GetChat(ctx, chatID)
}

// GetChat returns the chat with its member list.
func (s *Store) GetChat(ctx context.Context, chatID string) (protocol.Chat, error) {
	var c protocol.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_group FROM chats WHERE id = $1`, chatID).
		Scan(&c.ID, &c.Name, &c.IsGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Chat{}, ErrNotFound
	}
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("history: get chat: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name
		 FROM chat_members m JOIN users u ON u.id = m.user_id
		 WHERE m.chat_id = $1
		 ORDER BY u.name, u.id`, chatID)
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("history: chat members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u protocol.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return protocol.Chat{}, fmt.Errorf("history: scan member: %w", err)
		}
		c.Users = append(c.Users, u)
	}
	if err := rows.Err(); err != nil {
		return protocol.Chat{}, fmt.Errorf("history: chat members: %w", err)
	}
	return c, nil
}

// CreateMessage validates membership, inserts the message, and returns the
// canonical record: generated ID, resolved sender, resolved chat including
// its member list, and the stored timestamp. The canonical record is what
// clients must hand to the relay.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID, content, fileURL string) (protocol.Message, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return protocol.Message{}, err
	}

	var sender protocol.User
	for _, u := range chat.Users {
		if u.ID == senderID {
			sender = u
			break
		}
	}
	if sender.ID == "" {
		return protocol.Message{}, ErrNotAMember
	}

	msg := protocol.Message{
		ID:      uuid.New().String(),
		Chat:    chat,
		Sender:  sender,
		Content: content,
		FileURL: fileURL,
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, file_url)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		msg.ID, chatID, senderID, content, fileURL).Scan(&msg.CreatedAt)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("history: create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the chat's messages oldest first, used to seed a
// newly opened transcript. Each record carries the resolved sender; the chat
// is attached without its member list (the list endpoint does not fan out).
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]protocol.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.content, m.file_url, m.created_at, u.id, u.name
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = $1
		 ORDER BY m.created_at, m.id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []protocol.Message{}
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.Content, &m.FileURL, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Name); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		m.Chat.ID = chatID
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	return msgs, nil
}
