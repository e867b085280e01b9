package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ErrUserExists is returned when registering a username that is taken.
var ErrUserExists = errors.New("username already registered")

// ServerDB handles database operations for the reference backend.
type ServerDB struct {
	db  *sql.DB
	now func() time.Time
}

// NewServerDB opens or creates the server database.
func NewServerDB(path string) (*ServerDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	sdb := &ServerDB{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return sdb, nil
}

// Close closes the database connection.
func (s *ServerDB) Close() error {
	return s.db.Close()
}

func (s *ServerDB) migrate() error {
	// Timestamps are unix nanoseconds so ordering and window queries
	// never depend on the driver's DATETIME text format.
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			media_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at);

		CREATE TABLE IF NOT EXISTS media (
			ref TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateUser registers a new account.
func (s *ServerDB) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*models.User, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, username, displayName, passwordHash, s.now().UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return &models.User{ID: id, Username: username, DisplayName: displayName}, nil
}

// GetUserByUsername returns a user and its password hash, or nil if not found.
func (s *ServerDB) GetUserByUsername(ctx context.Context, username string) (*models.User, string, error) {
	var u models.User
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT id, username, display_name, password_hash FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &u, hash, nil
}

// GetUser returns a user by ID, or nil if not found.
func (s *ServerDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, display_name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateMessage stores a message, assigning its ID and timestamp.
func (s *ServerDB) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored := *msg
	stored.ID = uuid.New().String()
	stored.CreatedAt = s.now()
	stored.State = models.StateSent

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, client_id, sender_id, receiver_id, kind, content, media_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ClientID, stored.SenderID, stored.ReceiverID, string(stored.Kind),
		stored.Content, stored.MediaRef, stored.CreatedAt.UnixNano())
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetMessagesForUser returns every message sent or received by userID, oldest first.
func (s *ServerDB) GetMessagesForUser(ctx context.Context, userID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, sender_id, receiver_id, kind, content, media_ref, created_at
		FROM messages WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at ASC, seq ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var kind string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.ReceiverID, &kind, &m.Content, &m.MediaRef, &createdAt); err != nil {
			return nil, err
		}
		m.Kind = models.MessageKind(kind)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetConversations returns one entry per peer userID has exchanged messages
// with, most recently active first.
func (s *ServerDB) GetConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT last.peer_id, COALESCE(u.display_name, last.peer_id), last.kind, last.content, last.created_at
		FROM (
			SELECT
				CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS peer_id,
				kind, content, created_at,
				ROW_NUMBER() OVER (
					PARTITION BY CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END
					ORDER BY created_at DESC, seq DESC
				) AS rn
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
		) AS last
		LEFT JOIN users u ON u.id = last.peer_id
		WHERE last.rn = 1
		ORDER BY last.created_at DESC
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var kind, content string
		var createdAt int64
		if err := rows.Scan(&c.PeerID, &c.PeerDisplayName, &kind, &content, &createdAt); err != nil {
			return nil, err
		}
		last := models.Message{Kind: models.MessageKind(kind), Content: content}
		c.LastMessageKind = last.Kind
		c.LastMessagePreview = last.Preview()
		c.LastMessageTime = time.Unix(0, createdAt).UTC()
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Media is an uploaded binary object.
type Media struct {
	Ref         string
	OwnerID     string
	ReceiverID  string
	Kind        models.MessageKind
	ContentType string
	Data        []byte
}

// SaveMedia stores an uploaded object and returns its reference.
func (s *ServerDB) SaveMedia(ctx context.Context, media *Media) (string, error) {
	ref := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (ref, owner_id, receiver_id, kind, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ref, media.OwnerID, media.ReceiverID, string(media.Kind), media.ContentType, media.Data, s.now().UnixNano())
	if err != nil {
		return "", err
	}
	return ref, nil
}

// GetMedia returns a stored object, or nil if not found.
func (s *ServerDB) GetMedia(ctx context.Context, ref string) (*Media, error) {
	var m Media
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT ref, owner_id, receiver_id, kind, content_type, data FROM media WHERE ref = ?
	`, ref).Scan(&m.Ref, &m.OwnerID, &m.ReceiverID, &kind, &m.ContentType, &m.Data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Kind = models.MessageKind(kind)
	return &m, nil
}

// DeleteMedia removes an object owned by ownerID. It reports whether anything was deleted.
func (s *ServerDB) DeleteMedia(ctx context.Context, ref, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE ref = ? AND owner_id = ?`, ref, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MediaReferenced reports whether any stored message points at ref.
func (s *ServerDB) MediaReferenced(ctx context.Context, ref string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE media_ref = ?`, ref).Scan(&n)
	return n > 0, err
}
