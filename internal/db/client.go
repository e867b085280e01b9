package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MattCruikshank/zentrias/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Preference keys holding the persisted session.
const (
	KeyCredential = "session.credential"
	KeyUserID     = "session.user_id"
)

// ClientDB handles client-side database operations.
type ClientDB struct {
	db *sql.DB
}

// NewClientDB opens or creates the client database.
func NewClientDB(path string) (*ClientDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	cdb := &ClientDB{db: db}
	if err := cdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return cdb, nil
}

// Close closes the database connection.
func (c *ClientDB) Close() error {
	return c.db.Close()
}

func (c *ClientDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := c.db.Exec(schema)
	return err
}

// GetPreference retrieves a preference value.
func (c *ClientDB) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetPreference sets a preference value.
func (c *ClientDB) SetPreference(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// LoadSession returns the persisted session, or nil if none is stored.
func (c *ClientDB) LoadSession(ctx context.Context) (*models.Session, error) {
	credential, err := c.GetPreference(ctx, KeyCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	if credential == "" {
		return nil, nil
	}
	userID, err := c.GetPreference(ctx, KeyUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &models.Session{Credential: credential, UserID: userID}, nil
}

// SaveSession persists the credential and user id atomically.
func (c *ClientDB) SaveSession(ctx context.Context, session *models.Session) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, upsert, KeyCredential, session.Credential); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, KeyUserID, session.UserID); err != nil {
		return fmt.Errorf("failed to save user id: %w", err)
	}
	return tx.Commit()
}

// ClearSession removes the persisted session.
func (c *ClientDB) ClearSession(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM preferences WHERE key IN (?, ?)`, KeyCredential, KeyUserID)
	return err
}
