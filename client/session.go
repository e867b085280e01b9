package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MattCruikshank/zentrias/internal/auth"
	"github.com/MattCruikshank/zentrias/internal/models"
)

// SessionStore persists the session across restarts.
// *db.ClientDB implements it.
type SessionStore interface {
	LoadSession(ctx context.Context) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	ClearSession(ctx context.Context) error
}

// MemoryStore is a SessionStore that lives only as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	session *models.Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadSession(context.Context) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	s := *m.session
	return &s, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	m.session = &s
	return nil
}

func (m *MemoryStore) ClearSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Credential string `json:"credential"`
	UserID     string `json:"userId,omitempty"`
}

// SessionManager obtains, persists and clears credentials.
type SessionManager struct {
	api    *api
	store  SessionStore
	logger *slog.Logger
}

func newSessionManager(a *api, store SessionStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{api: a, store: store, logger: logger}
}

// Login exchanges username and password for a credential and persists the
// resulting session. If the user id cannot be decoded from the credential a
// warning is logged and models.PlaceholderUserID is used instead.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*models.Session, error) {
	return m.authenticate(ctx, "/auth/login", username, password)
}

// Register creates an account and logs in as it.
func (m *SessionManager) Register(ctx context.Context, username, password string) (*models.Session, error) {
	return m.authenticate(ctx, "/auth/register", username, password)
}

func (m *SessionManager) authenticate(ctx context.Context, path, username, password string) (*models.Session, error) {
	var response loginResponse
	err := m.api.doJSON(ctx, http.MethodPost, path, "", loginRequest{
		Username: username,
		Password: password,
	}, &response)
	if err != nil {
		return nil, fmt.Errorf("client: %s failed: %w", path, err)
	}
	if response.Credential == "" {
		return nil, fmt.Errorf("client: %s returned no credential", path)
	}

	session := &models.Session{Credential: response.Credential}

	decoded, decodeErr := auth.DecodeUserID(response.Credential)
	if decodeErr != nil {
		m.logger.Warn("could not decode user id from credential",
			"error", decodeErr,
			"placeholder", models.PlaceholderUserID,
		)
		decoded = models.PlaceholderUserID
	}
	session.UserID = decoded

	if response.UserID != "" {
		if decodeErr == nil && response.UserID != decoded {
			m.logger.Warn("credential user id disagrees with backend",
				"decoded", decoded,
				"backend", response.UserID,
			)
		}
		session.UserID = response.UserID
		session.Verified = true
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("client: failed to persist session: %w", err)
	}
	m.logger.Info("logged in", "user_id", session.UserID, "verified", session.Verified)
	return session, nil
}

// Restore returns the persisted session, or nil if there is none.
func (m *SessionManager) Restore(ctx context.Context) (*models.Session, error) {
	session, err := m.store.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: failed to load session: %w", err)
	}
	return session, nil
}

// Logout clears the persisted session. It does not touch the live channel.
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("client: failed to clear session: %w", err)
	}
	return nil
}

// Confirm records userID as confirmed by the backend and persists the change.
// It returns the updated session.
func (m *SessionManager) Confirm(ctx context.Context, session *models.Session, userID string) (*models.Session, error) {
	if session == nil {
		return nil, ErrNoSession
	}
	if userID == "" {
		return nil, errors.New("client: backend confirmed an empty user id")
	}
	if session.Verified && session.UserID == userID {
		return session, nil
	}
	if session.UserID != userID {
		m.logger.Info("backend confirmed user id", "previous", session.UserID, "user_id", userID)
	}
	updated := *session
	updated.UserID = userID
	updated.Verified = true
	if err := m.store.SaveSession(ctx, &updated); err != nil {
		return nil, fmt.Errorf("client: failed to persist session: %w", err)
	}
	return &updated, nil
}
