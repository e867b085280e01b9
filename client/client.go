package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend's HTTP root, e.g. "http://localhost:8080".
	BaseURL string

	// LiveURL is the websocket endpoint. Derived from BaseURL when empty.
	LiveURL string

	// HTTPClient is used for request/response calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Dialer opens the live channel. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Store persists the session. Defaults to an in-memory store.
	// If it implements io.Closer, Close closes it.
	Store SessionStore

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ResyncOnSend makes every successful send re-fetch the open views of
	// the receiver instead of relying on the echoed message alone.
	ResyncOnSend bool
}

// Client is one user session against the messaging backend. It owns the
// live channel and shares it with its Directory, History and Composer.
type Client struct {
	logger   *slog.Logger
	api      *api
	store    SessionStore
	sessions *SessionManager
	live     *Connector

	Directory *Directory
	History   *Synchronizer
	Composer  *Composer

	mu      sync.RWMutex
	session *models.Session
}

// New creates a Client. No network traffic happens until Login or Connect.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = NewMemoryStore()
	}
	liveURL := config.LiveURL
	if liveURL == "" {
		liveURL = deriveLiveURL(config.BaseURL)
	}

	c := &Client{
		logger: logger,
		api:    newAPI(config.BaseURL, config.HTTPClient, logger),
		store:  store,
		live:   NewConnector(liveURL, config.Dialer, logger),
	}
	c.sessions = newSessionManager(c.api, store, logger)
	c.Directory = &Directory{api: c.api, creds: c}
	c.History = newSynchronizer(c.api, c, c.live, logger)
	c.Composer = newComposer(c.api, c, c.live, c.History, logger, config.ResyncOnSend)
	c.live.OnAuthOK(c.handleAuthOK)
	return c, nil
}

// deriveLiveURL maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func deriveLiveURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Login authenticates and makes the result the current session.
func (c *Client) Login(ctx context.Context, username, password string) (*models.Session, error) {
	session, err := c.sessions.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	c.setSession(session)
	return session, nil
}

// Register creates an account and makes it the current session.
func (c *Client) Register(ctx context.Context, username, password string) (*models.Session, error) {
	session, err := c.sessions.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	c.setSession(session)
	return session, nil
}

// Restore loads the persisted session, if any, and makes it current.
// It returns nil when nothing was persisted.
func (c *Client) Restore(ctx context.Context) (*models.Session, error) {
	session, err := c.sessions.Restore(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	c.setSession(session)
	return session, nil
}

// Logout closes the live channel and forgets the session.
func (c *Client) Logout(ctx context.Context) error {
	c.live.Disconnect()
	c.setSession(nil)
	return c.sessions.Logout(ctx)
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Credential returns the bearer credential of the current session, or "".
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.Credential
}

// SelfID returns the user id of the current session, or "".
func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.UserID
}

func (c *Client) setSession(session *models.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// Connect opens the live channel for the current session. Calling it while
// connected returns the existing channel.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	credential := c.Credential()
	if credential == "" {
		return nil, ErrNoSession
	}
	return c.live.Connect(ctx, credential)
}

// Disconnect closes the live channel. It is safe to call when not connected.
func (c *Client) Disconnect() {
	c.live.Disconnect()
}

// Live returns the connection manager, for subscribing to incoming messages.
func (c *Client) Live() *Connector {
	return c.live
}

func (c *Client) handleAuthOK(msg protocol.AuthOKMessage) {
	current := c.Session()
	if current == nil {
		return
	}
	updated, err := c.sessions.Confirm(context.Background(), current, msg.UserID)
	if err != nil {
		c.logger.Error("failed to record confirmed identity", "user_id", msg.UserID, "error", err)
		return
	}

	c.mu.Lock()
	// Ignore confirmations that arrive after a logout or a different login.
	if c.session != nil && c.session.Credential == updated.Credential {
		c.session = updated
	}
	c.mu.Unlock()
}

// Close shuts the client down. The store is closed too if it implements io.Closer.
func (c *Client) Close() error {
	var result *multierror.Error

	c.History.closeAll()
	c.live.Disconnect()
	c.api.closeIdleConnections()

	if closer, ok := c.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("client: failed to close session store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
