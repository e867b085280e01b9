package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/gorilla/websocket"
)

// Client represents a connected WebSocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user *models.User
	send chan []byte
}

// Hub tracks live connections per user and fans stored messages out to them.
// A user may hold several connections at once; each receives every delivery.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]map[*Client]bool // userID -> connections

	deliver chan *delivery
	done    chan struct{}
}

type delivery struct {
	userIDs []string
	data    []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		users:   make(map[string]map[*Client]bool),
		deliver: make(chan *delivery, 256),
		done:    make(chan struct{}),
	}
}

// Run fans out deliveries until ctx is done, then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.users {
				for client := range conns {
					close(client.send)
				}
			}
			h.users = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			close(h.done)
			return

		case d := <-h.deliver:
			var stalled []*Client
			h.mu.RLock()
			seen := make(map[*Client]bool)
			for _, userID := range d.userIDs {
				for client := range h.users[userID] {
					if seen[client] {
						continue
					}
					seen[client] = true
					select {
					case client.send <- d.data:
					default:
						stalled = append(stalled, client)
					}
				}
			}
			h.mu.RUnlock()

			// Client buffer full, disconnect
			for _, client := range stalled {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	removed := h.users[client.user.ID][client]
	if removed {
		delete(h.users[client.user.ID], client)
		if len(h.users[client.user.ID]) == 0 {
			delete(h.users, client.user.ID)
		}
		close(client.send)
	}
	h.mu.Unlock()
	if removed {
		h.logger.Info("client disconnected", "user_id", client.user.ID)
	}
}

// Deliver sends a stored message to every connection of its sender and receiver.
func (h *Hub) Deliver(msg *models.Message) {
	data, err := protocol.Marshal(protocol.TypeReceiveMessage, msg)
	if err != nil {
		h.logger.Error("failed to encode message", "message_id", msg.ID, "error", err)
		return
	}
	d := &delivery{
		userIDs: []string{msg.SenderID, msg.ReceiverID},
		data:    data,
	}
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

// Connected reports how many live connections userID holds.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// NewClient creates a new client for the hub.
func (h *Hub) NewClient(conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan []byte, 256),
	}
}

// Register adds a client to the hub. It is visible to deliveries on return.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if h.users[client.user.ID] == nil {
		h.users[client.user.ID] = make(map[*Client]bool)
	}
	h.users[client.user.ID][client] = true
	h.mu.Unlock()
	h.logger.Info("client connected", "user_id", client.user.ID, "username", client.user.Username)
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.remove(client)
}

// SendEnvelope queues a protocol envelope for the client. It drops the
// envelope if the client's buffer is full.
func (c *Client) SendEnvelope(msgType protocol.MessageType, data any) error {
	raw, err := protocol.Marshal(msgType, data)
	if err != nil {
		return err
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.users[c.user.ID][c] {
		return nil
	}
	select {
	case c.send <- raw:
	default:
	}
	return nil
}

// SendError sends an error message to the client.
func (c *Client) SendError(code, message string) {
	c.SendEnvelope(protocol.TypeError, protocol.ErrorMessage{
		Code:    code,
		Message: message,
	})
}
