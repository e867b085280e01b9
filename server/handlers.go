package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MattCruikshank/zentrias/internal/auth"
	"github.com/MattCruikshank/zentrias/internal/db"
	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the server's dependencies.
type Server struct {
	hub            *Hub
	db             *db.ServerDB
	auth           *auth.Authenticator
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewServer creates a new server instance. The caller runs hub.
func NewServer(hub *Hub, database *db.ServerDB, authenticator *auth.Authenticator, logger *slog.Logger, maxUploadBytes int64) *Server {
	return &Server{
		hub:            hub,
		db:             database,
		auth:           authenticator,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// HandleWebSocket handles WebSocket connections.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUser(r)
	if err != nil {
		s.logger.Warn("websocket auth failed", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "Unauthorized")
		return
	}
	account, err := s.db.GetUser(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to look up user", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	if account == nil {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "Unknown account")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.NewClient(conn, account)
	s.hub.Register(client)
	client.SendEnvelope(protocol.TypeAuthOK, protocol.AuthOKMessage{
		UserID:   account.ID,
		Username: account.Username,
	})

	go s.writePump(client)
	s.readPump(r.Context(), client)
}

func (s *Server) readPump(ctx context.Context, client *Client) {
	defer func() {
		s.hub.Unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Clients ping too; answering refreshes our deadline as well.
	client.conn.SetPingHandler(func(appData string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return client.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket error", "user_id", client.user.ID, "error", err)
			}
			break
		}

		s.handleMessage(ctx, client, message)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, client *Client, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		client.SendError(protocol.ErrCodeInvalidMsg, "Invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeSendMessage:
		var msg protocol.SendMessageMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			client.SendError(protocol.ErrCodeInvalidMsg, "Invalid send_message")
			return
		}
		s.handleSendMessage(ctx, client, &msg)

	default:
		client.SendError(protocol.ErrCodeInvalidMsg, "Unknown message type")
	}
}

func (s *Server) handleSendMessage(ctx context.Context, client *Client, msg *protocol.SendMessageMessage) {
	message := &models.Message{
		ClientID:   msg.ClientID,
		SenderID:   client.user.ID,
		ReceiverID: msg.ReceiverID,
		Kind:       msg.Kind,
		Content:    msg.Content,
		MediaRef:   msg.MediaRef,
	}
	if err := message.Validate(); err != nil {
		client.SendError(protocol.ErrCodeInvalidMsg, err.Error())
		return
	}

	receiver, err := s.db.GetUser(ctx, message.ReceiverID)
	if err != nil {
		s.logger.Error("failed to look up receiver", "receiver_id", message.ReceiverID, "error", err)
		client.SendError(protocol.ErrCodeInternal, "Failed to save message")
		return
	}
	if receiver == nil {
		client.SendError(protocol.ErrCodeNotFound, "Receiver not found")
		return
	}

	if message.Kind.IsMedia() {
		media, err := s.db.GetMedia(ctx, message.MediaRef)
		if err != nil {
			s.logger.Error("failed to look up media", "media_ref", message.MediaRef, "error", err)
			client.SendError(protocol.ErrCodeInternal, "Failed to save message")
			return
		}
		if media == nil || media.OwnerID != client.user.ID {
			client.SendError(protocol.ErrCodeNotFound, "Media not found")
			return
		}
	}

	stored, err := s.db.CreateMessage(ctx, message)
	if err != nil {
		s.logger.Error("failed to store message", "sender_id", message.SenderID, "error", err)
		client.SendError(protocol.ErrCodeInternal, "Failed to save message")
		return
	}
	s.logger.Debug("message stored", "id", stored.ID, "sender_id", stored.SenderID, "receiver_id", stored.ReceiverID, "kind", stored.Kind)

	s.hub.Deliver(stored)
}
