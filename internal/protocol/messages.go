package protocol

import (
	"encoding/json"

	"github.com/MattCruikshank/zentrias/internal/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Client -> Server
	TypeSendMessage MessageType = "send_message"

	// Server -> Client
	TypeAuthOK         MessageType = "auth_ok"
	TypeReceiveMessage MessageType = "receive_message"
	TypeError          MessageType = "error"
)

// Envelope wraps all WebSocket messages with a type field.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendMessageMessage is sent by the client to deliver a message to a peer.
// Content is set for TEXT; MediaRef for IMAGE and AUDIO.
type SendMessageMessage struct {
	ReceiverID string             `json:"receiverId"`
	Content    string             `json:"content,omitempty"`
	MediaRef   string             `json:"mediaRef,omitempty"`
	Kind       models.MessageKind `json:"kind"`
	ClientID   string             `json:"clientId,omitempty"` // Echoed back on receive_message
}

// ReceiveMessageMessage is sent by the server to both parties of a stored message.
type ReceiveMessageMessage = models.Message

// AuthOKMessage is sent by the server once the connection is authenticated.
type AuthOKMessage struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ErrorMessage is sent by the server when an error occurs.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidMsg   = "invalid_message"
	ErrCodeInternal     = "internal_error"
)

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(msgType MessageType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: msgType,
		Data: raw,
	}, nil
}

// Marshal builds an envelope and encodes it in one step.
func Marshal(msgType MessageType, data interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a JSON message into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
