package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageKind identifies what a message carries.
type MessageKind string

const (
	KindText  MessageKind = "TEXT"
	KindImage MessageKind = "IMAGE"
	KindAudio MessageKind = "AUDIO"
)

// IsMedia reports whether messages of this kind reference an uploaded object.
func (k MessageKind) IsMedia() bool {
	return k == KindImage || k == KindAudio
}

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	return k == KindText || k.IsMedia()
}

// MessageState tracks a locally composed message through delivery.
// It is never sent over the wire.
type MessageState string

const (
	StateSent    MessageState = ""
	StatePending MessageState = "pending"
	StateFailed  MessageState = "failed"
)

// Message represents a direct message between two users.
type Message struct {
	ID         string      `json:"id,omitempty"`       // Server-assigned
	ClientID   string      `json:"clientId,omitempty"` // Provisional id chosen by the sender
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content,omitempty"`  // TEXT only
	MediaRef   string      `json:"mediaRef,omitempty"` // IMAGE/AUDIO only
	CreatedAt  time.Time   `json:"createdAt"`

	State MessageState `json:"-"`
}

var errInvalidMessage = errors.New("invalid message")

// Validate checks that exactly one of Content/MediaRef is set, as dictated by Kind.
func (m *Message) Validate() error {
	switch {
	case m.Kind == KindText:
		if m.Content == "" || m.MediaRef != "" {
			return fmt.Errorf("%w: TEXT message needs content and no mediaRef", errInvalidMessage)
		}
	case m.Kind.IsMedia():
		if m.MediaRef == "" || m.Content != "" {
			return fmt.Errorf("%w: %s message needs mediaRef and no content", errInvalidMessage, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidMessage, m.Kind)
	}
	return nil
}

// Involves reports whether the message was exchanged between a and b, in either direction.
func (m *Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Key returns a stable identity for deduplication. Server ids win, then the
// sender's provisional id, then the (sender, receiver, createdAt, kind) tuple.
func (m *Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	if m.ClientID != "" {
		return "client:" + m.ClientID
	}
	return fmt.Sprintf("tuple:%s|%s|%d|%s", m.SenderID, m.ReceiverID, m.CreatedAt.UnixNano(), m.Kind)
}

// Preview returns a short human-readable summary, used for conversation lists.
func (m *Message) Preview() string {
	switch m.Kind {
	case KindImage:
		return "[image]"
	case KindAudio:
		return "[audio]"
	default:
		return m.Content
	}
}

// MediaUploadResult is returned by the storage endpoint.
type MediaUploadResult struct {
	MediaRef string `json:"mediaRef"`
}
