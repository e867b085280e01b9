package models

import "time"

// Conversation is one entry of the conversation list: a peer plus a preview
// of the last message exchanged with them.
type Conversation struct {
	PeerID             string      `json:"peerId"`
	PeerDisplayName    string      `json:"peerDisplayName"`
	LastMessagePreview string      `json:"lastMessagePreview"`
	LastMessageKind    MessageKind `json:"lastMessageKind"`
	LastMessageTime    time.Time   `json:"lastMessageTime"`
}
