package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MattCruikshank/zentrias/internal/audio"
	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/google/uuid"
)

// Composer sends text and media messages over the live channel.
//
// Sends are fire-and-forget: nothing waits for the backend to acknowledge a
// message. The sent message appears in open views immediately in the pending
// state and is confirmed when the backend echoes it back.
type Composer struct {
	api          *api
	creds        credentialSource
	live         *Connector
	history      *Synchronizer
	logger       *slog.Logger
	resyncOnSend bool

	newID func() string
	now   func() time.Time
}

func newComposer(a *api, creds credentialSource, live *Connector, history *Synchronizer, logger *slog.Logger, resyncOnSend bool) *Composer {
	return &Composer{
		api:          a,
		creds:        creds,
		live:         live,
		history:      history,
		logger:       logger,
		resyncOnSend: resyncOnSend,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// SendText sends content to peerID. Content that is empty after trimming
// whitespace is ignored and (nil, nil) is returned.
//
// If the live channel is not open the failure is logged, the message is
// marked failed in open views, and ErrNotConnected is returned alongside it.
func (c *Composer) SendText(ctx context.Context, selfID, peerID, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	if selfID == "" || selfID == models.PlaceholderUserID {
		return nil, ErrUnresolvedIdentity
	}

	msg := c.provisional(selfID, peerID, models.KindText)
	msg.Content = content
	return c.emit(ctx, msg)
}

// SendMedia uploads file and then sends a message referencing it. kind must
// be models.KindImage or models.KindAudio. If the upload succeeds but the
// message cannot be emitted, the upload is deleted again.
func (c *Composer) SendMedia(ctx context.Context, selfID, peerID string, file MediaFile, kind models.MessageKind) (*models.Message, error) {
	if !kind.IsMedia() {
		return nil, ErrInvalidKind
	}
	if selfID == "" || selfID == models.PlaceholderUserID {
		return nil, ErrUnresolvedIdentity
	}
	if len(file.Data) == 0 {
		return nil, fmt.Errorf("client: refusing to send empty %s", strings.ToLower(string(kind)))
	}

	mediaRef, err := c.Upload(ctx, peerID, kind, file)
	if err != nil {
		return nil, err
	}

	msg := c.provisional(selfID, peerID, kind)
	msg.MediaRef = mediaRef
	sent, emitErr := c.emit(ctx, msg)
	if emitErr == nil {
		return sent, nil
	}

	// The upload has no message pointing at it; remove it.
	if err := c.api.deleteMedia(context.WithoutCancel(ctx), c.creds.Credential(), mediaRef); err != nil {
		c.logger.Error("failed to delete orphaned upload", "media_ref", mediaRef, "error", err)
		return sent, errors.Join(emitErr, fmt.Errorf("client: failed to delete orphaned upload %s: %w", mediaRef, err))
	}
	c.logger.Info("deleted orphaned upload", "media_ref", mediaRef)
	return sent, emitErr
}

// SendAudio stops recorder and sends what it captured as an AUDIO message.
func (c *Composer) SendAudio(ctx context.Context, selfID, peerID string, recorder audio.Recorder) (*models.Message, error) {
	data, err := recorder.Stop()
	if err != nil {
		return nil, fmt.Errorf("client: failed to stop recording: %w", err)
	}
	return c.SendMedia(ctx, selfID, peerID, MediaFile{
		Name:        "voice-note",
		ContentType: "application/octet-stream",
		Data:        data,
	}, models.KindAudio)
}

// Upload stores file with the backend and returns its media reference.
func (c *Composer) Upload(ctx context.Context, receiverID string, kind models.MessageKind, file MediaFile) (string, error) {
	mediaRef, err := c.api.uploadMedia(ctx, c.creds.Credential(), receiverID, kind, file)
	if err != nil {
		return "", fmt.Errorf("client: failed to upload %s: %w", strings.ToLower(string(kind)), err)
	}
	return mediaRef, nil
}

// Download returns the bytes of an uploaded object.
func (c *Composer) Download(ctx context.Context, mediaRef string) ([]byte, error) {
	data, err := c.api.downloadMedia(ctx, c.creds.Credential(), mediaRef)
	if err != nil {
		return nil, fmt.Errorf("client: failed to download %s: %w", mediaRef, err)
	}
	return data, nil
}

func (c *Composer) provisional(selfID, peerID string, kind models.MessageKind) models.Message {
	return models.Message{
		ClientID:   c.newID(),
		SenderID:   selfID,
		ReceiverID: peerID,
		Kind:       kind,
		CreatedAt:  c.now(),
		State:      models.StatePending,
	}
}

func (c *Composer) emit(ctx context.Context, msg models.Message) (*models.Message, error) {
	c.history.addProvisional(msg)

	err := c.live.Emit(protocol.TypeSendMessage, protocol.SendMessageMessage{
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		MediaRef:   msg.MediaRef,
		Kind:       msg.Kind,
		ClientID:   msg.ClientID,
	})
	if err != nil {
		c.logger.Error("failed to send message",
			"receiver_id", msg.ReceiverID,
			"kind", msg.Kind,
			"client_id", msg.ClientID,
			"error", err,
		)
		c.history.markFailed(msg.ReceiverID, msg.ClientID)
		msg.State = models.StateFailed
		return &msg, err
	}

	if c.resyncOnSend {
		if err := c.history.resyncPeer(ctx, msg.ReceiverID); err != nil {
			c.logger.Warn("resync after send failed", "peer_id", msg.ReceiverID, "error", err)
		}
	}
	return &msg, nil
}
