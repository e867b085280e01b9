package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MattCruikshank/zentrias/internal/models"
)

// credentialSource supplies the bearer credential of the current session.
type credentialSource interface {
	Credential() string
}

// Directory lists the conversations of the logged-in user.
type Directory struct {
	api   *api
	creds credentialSource
}

// List returns the conversation summaries for userID as the backend orders
// them. An empty credential is sent without an Authorization header.
func (d *Directory) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	path := "/messages/chats/" + url.PathEscape(userID)
	if err := d.api.doJSON(ctx, http.MethodGet, path, d.creds.Credential(), nil, &conversations); err != nil {
		return nil, fmt.Errorf("client: failed to list conversations: %w", err)
	}
	return conversations, nil
}
