package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MattCruikshank/zentrias/internal/models"
)

// MediaFile is a binary object picked for sending.
type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// MediaFileFromPath reads a file from disk. The content type is taken from
// the extension, falling back to sniffing the content.
func MediaFileFromPath(path string) (MediaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MediaFile{}, fmt.Errorf("client: failed to read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return MediaFile{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// uploadMedia stores file with the backend and returns its reference.
func (a *api) uploadMedia(ctx context.Context, credential, receiverID string, kind models.MessageKind, file MediaFile) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	name := file.Name
	if name == "" {
		name = strings.ToLower(string(kind))
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "file",
		"filename": name,
	}))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.WriteField("receiverId", receiverID); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.WriteField("kind", string(kind)); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	responseBody, err := a.do(ctx, http.MethodPost, "/upload/media", credential, form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}

	var result models.MediaUploadResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.MediaRef == "" {
		return "", fmt.Errorf("upload response has no mediaRef")
	}
	return result.MediaRef, nil
}

// deleteMedia removes an uploaded object.
func (a *api) deleteMedia(ctx context.Context, credential, mediaRef string) error {
	_, err := a.do(ctx, http.MethodDelete, "/upload/media/"+url.PathEscape(mediaRef), credential, "", nil)
	return err
}

// downloadMedia fetches the bytes of an uploaded object.
func (a *api) downloadMedia(ctx context.Context, credential, mediaRef string) ([]byte, error) {
	return a.do(ctx, http.MethodGet, "/media/"+url.PathEscape(mediaRef), credential, "", nil)
}
