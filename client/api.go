package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// api performs request/response calls against the messaging backend.
type api struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	maxResponse int64
}

func newAPI(baseURL string, httpClient *http.Client, logger *slog.Logger) *api {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &api{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		logger:      logger,
		maxResponse: maxResponseBytes,
	}
}

// doJSON sends requestBody as JSON (when non-nil) and decodes a 2xx response
// into out (when non-nil). Non-2xx responses become *APIError.
func (a *api) doJSON(ctx context.Context, method, path, credential string, requestBody, out any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	contentType := ""
	if requestBody != nil {
		contentType = "application/json"
	}
	body, err := a.do(ctx, method, path, credential, contentType, bodyReader)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from %s %s: %w", method, path, err)
	}
	return nil
}

// do performs an HTTP request with a raw body and returns the response body.
func (a *api) do(ctx context.Context, method, path, credential, contentType string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if credential != "" {
		request.Header.Set("Authorization", "Bearer "+credential)
	}

	response, err := a.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, a.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(responseBody)) > a.maxResponse {
		return nil, fmt.Errorf("%s %s: %w (over %d bytes)", method, path, ErrResponseTooLarge, a.maxResponse)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	a.logger.Debug("backend request failed",
		"method", method,
		"path", path,
		"status", response.StatusCode,
	)

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(responseBody))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(response.StatusCode)
		}
	}
	return nil, apiErr
}

func (a *api) closeIdleConnections() {
	a.httpClient.CloseIdleConnections()
}
