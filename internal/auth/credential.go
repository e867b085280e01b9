package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedCredential is returned when a credential is not a three-part token
// or its payload segment cannot be decoded.
var ErrMalformedCredential = errors.New("malformed credential")

// identityClaims are the payload fields that may carry the user id, in priority order.
var identityClaims = []string{"userId", "id", "sub"}

// DecodeUserID extracts the user id from the payload segment of a credential.
// The signature is not verified: the result is advisory and only good for
// local display until the backend confirms it.
func DecodeUserID(credential string) (string, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedCredential, len(parts))
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformedCredential, err)
	}

	for _, name := range identityClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", fmt.Errorf("%w: no user identifier in payload", ErrMalformedCredential)
}

// decodeSegment accepts base64url as issued by JWT libraries, with or without
// padding, and tolerates the standard alphabet some backends emit.
func decodeSegment(segment string) ([]byte, error) {
	trimmed := strings.TrimRight(segment, "=")
	if data, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}
