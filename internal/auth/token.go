package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/gbrlsnchs/jwt/v3"
)

// contextKey is a custom type for context keys.
type contextKey string

const userContextKey contextKey = "user"

// ErrNoCredential is returned when a request carries no bearer credential.
var ErrNoCredential = errors.New("missing bearer credential")

// Claims is the payload of credentials issued by the reference backend.
type Claims struct {
	jwt.Payload
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Authenticator issues and verifies bearer credentials.
type Authenticator struct {
	alg *jwt.HMACSHA
	ttl time.Duration
	now func() time.Time
}

// NewAuthenticator creates a new authenticator signing with the given HS256 secret.
// A zero ttl issues credentials without expiry.
func NewAuthenticator(secret []byte, ttl time.Duration) *Authenticator {
	return &Authenticator{
		alg: jwt.NewHS256(secret),
		ttl: ttl,
		now: time.Now,
	}
}

// Issue creates a signed credential for user.
func (a *Authenticator) Issue(user *models.User) (string, error) {
	now := a.now()
	claims := Claims{
		Payload: jwt.Payload{
			Issuer:   "zentrias",
			Subject:  user.ID,
			IssuedAt: jwt.NumericDate(now),
		},
		UserID:   user.ID,
		Username: user.Username,
	}
	if a.ttl > 0 {
		claims.ExpirationTime = jwt.NumericDate(now.Add(a.ttl))
	}

	token, err := jwt.Sign(claims, a.alg)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return string(token), nil
}

// Verify checks the signature and expiry of a credential and returns its user.
func (a *Authenticator) Verify(credential string) (*models.User, error) {
	var claims Claims
	var opts []jwt.VerifyOption
	if a.ttl > 0 {
		// The exp validator rejects tokens without exp, so it only applies when we issue one.
		opts = append(opts, jwt.ValidatePayload(&claims.Payload, jwt.ExpirationTimeValidator(a.now())))
	}
	if _, err := jwt.Verify([]byte(credential), a.alg, &claims, opts...); err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("invalid credential: no user id")
	}
	return &models.User{
		ID:          claims.UserID,
		Username:    claims.Username,
		DisplayName: claims.Username,
	}, nil
}

// GetUser extracts and verifies the bearer credential of an HTTP request.
func (a *Authenticator) GetUser(r *http.Request) (*models.User, error) {
	credential, ok := BearerCredential(r)
	if !ok {
		return nil, ErrNoCredential
	}
	return a.Verify(credential)
}

// Middleware wraps an HTTP handler and adds the user to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.GetUser(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Unauthorized","code":"unauthorized"}`))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext retrieves the user from the request context.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// BearerCredential returns the credential of an "Authorization: Bearer" header.
func BearerCredential(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
