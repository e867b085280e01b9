package models

// PlaceholderUserID stands in for the user id when it cannot be decoded
// from the credential. It never matches a real account.
const PlaceholderUserID = "anonymous"

// Session is the authenticated identity of the running client.
type Session struct {
	Credential string `json:"credential"`
	UserID     string `json:"userId"`
	// Verified is true once the backend itself has confirmed UserID.
	Verified bool `json:"-"`
}

// Resolved reports whether the session carries a usable user id.
func (s *Session) Resolved() bool {
	return s != nil && s.UserID != "" && s.UserID != PlaceholderUserID
}
