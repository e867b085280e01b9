package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MattCruikshank/zentrias/internal/auth"
	"github.com/MattCruikshank/zentrias/internal/db"
	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"golang.org/x/crypto/bcrypt"
)

// Error codes used only by the REST surface.
const (
	errCodeBadRequest         = "bad_request"
	errCodeForbidden          = "forbidden"
	errCodeUserExists         = "user_exists"
	errCodeInvalidCredentials = "invalid_credentials"
	errCodeMediaInUse         = "media_in_use"
	errCodeTooLarge           = "too_large"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentialResponse struct {
	Credential string `json:"credential"`
	UserID     string `json:"userId"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Invalid request body")
		return nil, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Username and password are required")
		return nil, false
	}
	return &req, true
}

// HandleRegister creates an account and returns a credential for it.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}

	user, err := s.db.CreateUser(r.Context(), req.Username, req.Username, string(hash))
	if errors.Is(err, db.ErrUserExists) {
		writeError(w, http.StatusConflict, errCodeUserExists, "Username already registered")
		return
	}
	if err != nil {
		s.logger.Error("failed to create user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)

	s.issue(w, http.StatusCreated, user)
}

// HandleLogin checks a username and password and returns a credential.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, hash, err := s.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("failed to look up user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errCodeInvalidCredentials, "Invalid username or password")
		return
	}

	s.issue(w, http.StatusOK, user)
}

func (s *Server) issue(w http.ResponseWriter, status int, user *models.User) {
	credential, err := s.auth.Issue(user)
	if err != nil {
		s.logger.Error("failed to issue credential", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	writeJSON(w, status, credentialResponse{Credential: credential, UserID: user.ID})
}

// requireSelf checks that the {userId} path value names the caller.
func requireSelf(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "Unauthorized")
		return nil, false
	}
	if r.PathValue("userId") != user.ID {
		writeError(w, http.StatusForbidden, errCodeForbidden, "Cannot read another user's messages")
		return nil, false
	}
	return user, true
}

// HandleConversations lists the caller's conversations.
func (s *Server) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := requireSelf(w, r)
	if !ok {
		return
	}
	conversations, err := s.db.GetConversations(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to list conversations", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// HandleMessages returns every message the caller sent or received.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := requireSelf(w, r)
	if !ok {
		return
	}
	messages, err := s.db.GetMessagesForUser(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to list messages", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// HandleUpload stores a multipart media upload.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errCodeTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	kind := models.MessageKind(r.FormValue("kind"))
	if !kind.IsMedia() {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "kind must be IMAGE or AUDIO")
		return
	}
	receiverID := r.FormValue("receiverId")
	if receiverID == "" {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "receiverId is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "file is required")
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errCodeTooLarge, "Upload too large")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ref, err := s.db.SaveMedia(r.Context(), &db.Media{
		OwnerID:     user.ID,
		ReceiverID:  receiverID,
		Kind:        kind,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		s.logger.Error("failed to store media", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	s.logger.Info("media uploaded", "media_ref", ref, "user_id", user.ID, "kind", kind, "bytes", len(data))

	writeJSON(w, http.StatusCreated, models.MediaUploadResult{MediaRef: ref})
}

// HandleDeleteMedia removes an upload owned by the caller that no message references.
func (s *Server) HandleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	ref := r.PathValue("mediaRef")

	referenced, err := s.db.MediaReferenced(r.Context(), ref)
	if err != nil {
		s.logger.Error("failed to check media references", "media_ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	if referenced {
		writeError(w, http.StatusConflict, errCodeMediaInUse, "Media is referenced by a message")
		return
	}

	deleted, err := s.db.DeleteMedia(r.Context(), ref, user.ID)
	if err != nil {
		s.logger.Error("failed to delete media", "media_ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, protocol.ErrCodeNotFound, "Media not found")
		return
	}
	s.logger.Info("media deleted", "media_ref", ref, "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetMedia serves an upload to its owner or intended receiver.
func (s *Server) HandleGetMedia(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	ref := r.PathValue("mediaRef")

	media, err := s.db.GetMedia(r.Context(), ref)
	if err != nil {
		s.logger.Error("failed to load media", "media_ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "Internal error")
		return
	}
	if media == nil {
		writeError(w, http.StatusNotFound, protocol.ErrCodeNotFound, "Media not found")
		return
	}
	if media.OwnerID != user.ID && media.ReceiverID != user.ID {
		writeError(w, http.StatusForbidden, errCodeForbidden, "Not a party to this media")
		return
	}

	w.Header().Set("Content-Type", media.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(media.Data)
}
