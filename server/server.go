// Package server is the reference messaging backend the zentrias client talks to.
package server

import "net/http"

// Routes returns the HTTP handler serving the REST API and the live channel.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.HandleRegister)
	mux.HandleFunc("POST /auth/login", s.HandleLogin)

	mux.Handle("GET /messages/chats/{userId}", s.auth.Middleware(http.HandlerFunc(s.HandleConversations)))
	mux.Handle("GET /messages/{userId}", s.auth.Middleware(http.HandlerFunc(s.HandleMessages)))
	mux.Handle("POST /upload/media", s.auth.Middleware(http.HandlerFunc(s.HandleUpload)))
	mux.Handle("DELETE /upload/media/{mediaRef}", s.auth.Middleware(http.HandlerFunc(s.HandleDeleteMedia)))
	mux.Handle("GET /media/{mediaRef}", s.auth.Middleware(http.HandlerFunc(s.HandleGetMedia)))

	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	return mux
}
