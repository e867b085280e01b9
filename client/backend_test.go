package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/gorilla/websocket"
)

// fakeBackend is an httptest server speaking the backend's REST and
// websocket protocol, with hooks for inspecting what the client sent.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	credential    string
	loginUserID   string
	history       []models.Message
	conversations []models.Conversation
	requests      []string
	authHeaders   map[string]string // "METHOD path" -> Authorization
	uploads       []uploadRecord
	uploadRef     string
	deleted       []string
	dials         int
	conns         []*websocket.Conn
	authOKUserID  string
	echo          bool
	bareEcho      bool // echo without id or clientId, as a plain receive_message
	echoed        int
	nextID        int

	// fetchGate, when set, holds GET /messages/{id} until it is closed.
	fetchGate    chan struct{}
	fetchStarted chan struct{}

	writeMu sync.Mutex
	frames  chan protocol.Envelope
}

type uploadRecord struct {
	ReceiverID  string
	Kind        string
	Filename    string
	ContentType string
	Data        []byte
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:           t,
		credential:  makeCredential(t, map[string]any{"userId": "u-1"}),
		authHeaders: make(map[string]string),
		uploadRef:   "k-123",
		frames:      make(chan protocol.Envelope, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/register", b.handleLogin)
	mux.HandleFunc("GET /messages/chats/{userId}", b.handleChats)
	mux.HandleFunc("GET /messages/{userId}", b.handleMessages)
	mux.HandleFunc("POST /upload/media", b.handleUpload)
	mux.HandleFunc("DELETE /upload/media/{mediaRef}", b.handleDelete)
	mux.HandleFunc("GET /media/{mediaRef}", b.handleGetMedia)
	mux.HandleFunc("GET /ws", b.handleWebSocket)

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.requests = append(b.requests, key)
		b.authHeaders[key] = r.Header.Get("Authorization")
		b.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		b.mu.Lock()
		for _, conn := range b.conns {
			conn.Close()
		}
		b.mu.Unlock()
		b.server.Close()
	})
	return b
}

// makeCredential builds a three-part token whose payload segment is claims.
func makeCredential(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2lnbmF0dXJl"
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if body["password"] == "wrong" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid username or password","code":"invalid_credentials"}`))
		return
	}
	b.mu.Lock()
	response := map[string]string{"credential": b.credential}
	if b.loginUserID != "" {
		response["userId"] = b.loginUserID
	}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (b *fakeBackend) handleChats(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	conversations := b.conversations
	b.mu.Unlock()
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversations)
}

func (b *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	gate, started := b.fetchGate, b.fetchStarted
	b.fetchStarted = nil
	b.mu.Unlock()
	if gate != nil {
		if started != nil {
			close(started)
		}
		<-gate
	}

	userID := r.PathValue("userId")
	b.mu.Lock()
	messages := []models.Message{}
	for _, m := range b.history {
		if m.SenderID == userID || m.ReceiverID == userID {
			messages = append(messages, m)
		}
	}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (b *fakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "no file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	b.mu.Lock()
	b.uploads = append(b.uploads, uploadRecord{
		ReceiverID:  r.FormValue("receiverId"),
		Kind:        r.FormValue("kind"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	ref := b.uploadRef
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.MediaUploadResult{MediaRef: ref})
}

func (b *fakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.deleted = append(b.deleted, r.PathValue("mediaRef"))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Write([]byte("media:" + r.PathValue("mediaRef")))
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *fakeBackend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.dials++
	b.conns = append(b.conns, conn)
	authOK := b.authOKUserID
	b.mu.Unlock()

	if authOK != "" {
		b.write(conn, protocol.TypeAuthOK, protocol.AuthOKMessage{UserID: authOK})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			b.t.Errorf("client sent unparseable frame %q: %v", data, err)
			continue
		}
		select {
		case b.frames <- *env:
		default:
		}

		b.mu.Lock()
		echo, bare := b.echo, b.bareEcho
		b.mu.Unlock()
		if (echo || bare) && env.Type == protocol.TypeSendMessage {
			var send protocol.SendMessageMessage
			json.Unmarshal(env.Data, &send)
			b.mu.Lock()
			stored := models.Message{
				SenderID:   "u-1",
				ReceiverID: send.ReceiverID,
				Kind:       send.Kind,
				Content:    send.Content,
				MediaRef:   send.MediaRef,
				CreatedAt:  time.Now().UTC(),
			}
			if !bare {
				b.nextID++
				stored.ID = fmt.Sprintf("m-%d", b.nextID)
				stored.ClientID = send.ClientID
			}
			b.history = append(b.history, stored)
			b.mu.Unlock()
			b.push(stored)
			b.mu.Lock()
			b.echoed++
			b.mu.Unlock()
		}
	}
}

func (b *fakeBackend) write(conn *websocket.Conn, msgType protocol.MessageType, data any) {
	raw, err := protocol.Marshal(msgType, data)
	if err != nil {
		b.t.Errorf("marshal %s: %v", msgType, err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, raw)
}

// push delivers msg as a receive_message event on every open connection.
func (b *fakeBackend) push(msg models.Message) {
	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, conn := range conns {
		b.write(conn, protocol.TypeReceiveMessage, msg)
	}
}

// closeConnections drops every websocket from the server side.
func (b *fakeBackend) closeConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (b *fakeBackend) echoCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.echoed
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBackend) requested(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.requests {
		if r == key {
			return true
		}
	}
	return false
}

// nextFrame waits for the next frame the client sent.
func (b *fakeBackend) nextFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-b.frames:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame from the client")
		return protocol.Envelope{}
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	sink := &syncBuffer{}
	return slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelDebug})), sink
}

// newTestClient returns a Client pointed at backend.
func newTestClient(t *testing.T, backend *fakeBackend, store SessionStore) (*Client, *syncBuffer) {
	t.Helper()
	logger, logs := testLogger()
	c, err := New(Config{
		BaseURL: backend.server.URL,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, logs
}

// loggedIn returns a Client logged in as u-1 and connected.
func loggedIn(t *testing.T, backend *fakeBackend) (*Client, *syncBuffer) {
	t.Helper()
	c, logs := newTestClient(t, backend, nil)
	ctx := context.Background()
	if _, err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, logs
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contents(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		if m.Kind.IsMedia() {
			out[i] = string(m.Kind) + ":" + m.MediaRef
		} else {
			out[i] = m.Content
		}
	}
	return out
}

func joined(messages []models.Message) string {
	return strings.Join(contents(messages), ",")
}
