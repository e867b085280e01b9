package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MattCruikshank/zentrias/client"
	"github.com/MattCruikshank/zentrias/internal/auth"
	"github.com/MattCruikshank/zentrias/internal/db"
	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/server"
)

type backend struct {
	url string
	hub *server.Hub
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sdb, err := db.NewServerDB(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewServerDB: %v", err)
	}
	hub := server.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := server.NewServer(hub, sdb, auth.NewAuthenticator([]byte("test-secret"), time.Hour), logger, 1<<20)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		sdb.Close()
	})
	return &backend{url: ts.URL, hub: hub}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// user returns a connected client registered (or logged in) as username.
func (b *backend) user(t *testing.T, username string, register bool) (*client.Client, *lockedBuffer) {
	t.Helper()
	logs := &lockedBuffer{}
	c, err := client.New(client.Config{
		BaseURL: b.url,
		Logger:  slog.New(slog.NewTextHandler(logs, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	if register {
		_, err = c.Register(ctx, username, "password-"+username)
	} else {
		_, err = c.Login(ctx, username, "password-"+username)
	}
	if err != nil {
		t.Fatalf("authenticate %s: %v", username, err)
	}
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect %s: %v", username, err)
	}
	return c, logs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func rawRequest(t *testing.T, method, url, credential string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	resp.Body.Close()
	return resp
}

func TestConversationRoundTrip(t *testing.T) {
	b := startBackend(t)
	ctx := context.Background()
	alice, _ := b.user(t, "alice", true)
	bob, _ := b.user(t, "bob", true)

	if s := alice.Session(); !s.Verified || s.UserID == "" {
		t.Fatalf("alice session = %+v", s)
	}
	aliceID, bobID := alice.SelfID(), bob.SelfID()

	aliceView, err := alice.History.Open(ctx, aliceID, bobID)
	if err != nil {
		t.Fatalf("alice Open: %v", err)
	}
	bobView, err := bob.History.Open(ctx, bobID, aliceID)
	if err != nil {
		t.Fatalf("bob Open: %v", err)
	}

	if _, err := alice.Composer.SendText(ctx, aliceID, bobID, "hello bob"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if _, err := bob.Composer.SendText(ctx, bobID, aliceID, "hi alice"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	confirmed := func(v *client.HistoryView) bool {
		msgs := v.Messages()
		if len(msgs) != 2 {
			return false
		}
		for _, m := range msgs {
			if m.ID == "" {
				return false
			}
		}
		return true
	}
	waitFor(t, "both views to hold two confirmed messages", func() bool {
		return confirmed(aliceView) && confirmed(bobView)
	})

	// A fresh fetch agrees with what arrived live.
	if err := aliceView.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if msgs := aliceView.Messages(); len(msgs) != 2 {
		t.Errorf("after resync = %+v", msgs)
	}

	conversations, err := bob.Directory.List(ctx, bobID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(conversations) != 1 || conversations[0].PeerID != aliceID || conversations[0].PeerDisplayName != "alice" || conversations[0].LastMessagePreview != "hi alice" {
		t.Errorf("conversations = %+v", conversations)
	}
}

func TestEveryConnectionOfAUserReceives(t *testing.T) {
	b := startBackend(t)
	ctx := context.Background()
	alice, _ := b.user(t, "alice", true)
	bob, _ := b.user(t, "bob", true)
	bobAgain, _ := b.user(t, "bob", false)

	waitFor(t, "both bob connections", func() bool { return b.hub.Connected(bob.SelfID()) == 2 })

	var mu sync.Mutex
	got := map[string]int{}
	for name, c := range map[string]*client.Client{"first": bob, "second": bobAgain} {
		c.Live().SubscribeAll(func(msg models.Message) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		})
	}

	if _, err := alice.Composer.SendText(ctx, alice.SelfID(), bob.SelfID(), "to both"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "delivery to both connections", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["first"] == 1 && got["second"] == 1
	})
}

func TestMediaLifecycle(t *testing.T) {
	b := startBackend(t)
	ctx := context.Background()
	alice, _ := b.user(t, "alice", true)
	bob, _ := b.user(t, "bob", true)
	carol, _ := b.user(t, "carol", true)
	aliceID, bobID := alice.SelfID(), bob.SelfID()

	bobView, err := bob.History.Open(ctx, bobID, aliceID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	image := client.MediaFile{Name: "cat.png", ContentType: "image/png", Data: []byte("\x89PNG picture")}
	sent, err := alice.Composer.SendMedia(ctx, aliceID, bobID, image, models.KindImage)
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	ref := sent.MediaRef

	waitFor(t, "bob to receive the image", func() bool {
		msgs := bobView.Messages()
		return len(msgs) == 1 && msgs[0].MediaRef == ref && msgs[0].Kind == models.KindImage
	})

	data, err := bob.Composer.Download(ctx, ref)
	if err != nil {
		t.Fatalf("bob Download: %v", err)
	}
	if !bytes.Equal(data, image.Data) {
		t.Errorf("downloaded %q", data)
	}
	if _, err := carol.Composer.Download(ctx, ref); !client.IsStatus(err, http.StatusForbidden) {
		t.Errorf("carol Download = %v, want 403", err)
	}

	resp := rawRequest(t, http.MethodDelete, b.url+"/upload/media/"+ref, alice.Credential())
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete referenced media = %d, want 409", resp.StatusCode)
	}

	// An upload whose message never goes out is removed again.
	alice.Disconnect()
	failed, err := alice.Composer.SendMedia(ctx, aliceID, bobID, image, models.KindImage)
	if !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("SendMedia while disconnected = %v", err)
	}
	if _, err := alice.Composer.Download(ctx, failed.MediaRef); !client.IsStatus(err, http.StatusNotFound) {
		t.Errorf("orphaned upload still present: %v", err)
	}
}

func TestAccessControl(t *testing.T) {
	b := startBackend(t)
	ctx := context.Background()
	alice, _ := b.user(t, "alice", true)
	bob, _ := b.user(t, "bob", true)

	tests := []struct {
		name       string
		method     string
		path       string
		credential string
		want       int
	}{
		{"no credential", http.MethodGet, "/messages/" + alice.SelfID(), "", http.StatusUnauthorized},
		{"forged credential", http.MethodGet, "/messages/" + alice.SelfID(), "a.b.c", http.StatusUnauthorized},
		{"another user's messages", http.MethodGet, "/messages/" + alice.SelfID(), bob.Credential(), http.StatusForbidden},
		{"another user's conversations", http.MethodGet, "/messages/chats/" + alice.SelfID(), bob.Credential(), http.StatusForbidden},
		{"own messages", http.MethodGet, "/messages/" + alice.SelfID(), alice.Credential(), http.StatusOK},
		{"missing media", http.MethodGet, "/media/nope", alice.Credential(), http.StatusNotFound},
		{"live channel without credential", http.MethodGet, "/ws", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawRequest(t, tt.method, b.url+tt.path, tt.credential)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	t.Run("duplicate registration", func(t *testing.T) {
		c, err := client.New(client.Config{BaseURL: b.url})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer c.Close()
		if _, err := c.Register(ctx, "alice", "whatever"); !client.IsAPIError(err, "user_exists") {
			t.Errorf("Register = %v, want user_exists", err)
		}
		if _, err := c.Login(ctx, "alice", "wrong"); !client.IsAPIError(err, "invalid_credentials") {
			t.Errorf("Login = %v, want invalid_credentials", err)
		}
	})
}

func TestInvalidSendIsReported(t *testing.T) {
	b := startBackend(t)
	alice, logs := b.user(t, "alice", true)

	if _, err := alice.Composer.SendText(context.Background(), alice.SelfID(), "no-such-user", "anyone?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "the backend error to be logged", func() bool {
		return strings.Contains(logs.String(), "backend reported error")
	})
}
