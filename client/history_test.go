package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MattCruikshank/zentrias/internal/models"
)

func textMessage(id, from, to, content string) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Kind:       models.KindText,
		Content:    content,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestOpenFiltersConversation(t *testing.T) {
	backend := newFakeBackend(t)
	backend.history = []models.Message{
		textMessage("m-1", "u-2", "u-1", "first"),
		textMessage("m-2", "u-1", "u-3", "other peer"),
		textMessage("m-3", "u-1", "u-2", "second"),
		textMessage("m-4", "u-3", "u-1", "other again"),
		textMessage("m-5", "u-2", "u-1", "third"),
	}
	c, _ := loggedIn(t, backend)

	view, err := c.History.Open(context.Background(), "u-1", "u-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer view.Close()

	if got := joined(view.Messages()); got != "first,second,third" {
		t.Errorf("messages = %s", got)
	}
	if view.Peer() != "u-2" {
		t.Errorf("Peer = %q", view.Peer())
	}
}

func TestOpenRefusesPlaceholder(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, backend, nil)

	for _, self := range []string{"", models.PlaceholderUserID} {
		if _, err := c.History.Open(context.Background(), self, "u-2"); !errors.Is(err, ErrUnresolvedIdentity) {
			t.Errorf("Open(%q) = %v, want ErrUnresolvedIdentity", self, err)
		}
	}
	if backend.requested("GET /messages/" + models.PlaceholderUserID) {
		t.Error("history was fetched for the placeholder id")
	}
}

func TestLiveMerge(t *testing.T) {
	backend := newFakeBackend(t)
	backend.history = []models.Message{textMessage("m-1", "u-2", "u-1", "hello")}
	c, _ := loggedIn(t, backend)

	view, err := c.History.Open(context.Background(), "u-1", "u-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	backend.push(textMessage("m-2", "u-2", "u-1", "live"))
	backend.push(textMessage("m-9", "u-3", "u-1", "elsewhere"))
	backend.push(textMessage("m-2", "u-2", "u-1", "live"))
	backend.push(textMessage("m-3", "u-1", "u-2", "mine"))

	waitFor(t, "live messages", func() bool { return len(view.Messages()) == 3 })
	if got := joined(view.Messages()); got != "hello,live,mine" {
		t.Errorf("messages = %s", got)
	}
	select {
	case <-view.Updates():
	default:
		t.Error("no update was signalled")
	}

	view.Close()
	view.Close()
	backend.push(textMessage("m-4", "u-2", "u-1", "after close"))
	// A later message on the same channel proves the earlier one was processed.
	probe, err := c.History.Open(context.Background(), "u-1", "u-5")
	if err != nil {
		t.Fatalf("Open probe: %v", err)
	}
	defer probe.Close()
	backend.push(textMessage("m-5", "u-5", "u-1", "probe"))
	waitFor(t, "probe message", func() bool { return len(probe.Messages()) == 1 })

	if got := joined(view.Messages()); got != "hello,live,mine" {
		t.Errorf("closed view changed: %s", got)
	}
	if _, ok := <-view.Updates(); ok {
		t.Error("Updates should be closed")
	}
	if err := view.Resync(context.Background()); !errors.Is(err, ErrViewClosed) {
		t.Errorf("Resync on closed view = %v, want ErrViewClosed", err)
	}
}

func TestViewsForDifferentPeersBothReceive(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := loggedIn(t, backend)
	ctx := context.Background()

	viewA, err := c.History.Open(ctx, "u-1", "u-2")
	if err != nil {
		t.Fatalf("Open A: %v", err)
	}
	defer viewA.Close()
	viewB, err := c.History.Open(ctx, "u-1", "u-3")
	if err != nil {
		t.Fatalf("Open B: %v", err)
	}
	defer viewB.Close()
	viewA2, err := c.History.Open(ctx, "u-1", "u-2")
	if err != nil {
		t.Fatalf("Open A2: %v", err)
	}
	defer viewA2.Close()

	backend.push(textMessage("m-1", "u-2", "u-1", "for A"))
	backend.push(textMessage("m-2", "u-3", "u-1", "for B"))

	waitFor(t, "both views", func() bool {
		return len(viewA.Messages()) == 1 && len(viewB.Messages()) == 1 && len(viewA2.Messages()) == 1
	})
	if joined(viewA.Messages()) != "for A" || joined(viewA2.Messages()) != "for A" || joined(viewB.Messages()) != "for B" {
		t.Errorf("A = %s, A2 = %s, B = %s", joined(viewA.Messages()), joined(viewA2.Messages()), joined(viewB.Messages()))
	}
}

// With only the single incoming slot, the handler installed for B replaces
// A's, so A no longer hears its own peer.
func TestIncomingSlotSilencesEarlierConversation(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := loggedIn(t, backend)

	var fromA, fromB []string
	c.Live().SubscribeIncoming(func(msg models.Message) {
		if msg.SenderID == "u-2" {
			fromA = append(fromA, msg.Content)
		}
	})
	received := make(chan struct{}, 4)
	c.Live().SubscribeIncoming(func(msg models.Message) {
		if msg.SenderID == "u-3" {
			fromB = append(fromB, msg.Content)
		}
		received <- struct{}{}
	})

	backend.push(textMessage("m-1", "u-2", "u-1", "to A"))
	backend.push(textMessage("m-2", "u-3", "u-1", "to B"))
	for range 2 {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	if len(fromA) != 0 {
		t.Errorf("A's handler should be silenced, got %v", fromA)
	}
	if len(fromB) != 1 || fromB[0] != "to B" {
		t.Errorf("fromB = %v", fromB)
	}
}

func TestResyncMergesLiveEventsReceivedDuringFetch(t *testing.T) {
	for _, snapshotHasLive := range []bool{false, true} {
		t.Run(fmt.Sprintf("snapshot includes live message %v", snapshotHasLive), func(t *testing.T) {
			backend := newFakeBackend(t)
			backend.history = []models.Message{textMessage("m-1", "u-2", "u-1", "old")}
			c, _ := loggedIn(t, backend)
			ctx := context.Background()

			view, err := c.History.Open(ctx, "u-1", "u-2")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer view.Close()

			gate, started := make(chan struct{}), make(chan struct{})
			backend.mu.Lock()
			backend.fetchGate, backend.fetchStarted = gate, started
			backend.mu.Unlock()

			done := make(chan error, 1)
			go func() { done <- view.Resync(ctx) }()
			<-started

			live := textMessage("m-2", "u-2", "u-1", "live")
			if snapshotHasLive {
				backend.mu.Lock()
				backend.history = append(backend.history, live)
				backend.mu.Unlock()
			}
			backend.push(live)
			waitFor(t, "live message during resync", func() bool { return len(view.Messages()) == 2 })

			backend.mu.Lock()
			backend.fetchGate = nil
			backend.mu.Unlock()
			close(gate)
			if err := <-done; err != nil {
				t.Fatalf("Resync: %v", err)
			}

			if got := joined(view.Messages()); got != "old,live" {
				t.Errorf("messages = %s, want old,live", got)
			}
		})
	}
}

func TestResyncFailureKeepsMessages(t *testing.T) {
	backend := newFakeBackend(t)
	backend.history = []models.Message{textMessage("m-1", "u-2", "u-1", "kept")}
	c, _ := loggedIn(t, backend)

	view, err := c.History.Open(context.Background(), "u-1", "u-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer view.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := view.Resync(ctx); err == nil {
		t.Fatal("expected Resync to fail with a cancelled context")
	}
	if got := joined(view.Messages()); got != "kept" {
		t.Errorf("messages = %s", got)
	}
}

func TestMergeDeduplicates(t *testing.T) {
	v := &HistoryView{selfID: "u-1", peerID: "u-2", index: make(map[string]int), updates: make(chan struct{}, 1)}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provisional := models.Message{ClientID: "c-1", SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: "hi", CreatedAt: at}
	v.addProvisional(provisional)
	v.addProvisional(provisional)
	if len(v.messages) != 1 || v.messages[0].State != models.StatePending {
		t.Fatalf("provisional = %+v", v.messages)
	}

	confirmed := provisional
	confirmed.ID = "m-1"
	confirmed.State = models.StateSent
	v.mergeLocked(confirmed)
	if len(v.messages) != 1 || v.messages[0].ID != "m-1" || v.messages[0].State != models.StateSent {
		t.Fatalf("after echo = %+v", v.messages)
	}

	// No server id and no client id: the tuple identifies it.
	bare := models.Message{SenderID: "u-2", ReceiverID: "u-1", Kind: models.KindText, Content: "yo", CreatedAt: at}
	if !v.mergeLocked(bare) {
		t.Error("first bare message should be added")
	}
	if v.mergeLocked(bare) {
		t.Error("duplicate bare message should be ignored")
	}
	if len(v.messages) != 2 {
		t.Errorf("len = %d, want 2", len(v.messages))
	}

	// A server copy arriving before the provisional's echo is collapsed with it.
	v.addProvisional(models.Message{ClientID: "c-2", SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: "again", CreatedAt: at})
	v.mergeLocked(models.Message{ID: "m-2", SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: "again", CreatedAt: at})
	v.mergeLocked(models.Message{ID: "m-2", ClientID: "c-2", SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: "again", CreatedAt: at})
	if got := joined(v.messages); got != "hi,yo,again" {
		t.Errorf("messages = %s", got)
	}
}

func TestCopiesWithoutIDsConfirmProvisionals(t *testing.T) {
	newView := func() *HistoryView {
		return &HistoryView{selfID: "u-1", peerID: "u-2", index: make(map[string]int), updates: make(chan struct{}, 1)}
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outgoing := func(clientID, content string) models.Message {
		return models.Message{ClientID: clientID, SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: content, CreatedAt: at}
	}
	bare := func(content string, second int) models.Message {
		return models.Message{SenderID: "u-1", ReceiverID: "u-2", Kind: models.KindText, Content: content, CreatedAt: at.Add(time.Duration(second) * time.Second)}
	}

	t.Run("live echo takes the oldest pending match", func(t *testing.T) {
		v := newView()
		v.addProvisional(outgoing("c-1", "hi"))
		v.addProvisional(outgoing("c-2", "other"))
		v.addProvisional(outgoing("c-3", "hi"))

		if !v.mergeLocked(bare("hi", 1)) {
			t.Fatal("echo should change the sequence")
		}
		if got := joined(v.messages); got != "hi,other,hi" {
			t.Fatalf("messages = %s", got)
		}
		if v.messages[0].State != models.StateSent || v.messages[2].State != models.StatePending {
			t.Errorf("states = %q, %q", v.messages[0].State, v.messages[2].State)
		}
		if v.mergeLocked(bare("hi", 1)) {
			t.Error("a repeated delivery should be ignored")
		}
		if v.messages[2].State != models.StatePending {
			t.Error("a repeated delivery must not confirm another send")
		}
	})

	t.Run("failed sends are not confirmed", func(t *testing.T) {
		v := newView()
		v.addProvisional(outgoing("c-1", "hi"))
		v.setState("c-1", models.StateFailed)
		v.mergeLocked(bare("hi", 1))
		if len(v.messages) != 2 || v.messages[0].State != models.StateFailed {
			t.Errorf("messages = %+v", v.messages)
		}
	})

	t.Run("snapshot absorbs pending copies once", func(t *testing.T) {
		v := newView()
		v.applySnapshotLocked([]models.Message{bare("hi", 0)})
		v.addProvisional(outgoing("c-1", "hi"))
		v.addProvisional(outgoing("c-2", "hi"))

		// The earlier "hi" was already confirmed, so only the new copy counts.
		v.applySnapshotLocked([]models.Message{bare("hi", 0), bare("hi", 5)})
		if len(v.messages) != 3 {
			t.Fatalf("messages = %+v", v.messages)
		}
		if v.messages[2].ClientID != "c-2" || v.messages[2].State != models.StatePending {
			t.Errorf("kept = %+v, want c-2 pending", v.messages[2])
		}

		v.applySnapshotLocked([]models.Message{bare("hi", 0), bare("hi", 5), bare("hi", 6)})
		if got := joined(v.messages); got != "hi,hi,hi" {
			t.Errorf("messages = %s", got)
		}
		for _, m := range v.messages {
			if m.State != models.StateSent {
				t.Errorf("%+v still provisional", m)
			}
		}
	})
}
