package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/MattCruikshank/zentrias/internal/models"
)

// Synchronizer loads conversation history and keeps open views current
// with the live channel.
type Synchronizer struct {
	api    *api
	creds  credentialSource
	live   *Connector
	logger *slog.Logger

	mu    sync.Mutex
	views map[string]map[*HistoryView]struct{} // peerID -> open views
}

func newSynchronizer(a *api, creds credentialSource, live *Connector, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		api:    a,
		creds:  creds,
		live:   live,
		logger: logger,
		views:  make(map[string]map[*HistoryView]struct{}),
	}
}

// Open fetches the conversation between selfID and peerID and returns a view
// that merges live messages until it is closed. The view subscribes before
// the fetch, so messages arriving meanwhile are not lost.
func (s *Synchronizer) Open(ctx context.Context, selfID, peerID string) (*HistoryView, error) {
	if selfID == "" || selfID == models.PlaceholderUserID {
		return nil, ErrUnresolvedIdentity
	}

	v := &HistoryView{
		owner:   s,
		selfID:  selfID,
		peerID:  peerID,
		index:   make(map[string]int),
		updates: make(chan struct{}, 1),
	}
	v.unsubscribe = s.live.Subscribe(peerID, v.receive)
	s.register(v)

	if err := v.Resync(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// fetch returns the messages exchanged between selfID and peerID in backend order.
func (s *Synchronizer) fetch(ctx context.Context, selfID, peerID string) ([]models.Message, error) {
	var all []models.Message
	path := "/messages/" + url.PathEscape(selfID)
	if err := s.api.doJSON(ctx, http.MethodGet, path, s.creds.Credential(), nil, &all); err != nil {
		return nil, fmt.Errorf("client: failed to fetch history: %w", err)
	}

	conversation := make([]models.Message, 0, len(all))
	for _, m := range all {
		if m.Involves(selfID, peerID) {
			conversation = append(conversation, m)
		}
	}
	return conversation, nil
}

func (s *Synchronizer) register(v *HistoryView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.views[v.peerID] == nil {
		s.views[v.peerID] = make(map[*HistoryView]struct{})
	}
	s.views[v.peerID][v] = struct{}{}
}

func (s *Synchronizer) deregister(v *HistoryView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views[v.peerID], v)
	if len(s.views[v.peerID]) == 0 {
		delete(s.views, v.peerID)
	}
}

func (s *Synchronizer) openViews(peerID string) []*HistoryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]*HistoryView, 0, len(s.views[peerID]))
	for v := range s.views[peerID] {
		views = append(views, v)
	}
	return views
}

// closeAll closes every open view.
func (s *Synchronizer) closeAll() {
	s.mu.Lock()
	var views []*HistoryView
	for _, byPeer := range s.views {
		for v := range byPeer {
			views = append(views, v)
		}
	}
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}

// addProvisional shows a message that is about to be emitted in every open
// view of its receiver.
func (s *Synchronizer) addProvisional(msg models.Message) {
	for _, v := range s.openViews(msg.ReceiverID) {
		v.addProvisional(msg)
	}
}

// markFailed flags the provisional message clientID as undelivered.
func (s *Synchronizer) markFailed(peerID, clientID string) {
	for _, v := range s.openViews(peerID) {
		v.setState(clientID, models.StateFailed)
	}
}

// resyncPeer re-fetches every open view of peerID.
func (s *Synchronizer) resyncPeer(ctx context.Context, peerID string) error {
	var errs []error
	for _, v := range s.openViews(peerID) {
		if err := v.Resync(ctx); err != nil && !errors.Is(err, ErrViewClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HistoryView is the ordered message sequence of one open conversation.
// It is safe for concurrent use.
type HistoryView struct {
	owner  *Synchronizer
	selfID string
	peerID string

	mu       sync.Mutex
	messages []models.Message
	index    map[string]int // identity key -> position in messages
	syncing  int
	buffered []models.Message
	closed   bool

	unsubscribe func()
	updates     chan struct{}
}

// Peer returns the peer id of the conversation.
func (v *HistoryView) Peer() string {
	return v.peerID
}

// Messages returns a copy of the current sequence.
func (v *HistoryView) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Updates is signalled after every change to the sequence. Signals coalesce,
// so a receiver should re-read Messages rather than count them. The channel
// is closed when the view is closed.
func (v *HistoryView) Updates() <-chan struct{} {
	return v.updates
}

// Resync re-fetches the conversation. The fetched snapshot replaces the
// confirmed messages. Provisional messages it does not contain are kept at
// the end, and live messages received during the fetch are merged on top.
func (v *HistoryView) Resync(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.syncing++
	v.mu.Unlock()

	snapshot, err := v.owner.fetch(ctx, v.selfID, v.peerID)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncing--
	if err == nil && !v.closed {
		v.applySnapshotLocked(snapshot)
	}
	if v.syncing == 0 {
		v.buffered = nil
	}
	return err
}

// Close stops live merging. It is safe to call more than once.
func (v *HistoryView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.buffered = nil
	close(v.updates)
	v.mu.Unlock()

	v.unsubscribe()
	v.owner.deregister(v)
}

// receive is the live subscription handler.
func (v *HistoryView) receive(msg models.Message) {
	if msg.SenderID != v.peerID && msg.ReceiverID != v.peerID {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	msg.State = models.StateSent
	if v.syncing > 0 {
		v.buffered = append(v.buffered, msg)
	}
	if v.mergeLocked(msg) {
		v.notifyLocked()
	}
}

func (v *HistoryView) addProvisional(msg models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if _, ok := v.index[msg.Key()]; ok {
		return
	}
	msg.State = models.StatePending
	v.messages = append(v.messages, msg)
	v.index[msg.Key()] = len(v.messages) - 1
	v.notifyLocked()
}

func (v *HistoryView) setState(clientID string, state models.MessageState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	pos, ok := v.index["client:"+clientID]
	if !ok || v.messages[pos].State == models.StateSent {
		return
	}
	v.messages[pos].State = state
	v.notifyLocked()
}

func (v *HistoryView) applySnapshotLocked(snapshot []models.Message) {
	previous := v.messages

	// Confirmed messages already on screen cannot stand in for a pending send.
	known := make(map[string]bool, len(previous))
	for i := range previous {
		if previous[i].State == models.StateSent {
			known[previous[i].Key()] = true
		}
	}

	v.messages = make([]models.Message, 0, len(snapshot))
	v.index = make(map[string]int, len(snapshot))
	for _, m := range snapshot {
		m.State = models.StateSent
		v.mergeLocked(m)
	}

	claimed := make(map[int]bool)
	for _, m := range previous {
		if m.State == models.StateSent {
			continue
		}
		if _, ok := v.index["client:"+m.ClientID]; ok {
			continue
		}
		if m.State == models.StatePending {
			if pos := v.storedLocked(m, known, claimed); pos >= 0 {
				claimed[pos] = true
				continue
			}
		}
		v.messages = append(v.messages, m)
		v.reindexLocked()
	}

	for _, m := range v.buffered {
		v.mergeLocked(m)
	}
	v.notifyLocked()
}

// storedLocked returns the position of the first snapshot entry without a client id
// that carries the same message as the provisional p, or -1.
func (v *HistoryView) storedLocked(p models.Message, known map[string]bool, claimed map[int]bool) int {
	for i := range v.messages {
		m := &v.messages[i]
		if m.ClientID != "" || claimed[i] || known[m.Key()] {
			continue
		}
		if sameMessage(m, &p) {
			return i
		}
	}
	return -1
}

// mergeLocked folds msg into the sequence, replacing any entry with the same
// identity. A message without a client id confirms the oldest pending
// provisional with the same content. It reports whether the sequence changed.
func (v *HistoryView) mergeLocked(msg models.Message) bool {
	idPos, hasID := -1, false
	if msg.ID != "" {
		idPos, hasID = v.index["id:"+msg.ID]
	}
	clientPos, hasClient := -1, false
	if msg.ClientID != "" {
		clientPos, hasClient = v.index["client:"+msg.ClientID]
	}
	if msg.ID == "" && msg.ClientID == "" {
		if _, dup := v.index[msg.Key()]; dup {
			return false
		}
	}
	if !hasID && msg.ClientID == "" {
		clientPos = v.pendingLocked(&msg)
		hasClient = clientPos >= 0
	}

	switch {
	case hasID && hasClient && idPos != clientPos:
		// The confirmed copy is already present; drop the provisional one.
		v.messages[idPos] = msg
		v.messages = append(v.messages[:clientPos], v.messages[clientPos+1:]...)
	case hasID:
		v.messages[idPos] = msg
	case hasClient:
		v.messages[clientPos] = msg
	default:
		v.messages = append(v.messages, msg)
	}
	v.reindexLocked()
	return true
}

// pendingLocked returns the position of the oldest pending provisional that
// msg confirms, or -1.
func (v *HistoryView) pendingLocked(msg *models.Message) int {
	for i := range v.messages {
		m := &v.messages[i]
		if m.State == models.StatePending && m.ID == "" && sameMessage(m, msg) {
			return i
		}
	}
	return -1
}

// sameMessage reports whether a and b carry the same payload between the same users.
func sameMessage(a, b *models.Message) bool {
	return a.SenderID == b.SenderID &&
		a.ReceiverID == b.ReceiverID &&
		a.Kind == b.Kind &&
		a.Content == b.Content &&
		a.MediaRef == b.MediaRef
}

func (v *HistoryView) reindexLocked() {
	clear(v.index)
	for i := range v.messages {
		m := &v.messages[i]
		if m.ID != "" {
			v.index["id:"+m.ID] = i
		}
		if m.ClientID != "" {
			v.index["client:"+m.ClientID] = i
		}
		if m.ID == "" && m.ClientID == "" {
			v.index[m.Key()] = i
		}
	}
}

func (v *HistoryView) notifyLocked() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}
