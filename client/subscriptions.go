package client

import (
	"sort"
	"sync"

	"github.com/MattCruikshank/zentrias/internal/models"
)

// IncomingHandler receives messages from the live channel. Handlers run on
// the connection's read goroutine, one at a time, in arrival order.
type IncomingHandler func(msg models.Message)

// subscriptions routes incoming messages to interested handlers.
// Handlers are keyed by peer id: a message is delivered to every handler
// registered for its sender or its receiver.
type subscriptions struct {
	mu     sync.RWMutex
	nextID uint64
	byPeer map[string]map[uint64]IncomingHandler // peerID -> handlers
	all    map[uint64]IncomingHandler

	// incoming is the single replaceable slot behind SubscribeIncoming.
	incoming IncomingHandler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byPeer: make(map[string]map[uint64]IncomingHandler),
		all:    make(map[uint64]IncomingHandler),
	}
}

func (s *subscriptions) subscribe(peerID string, handler IncomingHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.byPeer[peerID] == nil {
		s.byPeer[peerID] = make(map[uint64]IncomingHandler)
	}
	s.byPeer[peerID][id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if handlers, ok := s.byPeer[peerID]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(s.byPeer, peerID)
				}
			}
			s.mu.Unlock()
		})
	}
}

func (s *subscriptions) subscribeAll(handler IncomingHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.all[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.all, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscriptions) setIncoming(handler IncomingHandler) {
	s.mu.Lock()
	s.incoming = handler
	s.mu.Unlock()
}

// peerCount returns how many handlers are registered for peerID.
func (s *subscriptions) peerCount(peerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPeer[peerID])
}

// dispatch delivers msg to its handlers. The handler set is snapshotted so
// handlers may subscribe or unsubscribe while being called.
func (s *subscriptions) dispatch(msg models.Message) {
	type entry struct {
		id      uint64
		handler IncomingHandler
	}

	s.mu.RLock()
	var targets []entry
	seen := make(map[uint64]bool)
	for _, peerID := range []string{msg.SenderID, msg.ReceiverID} {
		for id, h := range s.byPeer[peerID] {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, entry{id, h})
			}
		}
	}
	for id, h := range s.all {
		targets = append(targets, entry{id, h})
	}
	incoming := s.incoming
	s.mu.RUnlock()

	// Registration order keeps delivery deterministic.
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, t := range targets {
		t.handler(msg)
	}
	if incoming != nil {
		incoming(msg)
	}
}
