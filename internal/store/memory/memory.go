// Package memory is an in-process store for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	messages map[string][]models.ChatMessage
	calls    map[string]*models.CallRecord
	grants   map[string]map[string]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string][]models.ChatMessage),
		calls:    make(map[string]*models.CallRecord),
		grants:   make(map[string]map[string]bool),
	}
}

func (s *Store) AppendMessage(_ context.Context, roomID string, msg models.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.RoomID = roomID
	msgs := append(s.messages[roomID], msg)
	// keep createdAt order when appends race; ties stay in arrival order
	for i := len(msgs) - 1; i > 0 && before(msgs[i], msgs[i-1]); i-- {
		msgs[i], msgs[i-1] = msgs[i-1], msgs[i]
	}
	s.messages[roomID] = msgs
	return msg.ID, nil
}

func before(a, b models.ChatMessage) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) FetchRecentMessages(_ context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[roomID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.ChatMessage(nil), all...), nil
}

func (s *Store) MarkRead(_ context.Context, roomID, readerID string, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	for i := range msgs {
		if want[msgs[i].ID] && msgs[i].SenderID != readerID {
			msgs[i].Read = true
		}
	}
	return nil
}

func (s *Store) UpdateCallStatus(_ context.Context, callID string, u models.CallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		rec = &models.CallRecord{CallID: callID}
		s.calls[callID] = rec
	}
	rec.Apply(u, time.Now())
	return nil
}

func (s *Store) FetchCall(_ context.Context, callID string) (*models.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Participants = append([]models.CallParticipant(nil), rec.Participants...)
	return &cp, nil
}

// Grant allows userID into a room or call. Scope is "room:<id>" or
// "call:<id>".
func (s *Store) Grant(scope, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.grants[scope]
	if !ok {
		users = make(map[string]bool)
		s.grants[scope] = users
	}
	users[userID] = true
}

func (s *Store) GrantAccess(_ context.Context, kind, id, userID string) error {
	s.Grant(kind+":"+id, userID)
	return nil
}

func (s *Store) RevokeAccess(_ context.Context, kind, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[kind+":"+id], userID)
	return nil
}

func (s *Store) CanAccessRoom(_ context.Context, userID, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants["room:"+roomID][userID], nil
}

func (s *Store) CanAccessCall(_ context.Context, userID, callID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants["call:"+callID][userID], nil
}

var (
	_ store.MessageStore  = (*Store)(nil)
	_ store.CallStore     = (*Store)(nil)
	_ store.AccessChecker = (*Store)(nil)
	_ store.AccessAdmin   = (*Store)(nil)
)
