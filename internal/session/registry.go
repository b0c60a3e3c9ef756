package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
	ErrEmptyID      = errors.New("empty identifier")
)

// Conn is the sending half of a client connection. Send must not block.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Participant is one connection's membership in a room or call.
type Participant struct {
	ConnID   string
	UserID   string
	Username string
	Conn     Conn
	JoinedAt time.Time
}

// PublishResult reports delivery of a broadcast.
type PublishResult struct {
	SentTo  int
	Dropped []Participant
}

// Skip filters broadcast targets.
type Skip func(Participant) bool

// ExceptConn skips the originating connection.
func ExceptConn(connID string) Skip {
	return func(p Participant) bool { return p.ConnID == connID }
}

// ExceptUser skips every connection of a user.
func ExceptUser(userID string) Skip {
	return func(p Participant) bool { return p.UserID == userID }
}

type shard struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Participant
}

// Registry maps a room or call identifier to its connected participants.
// An identifier with no participants has no entry.
type Registry struct {
	name   string
	shards []shard
}

// NewRegistry creates a registry split into shards; name only labels logs.
func NewRegistry(name string, shards int) *Registry {
	if shards <= 0 {
		shards = 64
	}
	r := &Registry{name: name, shards: make([]shard, shards)}
	for i := range r.shards {
		r.shards[i].scopes = make(map[string]map[string]Participant)
	}
	return r
}

func (r *Registry) shard(scope string) *shard {
	return &r.shards[xxhash.Sum64String(scope)%uint64(len(r.shards))]
}

// Register adds or replaces the participant keyed by its connection id and
// returns the new participant count.
func (r *Registry) Register(scope string, p Participant) (int, error) {
	if scope == "" || p.ConnID == "" || p.UserID == "" {
		return 0, ErrEmptyID
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	s := r.shard(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.scopes[scope]
	if !ok {
		set = make(map[string]Participant)
		s.scopes[scope] = set
	}
	set[p.ConnID] = p
	log.Debug().Str("module", "session.registry").Str("registry", r.name).Str("scope", scope).Str("conn", p.ConnID).Str("user", p.UserID).Int("count", len(set)).Msg("registered")
	return len(set), nil
}

// Unregister removes a connection. The scope entry is deleted when it
// empties.
func (r *Registry) Unregister(scope, connID string) (Participant, int, bool) {
	s := r.shard(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.scopes[scope]
	if !ok {
		return Participant{}, 0, false
	}
	p, ok := set[connID]
	if !ok {
		return Participant{}, len(set), false
	}
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(s.scopes, scope)
	}
	log.Debug().Str("module", "session.registry").Str("registry", r.name).Str("scope", scope).Str("conn", connID).Int("count", remaining).Msg("unregistered")
	return p, remaining, true
}

// List returns participants ordered by join time.
func (r *Registry) List(scope string) []Participant {
	s := r.shard(scope)
	s.mu.RLock()
	set := s.scopes[scope]
	out := make([]Participant, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of connections registered in scope.
func (r *Registry) Count(scope string) int {
	s := r.shard(scope)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scopes[scope])
}

// IsEmpty reports whether scope has no connections.
func (r *Registry) IsEmpty(scope string) bool {
	return r.Count(scope) == 0
}

// Get returns the participant registered under connID.
func (r *Registry) Get(scope, connID string) (Participant, bool) {
	s := r.shard(scope)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.scopes[scope][connID]
	return p, ok
}

// FindUser returns the earliest connection of userID in scope.
func (r *Registry) FindUser(scope, userID string) (Participant, bool) {
	for _, p := range r.List(scope) {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Broadcast sends frame to every participant not skipped. Delivery happens
// on a snapshot, outside the shard lock.
func (r *Registry) Broadcast(scope string, frame []byte, skip Skip) PublishResult {
	res := PublishResult{}
	for _, p := range r.List(scope) {
		if skip != nil && skip(p) {
			continue
		}
		if err := p.Conn.Send(frame); err != nil {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		res.SentTo++
	}
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "session.registry").Str("registry", r.name).Str("scope", scope).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast dropped")
	}
	return res
}
