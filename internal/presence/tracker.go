// Package presence tracks who is typing in a chat room.
package presence

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

const (
	DefaultWindow = 3 * time.Second
	DefaultSweep  = 500 * time.Millisecond
)

type entry struct {
	username string
	at       time.Time
}

// Tracker keeps per-room typing state. Expiry is lazy: a single sweep pops
// due deadlines off a min-heap and clears an entry only if it has not been
// refreshed since.
type Tracker struct {
	rooms  *session.Registry
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]entry
	due    expiryHeap
}

type Option func(*Tracker)

// WithWindow sets how long a typing indicator lasts without a refresh.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker broadcasting to rooms.
func NewTracker(rooms *session.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		rooms:  rooms,
		window: DefaultWindow,
		now:    time.Now,
		typing: make(map[string]map[string]entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping records or clears a typing entry and broadcasts the room's
// typing list to everyone but the sender.
func (t *Tracker) SetTyping(roomID, userID, username, fromConn string, isTyping bool) {
	t.mu.Lock()
	if isTyping {
		now := t.now()
		users, ok := t.typing[roomID]
		if !ok {
			users = make(map[string]entry)
			t.typing[roomID] = users
		}
		users[userID] = entry{username: username, at: now}
		heap.Push(&t.due, expiry{roomID: roomID, userID: userID, at: now.Add(t.window)})
	} else {
		t.removeLocked(roomID, userID)
	}
	list := t.listLocked(roomID)
	t.mu.Unlock()

	t.broadcast(models.TypingUpdate{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		IsTyping: isTyping,
		Users:    list,
	}, session.ExceptConn(fromConn))
}

// Clear drops userID's entry, if any, and broadcasts the change. It
// reports whether an entry existed.
func (t *Tracker) Clear(roomID, userID, fromConn string) bool {
	t.mu.Lock()
	e, ok := t.typing[roomID][userID]
	if ok {
		t.removeLocked(roomID, userID)
	}
	list := t.listLocked(roomID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.broadcast(models.TypingUpdate{
		RoomID:   roomID,
		UserID:   userID,
		Username: e.username,
		Users:    list,
	}, session.ExceptConn(fromConn))
	return true
}

// DropRoom forgets all typing state for roomID. Stale heap items for the
// room are discarded when they come due.
func (t *Tracker) DropRoom(roomID string) {
	t.mu.Lock()
	delete(t.typing, roomID)
	t.mu.Unlock()
}

// Users returns the current typing list for roomID.
func (t *Tracker) Users(roomID string) []models.TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(roomID)
}

// Sweep expires entries whose last update is at least one window old and
// broadcasts each expiry to the rest of the room.
func (t *Tracker) Sweep(now time.Time) int {
	var updates []models.TypingUpdate
	t.mu.Lock()
	for t.due.Len() > 0 && !t.due[0].at.After(now) {
		x := heap.Pop(&t.due).(expiry)
		e, ok := t.typing[x.roomID][x.userID]
		if !ok || now.Sub(e.at) < t.window {
			continue
		}
		t.removeLocked(x.roomID, x.userID)
		updates = append(updates, models.TypingUpdate{
			RoomID:   x.roomID,
			UserID:   x.userID,
			Username: e.username,
			Users:    t.listLocked(x.roomID),
		})
	}
	t.mu.Unlock()

	for _, u := range updates {
		log.Debug().Str("module", "presence").Str("room", u.RoomID).Str("user", u.UserID).Msg("typing expired")
		t.broadcast(u, session.ExceptUser(u.UserID))
	}
	return len(updates)
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

func (t *Tracker) removeLocked(roomID, userID string) {
	users, ok := t.typing[roomID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, roomID)
	}
}

func (t *Tracker) listLocked(roomID string) []models.TypingUser {
	users := t.typing[roomID]
	out := make([]models.TypingUser, 0, len(users))
	for id, e := range users {
		out = append(out, models.TypingUser{UserID: id, Username: e.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) broadcast(u models.TypingUpdate, skip session.Skip) {
	frame, err := models.Encode(models.EventTyping, u)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("encode typing")
		return
	}
	t.rooms.Broadcast(u.RoomID, frame, skip)
}

type expiry struct {
	roomID string
	userID string
	at     time.Time
}

type expiryHeap []expiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
