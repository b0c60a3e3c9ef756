// Package call runs the per-call state machine: who is in a call, its
// status, and when the two participants should start WebRTC negotiation.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/internal/keylock"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/store"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrLookup       = errors.New("access lookup failed")
	ErrNotInCall    = errors.New("not a participant of this call")
	ErrValidation   = errors.New("invalid request")
)

const (
	DefaultHistoryLimit = 20
	maxHistory          = 200
)

// Submitter queues persistence work off the broadcast path.
type Submitter interface {
	Submit(job store.Job)
}

type pair struct{ from, to string }

// state is guarded by the call's key lock.
type state struct {
	id        string
	status    models.CallStatus
	startedAt time.Time
	connected bool
	offers    map[pair]json.RawMessage
	answers   map[pair]json.RawMessage
	history   []models.VideoMessage
}

// Snapshot is a read-only view of a live call.
type Snapshot struct {
	CallID       string                   `json:"callId"`
	Status       models.CallStatus        `json:"status"`
	StartedAt    *time.Time               `json:"startedAt,omitempty"`
	Participants []models.ParticipantView `json:"participants"`
}

// Manager owns every live call session.
type Manager struct {
	calls        *session.Registry
	locks        *keylock.Table
	access       store.AccessChecker
	records      store.CallStore
	writer       Submitter
	historyLimit int
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*state
}

type Option func(*Manager)

// WithHistoryLimit sets how many call-chat lines a joiner receives.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a call manager. records receives every status
// transition through writer.
func NewManager(calls *session.Registry, locks *keylock.Table, access store.AccessChecker, records store.CallStore, writer Submitter, opts ...Option) *Manager {
	m := &Manager{
		calls:        calls,
		locks:        locks,
		access:       access,
		records:      records,
		writer:       writer,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		sessions:     make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func lockKey(callID string) string { return "call:" + callID }

func (m *Manager) get(callID string) (*state, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	return s, ok
}

func (m *Manager) getOrCreate(callID string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		s = &state{
			id:      callID,
			status:  models.CallInitiated,
			offers:  make(map[pair]json.RawMessage),
			answers: make(map[pair]json.RawMessage),
		}
		m.sessions[callID] = s
	}
	return s
}

func (m *Manager) drop(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

// Join authorizes p and adds it to the call. The first participant puts
// the call in ringing; the second connects it and triggers the
// caller/callee kickoff. Further joiners are registered without a kickoff.
func (m *Manager) Join(ctx context.Context, p session.Participant, req models.JoinVideoCall) error {
	callID := req.CallID
	if callID == "" {
		m.send(p.Conn, models.EventVideoError, models.ErrorPayload{Code: "validation_failed", Message: "callId is required"})
		return ErrValidation
	}

	ok, err := m.access.CanAccessCall(ctx, p.UserID, callID)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("call", callID).Str("user", p.UserID).Msg("access lookup failed")
		m.send(p.Conn, models.EventVideoError, models.ErrorPayload{Code: "lookup_failed", Message: "could not verify access to this call"})
		if _, live := m.get(callID); !live {
			m.persist(callID, models.CallUpdate{Status: models.CallFailed})
		}
		return ErrLookup
	}
	if !ok {
		log.Warn().Str("module", "call").Str("call", callID).Str("user", p.UserID).Msg("access denied")
		m.send(p.Conn, models.EventVideoError, models.ErrorPayload{Code: "access_denied", Message: "you do not have access to this call"})
		return ErrAccessDenied
	}

	unlock := m.locks.Lock(lockKey(callID))
	s := m.getOrCreate(callID)

	// A user reconnecting from a new connection replaces the old one.
	if old, found := m.calls.FindUser(callID, p.UserID); found && old.ConnID != p.ConnID {
		m.calls.Unregister(callID, old.ConnID)
		log.Info().Str("module", "call").Str("call", callID).Str("user", p.UserID).Str("old_conn", old.ConnID).Msg("replaced stale participant")
	}
	count, err := m.calls.Register(callID, p)
	if err != nil {
		if m.calls.IsEmpty(callID) {
			m.drop(callID)
		}
		unlock()
		m.send(p.Conn, models.EventVideoError, models.ErrorPayload{Code: "validation_failed", Message: err.Error()})
		return err
	}

	now := m.now()
	update := models.CallUpdate{Patch: &models.ParticipantPatch{UserID: p.UserID, Username: p.Username, JoinedAt: &now}}
	switch {
	case count == 1:
		s.status = models.CallRinging
	case count == 2:
		s.status = models.CallConnected
		if s.startedAt.IsZero() {
			s.startedAt = now
		}
		s.connected = true
		started := s.startedAt
		update.StartedAt = &started
	default:
		log.Warn().Str("module", "call").Str("call", callID).Int("count", count).Msg("more than two participants, no negotiation kickoff")
	}
	update.Status = s.status

	all := m.calls.List(callID)
	others := make([]session.Participant, 0, len(all))
	for _, q := range all {
		if q.ConnID != p.ConnID {
			others = append(others, q)
		}
	}

	m.broadcast(callID, models.EventUserJoinedVideo, models.UserPresence{
		CallID: callID, UserID: p.UserID, Username: p.Username, Count: count, Status: s.status, At: now,
	}, session.ExceptConn(p.ConnID))

	m.send(p.Conn, models.EventVideoCallJoined, models.CallJoined{
		CallID:            callID,
		Status:            s.status,
		ParticipantsCount: count,
		Participants:      views(others),
		Messages:          m.recent(s),
	})

	if count == 2 {
		caller := others[0]
		m.send(caller.Conn, models.EventInitiateWebRTC, models.Negotiation{
			CallID: callID, TargetUserID: p.UserID, TargetName: p.Username, Role: models.NegotiationCaller,
		})
		m.send(p.Conn, models.EventWebRTCReady, models.Negotiation{
			CallID: callID, TargetUserID: caller.UserID, TargetName: caller.Username, Role: models.NegotiationCallee,
		})
	}
	status := s.status
	// queued under the lock so records see transitions in order
	m.persist(callID, update)
	unlock()

	log.Info().Str("module", "call").Str("call", callID).Str("user", p.UserID).Str("status", string(status)).Int("count", count).Msg("joined call")
	return nil
}

// Leave removes the connection from the call. It is a no-op if the
// connection is not registered there. It reports whether anything changed.
func (m *Manager) Leave(callID string, p session.Participant) bool {
	unlock := m.locks.Lock(lockKey(callID))
	s, ok := m.get(callID)
	if !ok {
		unlock()
		return false
	}
	gone, remaining, ok := m.calls.Unregister(callID, p.ConnID)
	if !ok {
		unlock()
		return false
	}

	now := m.now()
	update := models.CallUpdate{Patch: &models.ParticipantPatch{UserID: gone.UserID, Username: gone.Username, LeftAt: &now}}
	switch {
	case remaining == 0:
		if s.connected {
			s.status = models.CallEnded
			update.EndedAt = &now
			if !s.startedAt.IsZero() {
				update.Duration = now.Sub(s.startedAt)
			}
		} else {
			s.status = models.CallFailed
		}
		s.history = nil
		m.drop(callID)
	case remaining == 1:
		s.status = models.CallRinging
	}
	update.Status = s.status

	m.broadcast(callID, models.EventUserLeftVideo, models.UserPresence{
		CallID: callID, UserID: gone.UserID, Username: gone.Username, Count: remaining, Status: s.status, At: now,
	}, nil)
	status := s.status
	m.persist(callID, update)
	unlock()

	log.Info().Str("module", "call").Str("call", callID).Str("user", gone.UserID).Str("status", string(status)).Int("count", remaining).Msg("left call")
	return true
}

// Lookup resolves the connection of userID in callID.
func (m *Manager) Lookup(callID, userID string) (session.Participant, bool) {
	return m.calls.FindUser(callID, userID)
}

// Member returns the participant registered under connID.
func (m *Manager) Member(callID, connID string) (session.Participant, bool) {
	return m.calls.Get(callID, connID)
}

// RecordSignal caches the last offer or answer per sender/target pair.
// ICE candidates are not cached.
func (m *Manager) RecordSignal(callID string, kind models.EventType, from, to string, payload json.RawMessage) {
	if kind != models.EventWebRTCOffer && kind != models.EventWebRTCAnswer {
		return
	}
	m.locks.Do(lockKey(callID), func() {
		s, ok := m.get(callID)
		if !ok {
			return
		}
		cp := append(json.RawMessage(nil), payload...)
		if kind == models.EventWebRTCOffer {
			s.offers[pair{from, to}] = cp
		} else {
			s.answers[pair{from, to}] = cp
		}
	})
}

// LastSignal returns the cached offer or answer sent from one user to
// another.
func (m *Manager) LastSignal(callID string, kind models.EventType, from, to string) (json.RawMessage, bool) {
	var out json.RawMessage
	var found bool
	m.locks.Do(lockKey(callID), func() {
		s, ok := m.get(callID)
		if !ok {
			return
		}
		switch kind {
		case models.EventWebRTCOffer:
			out, found = s.offers[pair{from, to}]
		case models.EventWebRTCAnswer:
			out, found = s.answers[pair{from, to}]
		}
	})
	return out, found
}

// Status returns the live status of callID.
func (m *Manager) Status(callID string) (models.CallStatus, bool) {
	snap, ok := m.Snapshot(callID)
	return snap.Status, ok
}

// Snapshot returns the live view of callID, if the call is active.
func (m *Manager) Snapshot(callID string) (Snapshot, bool) {
	var snap Snapshot
	var found bool
	m.locks.Do(lockKey(callID), func() {
		s, ok := m.get(callID)
		if !ok {
			return
		}
		found = true
		snap = Snapshot{CallID: callID, Status: s.status, Participants: views(m.calls.List(callID))}
		if !s.startedAt.IsZero() {
			t := s.startedAt
			snap.StartedAt = &t
		}
	})
	return snap, found
}

func (m *Manager) recent(s *state) []models.VideoMessage {
	h := s.history
	if len(h) > m.historyLimit {
		h = h[len(h)-m.historyLimit:]
	}
	return append([]models.VideoMessage{}, h...)
}

func (m *Manager) persist(callID string, u models.CallUpdate) {
	m.writer.Submit(store.Job{
		Name: "update_call_status",
		Key:  lockKey(callID),
		Run: func(ctx context.Context) error {
			return m.records.UpdateCallStatus(ctx, callID, u)
		},
	})
}

func (m *Manager) broadcast(callID string, event models.EventType, payload any, skip session.Skip) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("event", string(event)).Msg("encode")
		return
	}
	m.calls.Broadcast(callID, frame, skip)
}

func (m *Manager) send(conn session.Conn, event models.EventType, payload any) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("event", string(event)).Msg("encode")
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("conn", conn.ID()).Str("event", string(event)).Msg("send dropped")
	}
}

func views(ps []session.Participant) []models.ParticipantView {
	out := make([]models.ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, models.ParticipantView{UserID: p.UserID, Username: p.Username})
	}
	return out
}
