package call

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

// SendMessage relays a call-chat line to the other participants. Call chat
// is kept in memory only and discarded when the call ends.
func (m *Manager) SendMessage(p session.Participant, req models.SendVideoMessage) (models.VideoMessage, error) {
	msg, err := m.buildMessage(p, req)
	if err != nil {
		code := "validation_failed"
		if errors.Is(err, ErrNotInCall) {
			code = "access_denied"
		}
		m.send(p.Conn, models.EventVideoMessageError, models.ErrorPayload{Code: code, Message: err.Error()})
		return models.VideoMessage{}, err
	}

	m.locks.Do(lockKey(req.CallID), func() {
		s, ok := m.get(req.CallID)
		if !ok {
			err = ErrNotInCall
			return
		}
		s.history = append(s.history, msg)
		if len(s.history) > maxHistory {
			s.history = append([]models.VideoMessage(nil), s.history[len(s.history)-maxHistory:]...)
		}
	})
	if err != nil {
		m.send(p.Conn, models.EventVideoMessageError, models.ErrorPayload{Code: "access_denied", Message: err.Error()})
		return models.VideoMessage{}, err
	}

	m.broadcast(req.CallID, models.EventReceiveVideoMsg, msg, session.ExceptConn(p.ConnID))
	m.send(p.Conn, models.EventVideoMessageSent, msg)
	return msg, nil
}

func (m *Manager) buildMessage(p session.Participant, req models.SendVideoMessage) (models.VideoMessage, error) {
	var missing []string
	if req.CallID == "" {
		missing = append(missing, "callId")
	}
	if strings.TrimSpace(req.Content) == "" {
		missing = append(missing, "content")
	}
	if req.SenderID == "" {
		missing = append(missing, "senderId")
	}
	if len(missing) > 0 {
		return models.VideoMessage{}, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if _, ok := m.calls.Get(req.CallID, p.ConnID); !ok {
		return models.VideoMessage{}, ErrNotInCall
	}
	if req.SenderID != p.UserID {
		return models.VideoMessage{}, fmt.Errorf("%w: senderId does not match connection", ErrValidation)
	}
	sender := req.Sender
	if sender == "" {
		sender = p.Username
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	return models.VideoMessage{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		CallID:    req.CallID,
		SenderID:  req.SenderID,
		Sender:    sender,
		Content:   req.Content,
		CreatedAt: now,
	}, nil
}

// Typing forwards a video typing indicator to the other participants.
// Nothing is stored; the client clears it with its next event.
func (m *Manager) Typing(p session.Participant, req models.VideoTyping) bool {
	if _, ok := m.calls.Get(req.CallID, p.ConnID); !ok {
		return false
	}
	m.broadcast(req.CallID, models.EventVideoTyping, models.VideoTypingUpdate{
		CallID:   req.CallID,
		UserID:   p.UserID,
		Username: p.Username,
		IsTyping: req.IsTyping,
	}, session.ExceptConn(p.ConnID))
	return true
}
