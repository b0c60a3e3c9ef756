// Package signaling forwards WebRTC offers, answers and ICE candidates
// between call participants without looking inside them.
package signaling

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

// Directory resolves call participants and keeps the last offer/answer
// per pair.
type Directory interface {
	Lookup(callID, userID string) (session.Participant, bool)
	Member(callID, connID string) (session.Participant, bool)
	RecordSignal(callID string, kind models.EventType, from, to string, payload json.RawMessage)
}

// Relayed is the frame a target receives. The payload sits under the
// same field name the sender used (offer, answer or candidate).
type Relayed map[string]any

type Relay struct {
	calls Directory
}

// NewRelay creates a relay resolving targets through calls.
func NewRelay(calls Directory) *Relay {
	return &Relay{calls: calls}
}

// Forward delivers sig from the participant on fromConn to its target.
// Self-targeted signals, unknown targets and senders outside the call are
// dropped silently; signaling races with disconnects.
func (r *Relay) Forward(from session.Participant, sig models.Signal) bool {
	logger := log.With().Str("module", "signaling").Str("kind", string(sig.Kind)).Str("call", sig.CallID).Str("from", from.UserID).Str("to", sig.TargetUserID).Logger()

	field := models.SignalField(sig.Kind)
	if field == "" || sig.CallID == "" || sig.TargetUserID == "" {
		logger.Debug().Msg("incomplete signal dropped")
		return false
	}
	if sig.TargetUserID == from.UserID {
		logger.Debug().Msg("self-targeted signal dropped")
		return false
	}
	if _, ok := r.calls.Member(sig.CallID, from.ConnID); !ok {
		logger.Debug().Msg("sender not in call, dropped")
		return false
	}
	target, ok := r.calls.Lookup(sig.CallID, sig.TargetUserID)
	if !ok {
		logger.Debug().Msg("target not in call, dropped")
		return false
	}

	payload := sig.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	frame, err := models.Encode(sig.Kind, Relayed{
		"callId":       sig.CallID,
		"fromUserId":   from.UserID,
		"fromUsername": from.Username,
		field:          payload,
	})
	if err != nil {
		logger.Error().Err(err).Msg("encode relay")
		return false
	}
	if err := target.Conn.Send(frame); err != nil {
		logger.Warn().Err(err).Msg("relay dropped")
		return false
	}

	r.calls.RecordSignal(sig.CallID, sig.Kind, from.UserID, sig.TargetUserID, payload)
	return true
}
