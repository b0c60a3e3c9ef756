package models

import "time"

// CallStatus is the lifecycle state of a video call.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallFailed    CallStatus = "failed"
)

// ParticipantPatch records a single join or leave against a call record.
type ParticipantPatch struct {
	UserID   string     `json:"userId" bson:"user_id"`
	Username string     `json:"username" bson:"username"`
	JoinedAt *time.Time `json:"joinedAt,omitempty" bson:"joined_at,omitempty"`
	LeftAt   *time.Time `json:"leftAt,omitempty" bson:"left_at,omitempty"`
}

// CallUpdate is what the call manager hands to the call store after a
// transition.
type CallUpdate struct {
	Status    CallStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	Duration  time.Duration
	Patch     *ParticipantPatch
}

// CallParticipant is the stored view of a participant.
type CallParticipant struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// CallRecord is the durable call row.
type CallRecord struct {
	CallID       string            `json:"callId"`
	Status       CallStatus        `json:"status"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	Duration     int64             `json:"duration"` // seconds
	Participants []CallParticipant `json:"participants"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Apply folds an update into the record.
func (r *CallRecord) Apply(u CallUpdate, now time.Time) {
	r.Status = u.Status
	if u.StartedAt != nil && r.StartedAt == nil {
		r.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		r.EndedAt = u.EndedAt
		r.Duration = int64(u.Duration / time.Second)
	}
	if p := u.Patch; p != nil {
		idx := -1
		for i := range r.Participants {
			if r.Participants[i].UserID == p.UserID {
				idx = i
				break
			}
		}
		if idx < 0 {
			r.Participants = append(r.Participants, CallParticipant{UserID: p.UserID})
			idx = len(r.Participants) - 1
		}
		cp := &r.Participants[idx]
		if p.Username != "" {
			cp.Username = p.Username
		}
		if p.JoinedAt != nil {
			cp.JoinedAt = p.JoinedAt
			cp.LeftAt = nil
		}
		if p.LeftAt != nil {
			cp.LeftAt = p.LeftAt
		}
	}
	r.UpdatedAt = now
}
