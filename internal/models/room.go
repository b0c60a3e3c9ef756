package models

import "time"

// ParticipantView is the public projection of a room or call participant.
type ParticipantView struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RoomInfo is broadcast to the whole room after membership changes.
type RoomInfo struct {
	RoomID            string            `json:"roomId"`
	ParticipantsCount int               `json:"participantsCount"`
	Participants      []ParticipantView `json:"participants"`
}

// RoomHistory is sent to a joiner only.
type RoomHistory struct {
	Messages []ChatMessage `json:"messages"`
	RoomInfo RoomInfo      `json:"roomInfo"`
}

// UserPresence announces a join or leave. Status is set for calls only.
type UserPresence struct {
	RoomID   string     `json:"roomId,omitempty"`
	CallID   string     `json:"callId,omitempty"`
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Count    int        `json:"participantsCount"`
	Status   CallStatus `json:"status,omitempty"`
	At       time.Time  `json:"timestamp"`
}

// TypingUser is one entry of a room's typing list.
type TypingUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TypingUpdate carries the change that caused it plus the full list.
type TypingUpdate struct {
	RoomID   string       `json:"roomId"`
	UserID   string       `json:"userId"`
	Username string       `json:"username"`
	IsTyping bool         `json:"isTyping"`
	Users    []TypingUser `json:"typingUsers"`
}

type VideoTypingUpdate struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesRead struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
}

// ErrorPayload is the body of error, messageError, videoMessageError and
// video-error.
type ErrorPayload struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// CallJoined is the snapshot a call joiner receives.
type CallJoined struct {
	CallID            string            `json:"callId"`
	Status            CallStatus        `json:"status"`
	ParticipantsCount int               `json:"participantsCount"`
	Participants      []ParticipantView `json:"participants"`
	Messages          []VideoMessage    `json:"messages"`
}

// Negotiation is sent as initiate-webrtc (caller) or webrtc-ready (callee).
type Negotiation struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId"`
	TargetName   string `json:"targetUsername,omitempty"`
	Role         string `json:"role"`
}

const (
	NegotiationCaller = "caller"
	NegotiationCallee = "callee"
)
