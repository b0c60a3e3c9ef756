package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a wire event. Client and server must agree on these.
type EventType string

// Client -> server events
const (
	EventJoinRoom           EventType = "join-room"
	EventLeaveRoom          EventType = "leave-room"
	EventTyping             EventType = "typing"
	EventSendMessage        EventType = "sendMessage"
	EventMarkAsRead         EventType = "markAsRead"
	EventJoinVideoCall      EventType = "join-video-call"
	EventSendVideoMessage   EventType = "sendVideoMessage"
	EventWebRTCOffer        EventType = "webrtc-offer"
	EventWebRTCAnswer       EventType = "webrtc-answer"
	EventWebRTCICECandidate EventType = "webrtc-ice-candidate"
	EventVideoTyping        EventType = "videoTyping"
	EventLeaveVideoCall     EventType = "leave-video-call"
)

// Server -> client events
const (
	EventUserJoined         EventType = "user-joined"
	EventUserLeft           EventType = "user-left"
	EventRoomInfo           EventType = "room-info"
	EventRoomHistory        EventType = "room-history"
	EventReceiveMessage     EventType = "receiveMessage"
	EventMessageError       EventType = "messageError"
	EventMessagesRead       EventType = "messagesRead"
	EventVideoCallJoined    EventType = "video-call-joined"
	EventUserJoinedVideo    EventType = "user-joined-video"
	EventUserLeftVideo      EventType = "user-left-video"
	EventInitiateWebRTC     EventType = "initiate-webrtc"
	EventWebRTCReady        EventType = "webrtc-ready"
	EventReceiveVideoMsg    EventType = "receiveVideoMessage"
	EventVideoMessageSent   EventType = "videoMessageSent"
	EventVideoMessageError  EventType = "videoMessageError"
	EventVideoError         EventType = "video-error"
	EventError              EventType = "error"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("bad payload")
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of client events. Handlers switch on the
// concrete type.
type Inbound interface {
	Event() EventType
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type SendMessage struct {
	RoomID     string    `json:"roomId"`
	Content    string    `json:"content"`
	Sender     string    `json:"sender"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Type       Kind      `json:"type"`
	FileData   *FileData `json:"fileData,omitempty"`
}

type MarkAsRead struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type JoinVideoCall struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type SendVideoMessage struct {
	CallID   string `json:"callId"`
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	SenderID string `json:"senderId"`
}

// Signal carries an opaque WebRTC payload. Kind is one of the three
// webrtc-* events; Payload is the offer, answer or candidate verbatim.
type Signal struct {
	Kind         EventType       `json:"-"`
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"-"`
}

type VideoTyping struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type LeaveVideoCall struct {
	CallID string `json:"callId"`
}

func (JoinRoom) Event() EventType         { return EventJoinRoom }
func (LeaveRoom) Event() EventType        { return EventLeaveRoom }
func (Typing) Event() EventType           { return EventTyping }
func (SendMessage) Event() EventType      { return EventSendMessage }
func (MarkAsRead) Event() EventType       { return EventMarkAsRead }
func (JoinVideoCall) Event() EventType    { return EventJoinVideoCall }
func (SendVideoMessage) Event() EventType { return EventSendVideoMessage }
func (s Signal) Event() EventType         { return s.Kind }
func (VideoTyping) Event() EventType      { return EventVideoTyping }
func (LeaveVideoCall) Event() EventType   { return EventLeaveVideoCall }

// signalField maps a signaling event to the JSON field holding its payload.
var signalField = map[EventType]string{
	EventWebRTCOffer:        "offer",
	EventWebRTCAnswer:       "answer",
	EventWebRTCICECandidate: "candidate",
}

// SignalField returns the payload field name for a webrtc-* event.
func SignalField(kind EventType) string {
	return signalField[kind]
}

// DecodeInbound parses a client frame into its typed event.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch env.Event {
	case EventJoinRoom:
		return decode[JoinRoom](env.Data)
	case EventLeaveRoom:
		return decode[LeaveRoom](env.Data)
	case EventTyping:
		return decode[Typing](env.Data)
	case EventSendMessage:
		return decode[SendMessage](env.Data)
	case EventMarkAsRead:
		return decode[MarkAsRead](env.Data)
	case EventJoinVideoCall:
		return decode[JoinVideoCall](env.Data)
	case EventSendVideoMessage:
		return decode[SendVideoMessage](env.Data)
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICECandidate:
		return decodeSignal(env.Event, env.Data)
	case EventVideoTyping:
		return decode[VideoTyping](env.Data)
	case EventLeaveVideoCall:
		return decode[LeaveVideoCall](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decode[T Inbound](data json.RawMessage) (Inbound, error) {
	var v T
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return v, nil
}

func decodeSignal(kind EventType, data json.RawMessage) (Inbound, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	s := Signal{Kind: kind, Payload: fields[SignalField(kind)]}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return s, nil
}

// Encode builds an outbound frame. HTML characters are left unescaped so
// relayed SDP and candidates keep their bytes; raw payloads are only
// compacted.
func Encode(event EventType, payload any) ([]byte, error) {
	data, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return marshal(Envelope{Event: event, Data: data})
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
