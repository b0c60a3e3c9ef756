// Package coordinator owns client connections: it dispatches their events
// to the room, chat, call and signaling components and cleans up after
// them on disconnect.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/chat"
	"github.com/mossy-p/consult-signaling/internal/keylock"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/store"
)

const DefaultRoomHistory = 50

type Deps struct {
	Rooms       *session.Registry
	Locks       *keylock.Table
	Access      store.AccessChecker
	Typing      *presence.Tracker
	Chat        *chat.Relay
	Calls       *call.Manager
	Signals     *signaling.Relay
	Mirror      store.PresenceMirror
	Writer      chat.Submitter
	RoomHistory int
}

type Coordinator struct {
	Deps
}

// New creates a coordinator from its collaborators.
func New(d Deps) *Coordinator {
	if d.RoomHistory <= 0 {
		d.RoomHistory = DefaultRoomHistory
	}
	if d.Mirror == nil {
		d.Mirror = store.NopMirror{}
	}
	return &Coordinator{Deps: d}
}

// Connect registers a new transport connection for identity.
func (co *Coordinator) Connect(conn session.Conn, id Identity) *Connection {
	log.Info().Str("module", "coordinator").Str("conn", conn.ID()).Str("user", id.UserID).Msg("connected")
	return &Connection{conn: conn, identity: id, connected: time.Now()}
}

// Handle decodes one client frame and dispatches it.
func (co *Coordinator) Handle(ctx context.Context, c *Connection, frame []byte) {
	ev, err := models.DecodeInbound(frame)
	if err != nil {
		code := "bad_payload"
		if errors.Is(err, models.ErrUnknownEvent) {
			code = "unknown_event"
		}
		log.Warn().Err(err).Str("module", "coordinator").Str("conn", c.ID()).Msg("rejected frame")
		co.reply(c, models.EventError, models.ErrorPayload{Code: code, Message: err.Error()})
		return
	}
	co.Dispatch(ctx, c, ev)
}

// Dispatch routes a decoded event. Every inbound type must have a case.
func (co *Coordinator) Dispatch(ctx context.Context, c *Connection, ev models.Inbound) {
	switch e := ev.(type) {
	case models.JoinRoom:
		co.JoinRoom(ctx, c, e)
	case models.LeaveRoom:
		co.LeaveRoom(c, e.RoomID)
	case models.Typing:
		co.SetTyping(c, e)
	case models.SendMessage:
		_, _ = co.Chat.SendMessage(co.roomSender(c, e.RoomID), e)
	case models.MarkAsRead:
		if err := co.Chat.MarkRead(co.roomSender(c, e.RoomID), e); err != nil {
			co.reply(c, models.EventMessageError, models.ErrorPayload{Code: "validation_failed", Message: err.Error()})
		}
	case models.JoinVideoCall:
		co.JoinCall(ctx, c, e)
	case models.LeaveVideoCall:
		co.LeaveCall(c, e.CallID)
	case models.SendVideoMessage:
		_, _ = co.Calls.SendMessage(c.callParticipant(), e)
	case models.VideoTyping:
		co.Calls.Typing(c.callParticipant(), e)
	case models.Signal:
		co.Signals.Forward(c.callParticipant(), e)
	default:
		log.Error().Str("module", "coordinator").Str("event", string(ev.Event())).Msg("unhandled event")
	}
}

// roomSender is the participant a room event is attributed to. A
// connection bound to another room is still identified; the relay rejects
// it for not being registered in roomID.
func (co *Coordinator) roomSender(c *Connection, roomID string) session.Participant {
	p := c.roomParticipant()
	if existing, ok := co.Rooms.Get(roomID, c.ID()); ok {
		p.Username = existing.Username
	}
	return p
}

func roomKey(roomID string) string { return "room:" + roomID }

// JoinRoom authorizes and adds the connection to a chat room. A connection
// already in another room leaves it first.
func (co *Coordinator) JoinRoom(ctx context.Context, c *Connection, req models.JoinRoom) bool {
	id := c.Identity()
	logger := log.With().Str("module", "coordinator").Str("conn", c.ID()).Str("room", req.RoomID).Str("user", id.UserID).Logger()

	if req.RoomID == "" {
		co.reply(c, models.EventError, models.ErrorPayload{Code: "validation_failed", Message: "roomId is required"})
		return false
	}
	if req.UserID != "" && req.UserID != id.UserID {
		logger.Warn().Str("claimed", req.UserID).Msg("join with mismatched user id")
		co.reply(c, models.EventError, models.ErrorPayload{Code: "access_denied", Message: "userId does not match the authenticated user"})
		return false
	}
	ok, err := co.Access.CanAccessRoom(ctx, id.UserID, req.RoomID)
	if err != nil {
		logger.Error().Err(err).Msg("room access lookup failed")
		co.reply(c, models.EventError, models.ErrorPayload{Code: "lookup_failed", Message: "could not verify access to this room"})
		return false
	}
	if !ok {
		logger.Warn().Msg("room access denied")
		co.reply(c, models.EventError, models.ErrorPayload{Code: "access_denied", Message: "you do not have access to this room"})
		return false
	}

	if current, _ := c.Bindings(); current != "" && current != req.RoomID {
		co.LeaveRoom(c, current)
	}

	name := req.Username
	if name == "" {
		name = id.Username
	}
	c.bindRoom(req.RoomID, name)
	p := c.roomParticipant()

	var info models.RoomInfo
	co.Locks.Do(roomKey(req.RoomID), func() {
		if _, err = co.Rooms.Register(req.RoomID, p); err != nil {
			return
		}
		info = co.roomInfo(req.RoomID)
		co.broadcast(req.RoomID, models.EventUserJoined, models.UserPresence{
			RoomID: req.RoomID, UserID: p.UserID, Username: p.Username, Count: info.ParticipantsCount, At: time.Now(),
		}, session.ExceptConn(p.ConnID))
		co.broadcast(req.RoomID, models.EventRoomInfo, info, nil)
	})
	if err != nil {
		c.unbindRoom(req.RoomID)
		co.reply(c, models.EventError, models.ErrorPayload{Code: "validation_failed", Message: err.Error()})
		return false
	}
	logger.Info().Int("count", info.ParticipantsCount).Msg("joined room")

	co.Writer.Submit(store.Job{
		Name: "mirror_add_peer",
		Key:  roomKey(req.RoomID),
		Run:  func(ctx context.Context) error { return co.Mirror.AddPeer(ctx, req.RoomID, p.ConnID) },
	})

	msgs, err := co.Chat.History(ctx, req.RoomID, co.RoomHistory)
	if err != nil {
		logger.Error().Err(err).Msg("room history unavailable")
		return true
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	co.reply(c, models.EventRoomHistory, models.RoomHistory{Messages: msgs, RoomInfo: info})
	return true
}

// LeaveRoom removes the connection from roomID if it is there.
func (co *Coordinator) LeaveRoom(c *Connection, roomID string) bool {
	if current, _ := c.Bindings(); roomID == "" || current != roomID {
		return false
	}
	var (
		gone      session.Participant
		remaining int
		left      bool
	)
	co.Locks.Do(roomKey(roomID), func() {
		gone, remaining, left = co.Rooms.Unregister(roomID, c.ID())
		if !left {
			return
		}
		if remaining == 0 {
			co.Typing.DropRoom(roomID)
			return
		}
		co.Typing.Clear(roomID, gone.UserID, gone.ConnID)
		co.broadcast(roomID, models.EventUserLeft, models.UserPresence{
			RoomID: roomID, UserID: gone.UserID, Username: gone.Username, Count: remaining, At: time.Now(),
		}, nil)
		co.broadcast(roomID, models.EventRoomInfo, co.roomInfo(roomID), nil)
	})
	c.unbindRoom(roomID)
	if !left {
		return false
	}
	log.Info().Str("module", "coordinator").Str("conn", c.ID()).Str("room", roomID).Int("count", remaining).Msg("left room")
	co.Writer.Submit(store.Job{
		Name: "mirror_remove_peer",
		Key:  roomKey(roomID),
		Run:  func(ctx context.Context) error { return co.Mirror.RemovePeer(ctx, roomID, gone.ConnID) },
	})
	return true
}

// SetTyping updates the typing indicator for the connection's room.
func (co *Coordinator) SetTyping(c *Connection, req models.Typing) bool {
	p, ok := co.Rooms.Get(req.RoomID, c.ID())
	if !ok {
		log.Debug().Str("module", "coordinator").Str("conn", c.ID()).Str("room", req.RoomID).Msg("typing outside room ignored")
		return false
	}
	co.Locks.Do(roomKey(req.RoomID), func() {
		co.Typing.SetTyping(req.RoomID, p.UserID, p.Username, p.ConnID, req.IsTyping)
	})
	return true
}

// JoinCall adds the connection to a video call, leaving any other call
// first.
func (co *Coordinator) JoinCall(ctx context.Context, c *Connection, req models.JoinVideoCall) bool {
	id := c.Identity()
	if req.UserID != "" && req.UserID != id.UserID {
		co.reply(c, models.EventVideoError, models.ErrorPayload{Code: "access_denied", Message: "userId does not match the authenticated user"})
		return false
	}
	if _, current := c.Bindings(); current != "" && current != req.CallID {
		co.LeaveCall(c, current)
	}
	name := req.Username
	if name == "" {
		name = id.Username
	}
	p := c.participant(name)
	if err := co.Calls.Join(ctx, p, req); err != nil {
		return false
	}
	c.bindCall(req.CallID, name)
	return true
}

// LeaveCall removes the connection from callID if it is there.
func (co *Coordinator) LeaveCall(c *Connection, callID string) bool {
	if _, current := c.Bindings(); callID == "" || current != callID {
		return false
	}
	p := c.callParticipant()
	c.unbindCall(callID)
	return co.Calls.Leave(callID, p)
}

// Disconnect tears down everything the connection was part of. Safe to
// call more than once.
func (co *Coordinator) Disconnect(c *Connection) {
	if !c.close() {
		return
	}
	roomID, callID := c.Bindings()
	if roomID != "" {
		co.LeaveRoom(c, roomID)
	}
	if callID != "" {
		co.LeaveCall(c, callID)
	}
	log.Info().Str("module", "coordinator").Str("conn", c.ID()).Str("user", c.identity.UserID).Dur("lifetime", time.Since(c.connected)).Msg("disconnected")
}

// RoomInfo returns the live participant view of roomID.
func (co *Coordinator) RoomInfo(roomID string) models.RoomInfo {
	return co.roomInfo(roomID)
}

func (co *Coordinator) roomInfo(roomID string) models.RoomInfo {
	ps := co.Rooms.List(roomID)
	views := make([]models.ParticipantView, 0, len(ps))
	for _, p := range ps {
		views = append(views, models.ParticipantView{UserID: p.UserID, Username: p.Username})
	}
	return models.RoomInfo{RoomID: roomID, ParticipantsCount: len(ps), Participants: views}
}

func (co *Coordinator) broadcast(roomID string, event models.EventType, payload any, skip session.Skip) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "coordinator").Str("event", string(event)).Msg("encode")
		return
	}
	co.Rooms.Broadcast(roomID, frame, skip)
}

func (co *Coordinator) reply(c *Connection, event models.EventType, payload any) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "coordinator").Str("event", string(event)).Msg("encode")
		return
	}
	if err := c.conn.Send(frame); err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Str("conn", c.ID()).Str("event", string(event)).Msg("reply dropped")
	}
}
