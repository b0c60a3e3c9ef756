// Package chat validates, relays and persists room messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/store"
)

var (
	ErrValidation = errors.New("invalid message")
	ErrNotInRoom  = errors.New("not a member of this room")
)

// Submitter queues persistence work off the broadcast path.
type Submitter interface {
	Submit(job store.Job)
}

// Relay delivers room messages.
type Relay struct {
	rooms    *session.Registry
	typing   *presence.Tracker
	messages store.MessageStore
	writer   Submitter
	now      func() time.Time
}

// NewRelay creates a relay that persists through writer.
func NewRelay(rooms *session.Registry, typing *presence.Tracker, messages store.MessageStore, writer Submitter) *Relay {
	return &Relay{rooms: rooms, typing: typing, messages: messages, writer: writer, now: time.Now}
}

// SendMessage relays a message from the participant on conn. On
// validation failure only the sender hears about it. On success the rest
// of the room receives the message before it is persisted.
func (r *Relay) SendMessage(from session.Participant, req models.SendMessage) (models.ChatMessage, error) {
	msg, err := r.build(from, req)
	if err != nil {
		code := "validation_failed"
		if errors.Is(err, ErrNotInRoom) {
			code = "access_denied"
		}
		r.reply(from.Conn, models.EventMessageError, models.ErrorPayload{Code: code, Message: err.Error()})
		return models.ChatMessage{}, err
	}

	r.typing.Clear(msg.RoomID, msg.SenderID, from.ConnID)

	frame, err := models.Encode(models.EventReceiveMessage, msg)
	if err != nil {
		return models.ChatMessage{}, err
	}
	r.rooms.Broadcast(msg.RoomID, frame, session.ExceptConn(from.ConnID))

	r.writer.Submit(store.Job{
		Name: "append_message",
		Key:  "room:" + msg.RoomID,
		Run: func(ctx context.Context) error {
			_, err := r.messages.AppendMessage(ctx, msg.RoomID, msg)
			return err
		},
		OnError: func(err error) {
			r.reply(from.Conn, models.EventMessageError, models.ErrorPayload{
				Code:      "persist_failed",
				Message:   "message delivered but not saved to history",
				MessageID: msg.ID,
			})
		},
	})

	log.Debug().Str("module", "chat").Str("room", msg.RoomID).Str("user", msg.SenderID).Str("message", msg.ID).Msg("message relayed")
	return msg, nil
}

func (r *Relay) build(from session.Participant, req models.SendMessage) (models.ChatMessage, error) {
	var missing []string
	if req.RoomID == "" {
		missing = append(missing, "roomId")
	}
	if strings.TrimSpace(req.Content) == "" {
		missing = append(missing, "content")
	}
	if req.SenderID == "" {
		missing = append(missing, "senderId")
	}
	if req.SenderRole == "" {
		missing = append(missing, "senderRole")
	}
	if len(missing) > 0 {
		return models.ChatMessage{}, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if !req.SenderRole.Valid() {
		return models.ChatMessage{}, fmt.Errorf("%w: unknown senderRole %q", ErrValidation, req.SenderRole)
	}
	kind := req.Type
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		return models.ChatMessage{}, fmt.Errorf("%w: unknown type %q", ErrValidation, kind)
	}
	if kind != models.KindText && (req.FileData == nil || req.FileData.URL == "") {
		return models.ChatMessage{}, fmt.Errorf("%w: %s message without fileData.url", ErrValidation, kind)
	}
	if _, ok := r.rooms.Get(req.RoomID, from.ConnID); !ok {
		return models.ChatMessage{}, ErrNotInRoom
	}
	if req.SenderID != from.UserID {
		return models.ChatMessage{}, fmt.Errorf("%w: senderId does not match connection", ErrValidation)
	}

	// stores keep millisecond timestamps; history must match the broadcast
	now := r.now().UTC().Truncate(time.Millisecond)
	sender := req.Sender
	if sender == "" {
		sender = from.Username
	}
	return models.ChatMessage{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RoomID:     req.RoomID,
		SenderID:   req.SenderID,
		Sender:     sender,
		SenderRole: req.SenderRole,
		Content:    req.Content,
		Type:       kind,
		CreatedAt:  now,
		FileData:   req.FileData,
	}, nil
}

// MarkRead flips the read flag for messages the reader received and tells
// the rest of the room.
func (r *Relay) MarkRead(from session.Participant, req models.MarkAsRead) error {
	if req.RoomID == "" || len(req.MessageIDs) == 0 {
		return fmt.Errorf("%w: missing roomId or messageIds", ErrValidation)
	}
	if _, ok := r.rooms.Get(req.RoomID, from.ConnID); !ok {
		return ErrNotInRoom
	}
	ids := append([]string(nil), req.MessageIDs...)
	r.writer.Submit(store.Job{
		Name: "mark_read",
		Key:  "room:" + req.RoomID,
		Run: func(ctx context.Context) error {
			return r.messages.MarkRead(ctx, req.RoomID, from.UserID, ids)
		},
	})
	frame, err := models.Encode(models.EventMessagesRead, models.MessagesRead{RoomID: req.RoomID, MessageIDs: ids, ReaderID: from.UserID})
	if err != nil {
		return err
	}
	r.rooms.Broadcast(req.RoomID, frame, session.ExceptConn(from.ConnID))
	return nil
}

// History returns the most recent limit messages of roomID.
func (r *Relay) History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	msgs, err := r.messages.FetchRecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", roomID, err)
	}
	return msgs, nil
}

func (r *Relay) reply(conn session.Conn, event models.EventType, payload any) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "chat").Msg("encode reply")
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Warn().Err(err).Str("module", "chat").Str("conn", conn.ID()).Msg("reply dropped")
	}
}
