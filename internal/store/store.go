// Package store defines the persistence and access-control ports the
// signaling core depends on.
package store

import (
	"context"
	"errors"

	"github.com/mossy-p/consult-signaling/internal/models"
)

var ErrNotFound = errors.New("not found")

// AccessChecker decides whether a user may join a room or a call. It is
// backed by appointment ownership records kept outside this service.
type AccessChecker interface {
	CanAccessRoom(ctx context.Context, userID, roomID string) (bool, error)
	CanAccessCall(ctx context.Context, userID, callID string) (bool, error)
}

// Scope kinds for access grants.
const (
	KindRoom = "room"
	KindCall = "call"
)

// AccessAdmin manages the grants an AccessChecker reads.
type AccessAdmin interface {
	GrantAccess(ctx context.Context, kind, id, userID string) error
	RevokeAccess(ctx context.Context, kind, id, userID string) error
}

// MessageStore is the durable, append-only chat history.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID string, msg models.ChatMessage) (string, error)
	// FetchRecentMessages returns at most limit messages, oldest first.
	FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, roomID, readerID string, messageIDs []string) error
}

// CallStore holds call lifecycle records.
type CallStore interface {
	UpdateCallStatus(ctx context.Context, callID string, u models.CallUpdate) error
	FetchCall(ctx context.Context, callID string) (*models.CallRecord, error)
}

// PresenceMirror publishes room membership for other processes. Best
// effort only.
type PresenceMirror interface {
	AddPeer(ctx context.Context, roomID, connID string) error
	RemovePeer(ctx context.Context, roomID, connID string) error
}

// AllowAll grants every request. Used when access.mode is "open".
type AllowAll struct{}

func (AllowAll) CanAccessRoom(context.Context, string, string) (bool, error) { return true, nil }
func (AllowAll) CanAccessCall(context.Context, string, string) (bool, error) { return true, nil }

// NopMirror discards presence updates.
type NopMirror struct{}

func (NopMirror) AddPeer(context.Context, string, string) error    { return nil }
func (NopMirror) RemovePeer(context.Context, string, string) error { return nil }
