package models

import "time"

// Role is the sender's side of a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Kind is the content type of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

func (k Kind) Valid() bool {
	return k == KindText || k == KindImage || k == KindFile
}

// FileData describes an uploaded attachment. The upload itself happens
// elsewhere; only the reference travels through the relay.
type FileData struct {
	URL      string `json:"url" bson:"url"`
	Name     string `json:"name" bson:"name"`
	Size     int64  `json:"size" bson:"size"`
	MimeType string `json:"mimeType" bson:"mime_type"`
}

// ChatMessage is the append-only record of a room message.
type ChatMessage struct {
	ID         string    `json:"id" bson:"_id"`
	RoomID     string    `json:"roomId" bson:"room_id"`
	SenderID   string    `json:"senderId" bson:"sender_id"`
	Sender     string    `json:"sender" bson:"sender"`
	SenderRole Role      `json:"senderRole" bson:"sender_role"`
	Content    string    `json:"content" bson:"content"`
	Type       Kind      `json:"type" bson:"type"`
	CreatedAt  time.Time `json:"timestamp" bson:"created_at"`
	Read       bool      `json:"read" bson:"read"`
	FileData   *FileData `json:"fileData,omitempty" bson:"file_data,omitempty"`
}

// VideoMessage is a call-chat line. Call chat lives only as long as the call.
type VideoMessage struct {
	ID        string    `json:"id"`
	CallID    string    `json:"callId"`
	SenderID  string    `json:"senderId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}
