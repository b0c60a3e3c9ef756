package coordinator

import (
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

// Identity is who a connection authenticated as.
type Identity struct {
	UserID   string
	Username string
	Role     models.Role
}

// Connection binds one transport connection to at most one room and at
// most one call.
type Connection struct {
	conn      session.Conn
	identity  Identity
	connected time.Time

	mu       sync.Mutex
	roomID   string
	roomName string
	callID   string
	callName string
	closed   bool
}

func (c *Connection) ID() string { return c.conn.ID() }

func (c *Connection) Identity() Identity { return c.identity }

// Bindings returns the room and call the connection is in, if any.
func (c *Connection) Bindings() (roomID, callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.callID
}

func (c *Connection) roomParticipant() session.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant(c.roomName)
}

func (c *Connection) callParticipant() session.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant(c.callName)
}

func (c *Connection) participant(name string) session.Participant {
	if name == "" {
		name = c.identity.Username
	}
	return session.Participant{
		ConnID:   c.conn.ID(),
		UserID:   c.identity.UserID,
		Username: name,
		Conn:     c.conn,
	}
}

func (c *Connection) bindRoom(roomID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID, c.roomName = roomID, name
}

func (c *Connection) unbindRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		c.roomID, c.roomName = "", ""
	}
}

func (c *Connection) bindCall(callID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callID, c.callName = callID, name
}

func (c *Connection) unbindCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callID == callID {
		c.callID, c.callName = "", ""
	}
}

// close marks the connection closed and reports whether this call did it.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
