// Package sessiontest provides a recording connection for tests.
package sessiontest

import (
	"encoding/json"
	"sync"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

// Conn records every frame sent to it.
type Conn struct {
	id string

	mu     sync.Mutex
	frames []models.Envelope
	fail   error
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

// FailWith makes subsequent sends return err.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// Frames returns everything received so far.
func (c *Conn) Frames() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.frames...)
}

// Events returns the event names received, in order.
func (c *Conn) Events() []models.EventType {
	var out []models.EventType
	for _, f := range c.Frames() {
		out = append(out, f.Event)
	}
	return out
}

// Last decodes the most recent frame of the given event into v and
// reports whether one was found.
func (c *Conn) Last(event models.EventType, v any) bool {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return json.Unmarshal(frames[i].Data, v) == nil
		}
	}
	return false
}

// Count returns how many frames of event were received.
func (c *Conn) Count(event models.EventType) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Reset drops recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

var _ session.Conn = (*Conn)(nil)
