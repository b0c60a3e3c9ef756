package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/session/sessiontest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func setup(t *testing.T) (*Tracker, *clock, *sessiontest.Conn, *sessiontest.Conn) {
	t.Helper()
	rooms := session.NewRegistry("rooms", 1)
	x, y := sessiontest.NewConn("cx"), sessiontest.NewConn("cy")
	_, err := rooms.Register("r1", session.Participant{ConnID: "cx", UserID: "X", Username: "Xena", Conn: x})
	require.NoError(t, err)
	_, err = rooms.Register("r1", session.Participant{ConnID: "cy", UserID: "Y", Username: "Yuri", Conn: y})
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewTracker(rooms, WithClock(clk.Now)), clk, x, y
}

func TestTypingExpiresAfterWindow(t *testing.T) {
	tr, clk, x, y := setup(t)

	tr.SetTyping("r1", "X", "Xena", "cx", true)
	assert.Empty(t, x.Frames(), "sender never receives its own typing update")

	var u models.TypingUpdate
	require.True(t, y.Last(models.EventTyping, &u))
	assert.True(t, u.IsTyping)
	assert.Equal(t, []models.TypingUser{{UserID: "X", Username: "Xena"}}, u.Users)

	assert.Equal(t, 0, tr.Sweep(clk.Advance(2*time.Second)))
	assert.Equal(t, 1, tr.Sweep(clk.Advance(1500*time.Millisecond)))

	require.True(t, y.Last(models.EventTyping, &u))
	assert.False(t, u.IsTyping)
	assert.Equal(t, "X", u.UserID)
	assert.Empty(t, u.Users)
	assert.Empty(t, tr.Users("r1"))
	assert.Empty(t, x.Frames())
}

func TestRefreshedEntrySurvivesStaleDeadline(t *testing.T) {
	tr, clk, _, y := setup(t)

	tr.SetTyping("r1", "X", "Xena", "cx", true)
	clk.Advance(2 * time.Second)
	tr.SetTyping("r1", "X", "Xena", "cx", true)
	y.Reset()

	// first deadline fires, but the entry was refreshed 1.5s ago
	assert.Equal(t, 0, tr.Sweep(clk.Advance(1500*time.Millisecond)))
	assert.Len(t, tr.Users("r1"), 1)
	assert.Empty(t, y.Frames())

	assert.Equal(t, 1, tr.Sweep(clk.Advance(2*time.Second)))
	assert.Empty(t, tr.Users("r1"))
}

func TestStopTypingClearsImmediately(t *testing.T) {
	tr, clk, _, y := setup(t)

	tr.SetTyping("r1", "X", "Xena", "cx", true)
	tr.SetTyping("r1", "X", "Xena", "cx", false)
	assert.Empty(t, tr.Users("r1"))
	assert.Equal(t, 2, y.Count(models.EventTyping))

	assert.Equal(t, 0, tr.Sweep(clk.Advance(10*time.Second)))
	assert.Equal(t, 2, y.Count(models.EventTyping))
}

func TestClear(t *testing.T) {
	tr, _, _, y := setup(t)

	assert.False(t, tr.Clear("r1", "X", "cx"))
	assert.Empty(t, y.Frames())

	tr.SetTyping("r1", "X", "Xena", "cx", true)
	assert.True(t, tr.Clear("r1", "X", "cx"))

	var u models.TypingUpdate
	require.True(t, y.Last(models.EventTyping, &u))
	assert.False(t, u.IsTyping)
	assert.Equal(t, "Xena", u.Username)
}

func TestDropRoom(t *testing.T) {
	tr, clk, _, y := setup(t)

	tr.SetTyping("r1", "X", "Xena", "cx", true)
	tr.DropRoom("r1")
	y.Reset()
	assert.Empty(t, tr.Users("r1"))
	assert.Equal(t, 0, tr.Sweep(clk.Advance(time.Minute)))
	assert.Empty(t, y.Frames())
}
