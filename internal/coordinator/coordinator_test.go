package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/chat"
	"github.com/mossy-p/consult-signaling/internal/keylock"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/session/sessiontest"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/store"
	"github.com/mossy-p/consult-signaling/internal/store/memory"
)

type inline struct{}

func (inline) Submit(job store.Job) {
	if err := job.Run(context.Background()); err != nil && job.OnError != nil {
		job.OnError(err)
	}
}

type brokenHistory struct{ *memory.Store }

func (brokenHistory) FetchRecentMessages(context.Context, string, int) ([]models.ChatMessage, error) {
	return nil, errors.New("mongo unreachable")
}

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

type harness struct {
	co     *Coordinator
	store  *memory.Store
	typing *presence.Tracker
	clock  *clock
}

func newHarness(access store.AccessChecker, messages store.MessageStore) *harness {
	h := &harness{store: memory.New(), clock: &clock{now: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}}
	if access == nil {
		access = store.AllowAll{}
	}
	if messages == nil {
		messages = h.store
	}
	rooms := session.NewRegistry("rooms", 4)
	locks := keylock.New(32)
	h.typing = presence.NewTracker(rooms, presence.WithClock(h.clock.Now))
	calls := call.NewManager(session.NewRegistry("calls", 4), locks, access, h.store, inline{})
	h.co = New(Deps{
		Rooms:   rooms,
		Locks:   locks,
		Access:  access,
		Typing:  h.typing,
		Chat:    chat.NewRelay(rooms, h.typing, messages, inline{}),
		Calls:   calls,
		Signals: signaling.NewRelay(calls),
		Writer:  inline{},
	})
	return h
}

func (h *harness) connect(user string) (*Connection, *sessiontest.Conn) {
	conn := sessiontest.NewConn("conn-" + user)
	return h.co.Connect(conn, Identity{UserID: user, Username: "name-" + user, Role: models.RolePatient}), conn
}

func frame(t *testing.T, event models.EventType, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(models.Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	return out
}

func TestJoinRoomBroadcasts(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	x, xConn := h.connect("X")
	y, yConn := h.connect("Y")

	require.True(t, h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r1", Username: "Xena", UserID: "X"}))
	assert.Equal(t, []models.EventType{models.EventRoomInfo, models.EventRoomHistory}, xConn.Events())

	require.True(t, h.co.JoinRoom(ctx, y, models.JoinRoom{RoomID: "r1", Username: "Yuri"}))
	assert.Equal(t, []models.EventType{models.EventRoomInfo, models.EventRoomHistory}, yConn.Events())

	var joined models.UserPresence
	require.True(t, xConn.Last(models.EventUserJoined, &joined))
	assert.Equal(t, "Y", joined.UserID)
	assert.Equal(t, "Yuri", joined.Username)

	var info models.RoomInfo
	require.True(t, xConn.Last(models.EventRoomInfo, &info))
	assert.Equal(t, 2, info.ParticipantsCount)
	assert.Equal(t, []models.ParticipantView{{UserID: "X", Username: "Xena"}, {UserID: "Y", Username: "Yuri"}}, info.Participants)

	var hist models.RoomHistory
	require.True(t, yConn.Last(models.EventRoomHistory, &hist))
	assert.Empty(t, hist.Messages)
	assert.Equal(t, 2, hist.RoomInfo.ParticipantsCount)

	roomID, _ := x.Bindings()
	assert.Equal(t, "r1", roomID)
}

func TestJoinRoomDenied(t *testing.T) {
	acl := memory.New()
	h := newHarness(acl, nil)
	x, xConn := h.connect("X")

	assert.False(t, h.co.JoinRoom(context.Background(), x, models.JoinRoom{RoomID: "r1"}))
	var e models.ErrorPayload
	require.True(t, xConn.Last(models.EventError, &e))
	assert.Equal(t, "access_denied", e.Code)
	assert.True(t, h.co.Rooms.IsEmpty("r1"))
	roomID, _ := x.Bindings()
	assert.Empty(t, roomID)

	assert.False(t, h.co.JoinRoom(context.Background(), x, models.JoinRoom{RoomID: "r1", UserID: "someone-else"}))
	assert.Equal(t, 2, xConn.Count(models.EventError))

	acl.Grant("room:r1", "X")
	assert.True(t, h.co.JoinRoom(context.Background(), x, models.JoinRoom{RoomID: "r1"}))
}

func TestJoinRoomSurvivesHistoryFailure(t *testing.T) {
	h := newHarness(nil, brokenHistory{memory.New()})
	x, xConn := h.connect("X")

	require.True(t, h.co.JoinRoom(context.Background(), x, models.JoinRoom{RoomID: "r1"}))
	assert.Equal(t, []models.EventType{models.EventRoomInfo}, xConn.Events())
	assert.Equal(t, 1, h.co.Rooms.Count("r1"))
}

func TestHistoryRoundTripTruncatedTo50(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	doc, _ := h.connect("doc")
	require.True(t, h.co.JoinRoom(ctx, doc, models.JoinRoom{RoomID: "r1"}))

	for i := 0; i < 55; i++ {
		h.co.Handle(ctx, doc, frame(t, models.EventSendMessage, models.SendMessage{
			RoomID: "r1", Content: fmt.Sprintf("note %d", i), SenderID: "doc", SenderRole: models.RoleDoctor,
		}))
	}

	pat, patConn := h.connect("pat")
	require.True(t, h.co.JoinRoom(ctx, pat, models.JoinRoom{RoomID: "r1"}))
	var hist models.RoomHistory
	require.True(t, patConn.Last(models.EventRoomHistory, &hist))
	require.Len(t, hist.Messages, 50)
	assert.Equal(t, "note 5", hist.Messages[0].Content)
	last := hist.Messages[49]
	assert.Equal(t, "note 54", last.Content)
	assert.Equal(t, "doc", last.SenderID)
	assert.Equal(t, models.KindText, last.Type)
	assert.False(t, last.CreatedAt.IsZero())
}

func TestInvalidMessageNeverPersistedOrBroadcast(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	x, xConn := h.connect("X")
	y, yConn := h.connect("Y")
	h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r1"})
	h.co.JoinRoom(ctx, y, models.JoinRoom{RoomID: "r1"})
	yConn.Reset()

	h.co.Handle(ctx, x, frame(t, models.EventSendMessage, models.SendMessage{RoomID: "r1", SenderID: "X", SenderRole: models.RolePatient}))
	assert.Equal(t, 1, xConn.Count(models.EventMessageError))
	assert.Empty(t, yConn.Frames())
	msgs, _ := h.store.FetchRecentMessages(ctx, "r1", 0)
	assert.Empty(t, msgs)
}

func TestTypingScenario(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	x, xConn := h.connect("X")
	y, yConn := h.connect("Y")
	h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r1", Username: "Xena"})
	h.co.JoinRoom(ctx, y, models.JoinRoom{RoomID: "r1"})
	xConn.Reset()

	h.co.Handle(ctx, x, frame(t, models.EventTyping, models.Typing{RoomID: "r1", UserID: "X", IsTyping: true}))
	var u models.TypingUpdate
	require.True(t, yConn.Last(models.EventTyping, &u))
	assert.True(t, u.IsTyping)
	assert.Equal(t, []models.TypingUser{{UserID: "X", Username: "Xena"}}, u.Users)
	assert.Zero(t, xConn.Count(models.EventTyping))

	h.typing.Sweep(h.clock.Advance(3100 * time.Millisecond))
	require.True(t, yConn.Last(models.EventTyping, &u))
	assert.False(t, u.IsTyping)
	assert.Equal(t, "X", u.UserID)
	assert.Empty(t, u.Users)

	outsider, _ := h.connect("Z")
	assert.False(t, h.co.SetTyping(outsider, models.Typing{RoomID: "r1", IsTyping: true}))
}

func TestDisconnectCleansUpRoom(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	x, _ := h.connect("X")
	y, yConn := h.connect("Y")
	h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r1"})
	h.co.JoinRoom(ctx, y, models.JoinRoom{RoomID: "r1"})
	h.co.SetTyping(x, models.Typing{RoomID: "r1", IsTyping: true})

	h.co.Disconnect(x)
	h.co.Disconnect(x)
	assert.Equal(t, 1, yConn.Count(models.EventUserLeft))
	var info models.RoomInfo
	require.True(t, yConn.Last(models.EventRoomInfo, &info))
	assert.Equal(t, 1, info.ParticipantsCount)
	assert.Empty(t, h.typing.Users("r1"))

	h.co.Disconnect(y)
	assert.True(t, h.co.Rooms.IsEmpty("r1"))

	never, neverConn := h.connect("N")
	h.co.Disconnect(never)
	assert.Empty(t, neverConn.Frames())
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	x, _ := h.connect("X")
	y, yConn := h.connect("Y")
	h.co.JoinRoom(ctx, y, models.JoinRoom{RoomID: "r1"})
	h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r1"})
	h.co.JoinRoom(ctx, x, models.JoinRoom{RoomID: "r2"})

	assert.Equal(t, 1, yConn.Count(models.EventUserLeft))
	assert.Equal(t, 1, h.co.Rooms.Count("r1"))
	assert.Equal(t, 1, h.co.Rooms.Count("r2"))
	assert.False(t, h.co.LeaveRoom(x, "r1"))
	assert.True(t, h.co.LeaveRoom(x, "r2"))
	assert.True(t, h.co.Rooms.IsEmpty("r2"))
}

func TestCallScenarioOverFrames(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	a, aConn := h.connect("A")
	b, bConn := h.connect("B")

	h.co.Handle(ctx, a, frame(t, models.EventJoinVideoCall, models.JoinVideoCall{CallID: "c1", UserID: "A", Username: "Ann"}))
	var joined models.CallJoined
	require.True(t, aConn.Last(models.EventVideoCallJoined, &joined))
	assert.Equal(t, models.CallRinging, joined.Status)
	assert.Equal(t, 1, joined.ParticipantsCount)

	h.co.Handle(ctx, b, frame(t, models.EventJoinVideoCall, models.JoinVideoCall{CallID: "c1", UserID: "B", Username: "Bo"}))
	var neg models.Negotiation
	require.True(t, aConn.Last(models.EventInitiateWebRTC, &neg))
	assert.Equal(t, "B", neg.TargetUserID)
	assert.Equal(t, models.NegotiationCaller, neg.Role)
	require.True(t, bConn.Last(models.EventWebRTCReady, &neg))
	assert.Equal(t, "A", neg.TargetUserID)
	assert.Equal(t, models.NegotiationCallee, neg.Role)
	require.True(t, bConn.Last(models.EventVideoCallJoined, &joined))
	assert.Equal(t, models.CallConnected, joined.Status)
	assert.Equal(t, 2, joined.ParticipantsCount)

	offer := `{"type":"offer","sdp":"v=0"}`
	h.co.Handle(ctx, a, []byte(`{"event":"webrtc-offer","data":{"callId":"c1","targetUserId":"B","offer":`+offer+`}}`))
	var relayed struct {
		FromUserID string          `json:"fromUserId"`
		Offer      json.RawMessage `json:"offer"`
	}
	require.True(t, bConn.Last(models.EventWebRTCOffer, &relayed))
	assert.Equal(t, "A", relayed.FromUserID)
	assert.JSONEq(t, offer, string(relayed.Offer))

	h.co.Handle(ctx, b, frame(t, models.EventLeaveVideoCall, models.LeaveVideoCall{CallID: "c1"}))
	var left models.UserPresence
	require.True(t, aConn.Last(models.EventUserLeftVideo, &left))
	assert.Equal(t, 1, left.Count)
	status, _ := h.co.Calls.Status("c1")
	assert.Equal(t, models.CallRinging, status)

	h.co.Disconnect(a)
	_, live := h.co.Calls.Status("c1")
	assert.False(t, live)
	rec, err := h.store.FetchCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, rec.Status)
}

func TestRoomAndCallOnSameConnection(t *testing.T) {
	h := newHarness(nil, nil)
	ctx := context.Background()
	a, _ := h.connect("A")
	b, bConn := h.connect("B")
	h.co.JoinRoom(ctx, a, models.JoinRoom{RoomID: "r1"})
	h.co.JoinRoom(ctx, b, models.JoinRoom{RoomID: "r1"})
	require.True(t, h.co.JoinCall(ctx, a, models.JoinVideoCall{CallID: "c1"}))
	require.True(t, h.co.JoinCall(ctx, b, models.JoinVideoCall{CallID: "c1"}))

	h.co.Disconnect(a)
	assert.Equal(t, 1, bConn.Count(models.EventUserLeft))
	assert.Equal(t, 1, bConn.Count(models.EventUserLeftVideo))
	assert.Equal(t, 1, h.co.Rooms.Count("r1"))
	status, _ := h.co.Calls.Status("c1")
	assert.Equal(t, models.CallRinging, status)
}

func TestBadFrames(t *testing.T) {
	h := newHarness(nil, nil)
	x, xConn := h.connect("X")

	h.co.Handle(context.Background(), x, []byte(`{{`))
	h.co.Handle(context.Background(), x, []byte(`{"event":"explode","data":{}}`))

	var e models.ErrorPayload
	frames := xConn.Frames()
	require.Len(t, frames, 2)
	require.NoError(t, json.Unmarshal(frames[0].Data, &e))
	assert.Equal(t, "bad_payload", e.Code)
	require.NoError(t, json.Unmarshal(frames[1].Data, &e))
	assert.Equal(t, "unknown_event", e.Code)
}
