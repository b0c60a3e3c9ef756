package signaling_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/keylock"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/session/sessiontest"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/store"
	"github.com/mossy-p/consult-signaling/internal/store/memory"
)

type inline struct{}

func (inline) Submit(job store.Job) { _ = job.Run(context.Background()) }

func setup(t *testing.T) (*call.Manager, *signaling.Relay, session.Participant, session.Participant, *sessiontest.Conn, *sessiontest.Conn) {
	t.Helper()
	mgr := call.NewManager(session.NewRegistry("calls", 1), keylock.New(4), store.AllowAll{}, memory.New(), inline{})
	aConn, bConn := sessiontest.NewConn("ca"), sessiontest.NewConn("cb")
	a := session.Participant{ConnID: "ca", UserID: "A", Username: "Ann", Conn: aConn}
	b := session.Participant{ConnID: "cb", UserID: "B", Username: "Bo", Conn: bConn}
	require.NoError(t, mgr.Join(context.Background(), a, models.JoinVideoCall{CallID: "c1"}))
	require.NoError(t, mgr.Join(context.Background(), b, models.JoinVideoCall{CallID: "c1"}))
	aConn.Reset()
	bConn.Reset()
	return mgr, signaling.NewRelay(mgr), a, b, aConn, bConn
}

func TestForwardOfferVerbatim(t *testing.T) {
	mgr, relay, a, _, aConn, bConn := setup(t)
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)

	ok := relay.Forward(a, models.Signal{Kind: models.EventWebRTCOffer, CallID: "c1", TargetUserID: "B", Payload: offer})
	require.True(t, ok)

	frames := bConn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventWebRTCOffer, frames[0].Event)
	var got struct {
		CallID     string          `json:"callId"`
		FromUserID string          `json:"fromUserId"`
		Offer      json.RawMessage `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &got))
	assert.Equal(t, "A", got.FromUserID)
	assert.Equal(t, "c1", got.CallID)
	assert.JSONEq(t, string(offer), string(got.Offer))
	assert.Empty(t, aConn.Frames())

	cached, ok := mgr.LastSignal("c1", models.EventWebRTCOffer, "A", "B")
	require.True(t, ok)
	assert.JSONEq(t, string(offer), string(cached))
}

func TestForwardAnswerAndCandidate(t *testing.T) {
	mgr, relay, _, b, aConn, _ := setup(t)

	require.True(t, relay.Forward(b, models.Signal{Kind: models.EventWebRTCAnswer, CallID: "c1", TargetUserID: "A", Payload: json.RawMessage(`{"type":"answer","sdp":"y"}`)}))
	require.True(t, relay.Forward(b, models.Signal{Kind: models.EventWebRTCICECandidate, CallID: "c1", TargetUserID: "A", Payload: json.RawMessage(`{"candidate":"c","sdpMid":"0"}`)}))
	assert.Equal(t, []models.EventType{models.EventWebRTCAnswer, models.EventWebRTCICECandidate}, aConn.Events())

	var cand struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	require.True(t, aConn.Last(models.EventWebRTCICECandidate, &cand))
	assert.JSONEq(t, `{"candidate":"c","sdpMid":"0"}`, string(cand.Candidate))

	_, ok := mgr.LastSignal("c1", models.EventWebRTCAnswer, "B", "A")
	assert.True(t, ok)
}

func TestForwardDrops(t *testing.T) {
	_, relay, a, _, aConn, bConn := setup(t)
	payload := json.RawMessage(`{}`)

	assert.False(t, relay.Forward(a, models.Signal{Kind: models.EventWebRTCOffer, CallID: "c1", TargetUserID: "A", Payload: payload}), "self")
	assert.False(t, relay.Forward(a, models.Signal{Kind: models.EventWebRTCOffer, CallID: "c1", TargetUserID: "Z", Payload: payload}), "unknown target")
	assert.False(t, relay.Forward(a, models.Signal{Kind: models.EventWebRTCOffer, CallID: "c2", TargetUserID: "B", Payload: payload}), "other call")
	assert.False(t, relay.Forward(a, models.Signal{Kind: models.EventJoinRoom, CallID: "c1", TargetUserID: "B", Payload: payload}), "not a signal")

	outsider := session.Participant{ConnID: "cz", UserID: "Z", Conn: sessiontest.NewConn("cz")}
	assert.False(t, relay.Forward(outsider, models.Signal{Kind: models.EventWebRTCOffer, CallID: "c1", TargetUserID: "B", Payload: payload}), "sender outside call")

	assert.Empty(t, aConn.Frames())
	assert.Empty(t, bConn.Frames())
}

func TestForwardAfterTargetLeft(t *testing.T) {
	mgr, relay, a, b, _, bConn := setup(t)
	require.True(t, mgr.Leave("c1", b))
	assert.False(t, relay.Forward(a, models.Signal{Kind: models.EventWebRTCICECandidate, CallID: "c1", TargetUserID: "B", Payload: json.RawMessage(`{}`)}))
	assert.Empty(t, bConn.Frames())
}
