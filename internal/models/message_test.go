package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	ev, err := DecodeInbound([]byte(`{"event":"join-room","data":{"roomId":"r1","username":"Ann","userId":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, JoinRoom{RoomID: "r1", Username: "Ann", UserID: "u1"}, ev)

	ev, err = DecodeInbound([]byte(`{"event":"sendMessage","data":{"roomId":"r1","content":"hi","senderId":"u1","senderRole":"doctor","type":"file","fileData":{"url":"https://x/y.pdf","name":"y.pdf","size":12,"mimeType":"application/pdf"}}}`))
	require.NoError(t, err)
	msg, ok := ev.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, RoleDoctor, msg.SenderRole)
	assert.Equal(t, KindFile, msg.Type)
	require.NotNil(t, msg.FileData)
	assert.Equal(t, int64(12), msg.FileData.Size)
}

func TestDecodeSignalKeepsPayloadVerbatim(t *testing.T) {
	raw := `{"event":"webrtc-offer","data":{"callId":"c1","targetUserId":"b","offer":{"type":"offer","sdp":"v=0\r\n"}}}`
	ev, err := DecodeInbound([]byte(raw))
	require.NoError(t, err)

	s, ok := ev.(Signal)
	require.True(t, ok)
	assert.Equal(t, EventWebRTCOffer, s.Event())
	assert.Equal(t, "c1", s.CallID)
	assert.Equal(t, "b", s.TargetUserID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, string(s.Payload))

	ev, err = DecodeInbound([]byte(`{"event":"webrtc-ice-candidate","data":{"callId":"c1","targetUserId":"b","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}}`))
	require.NoError(t, err)
	assert.Contains(t, string(ev.(Signal).Payload), "typ host")
}

func TestDecodeInboundErrors(t *testing.T) {
	_, err := DecodeInbound([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = DecodeInbound([]byte(`{"event":"dance","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeInbound([]byte(`{"event":"typing"}`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = DecodeInbound([]byte(`{"event":"typing","data":{"isTyping":"yes"}}`))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestEncode(t *testing.T) {
	frame, err := Encode(EventRoomInfo, RoomInfo{RoomID: "r1", ParticipantsCount: 1, Participants: []ParticipantView{{UserID: "u1", Username: "Ann"}}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventRoomInfo, env.Event)
	assert.JSONEq(t, `{"roomId":"r1","participantsCount":1,"participants":[{"userId":"u1","username":"Ann"}]}`, string(env.Data))
}

func TestEncodeKeepsHTMLCharacters(t *testing.T) {
	payload := json.RawMessage(`{"type":"offer","sdp":"a=fmtp:111 minptime=10;x<y&z>w"}`)
	frame, err := Encode(EventWebRTCOffer, map[string]any{"callId": "c1", "offer": payload})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `x<y&z>w`)
	assert.NotContains(t, string(frame), `\u003c`)
	assert.NotEqual(t, byte('\n'), frame[len(frame)-1])

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, string(payload), string(data["offer"]))
}
