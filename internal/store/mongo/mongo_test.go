package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

func TestMillisecondTimestampSurvivesBSON(t *testing.T) {
	msg := models.ChatMessage{
		ID:        "01J0000000000000000000000A",
		RoomID:    "r1",
		Content:   "hi",
		CreatedAt: time.Date(2026, 4, 1, 9, 0, 0, 123456789, time.UTC).Truncate(time.Millisecond),
	}
	raw, err := bson.Marshal(msg)
	require.NoError(t, err)
	var back models.ChatMessage
	require.NoError(t, bson.Unmarshal(raw, &back))
	assert.True(t, msg.CreatedAt.Equal(back.CreatedAt), "%s != %s", msg.CreatedAt, back.CreatedAt)
}

// These tests need a live server: MONGO_TEST_URI=mongodb://localhost:27017
func connect(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, Config{URI: uri, Database: fmt.Sprintf("consult_test_%d", time.Now().UnixNano()), Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.messages.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestMessagesRoundTrip(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 55; i++ {
		sender := "doc"
		if i%2 == 1 {
			sender = "pat"
		}
		_, err := s.AppendMessage(ctx, "r1", models.ChatMessage{
			ID: fmt.Sprintf("m%02d", i), SenderID: sender, Content: fmt.Sprint(i),
			Type: models.KindText, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := s.FetchRecentMessages(ctx, "r1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	assert.Equal(t, "m05", msgs[0].ID)
	assert.Equal(t, "m54", msgs[49].ID)

	require.NoError(t, s.MarkRead(ctx, "r1", "pat", []string{"m53", "m54"}))
	msgs, err = s.FetchRecentMessages(ctx, "r1", 2)
	require.NoError(t, err)
	assert.False(t, msgs[0].Read, "own message stays unread")
	assert.True(t, msgs[1].Read)
}

func TestCallRecords(t *testing.T) {
	s := connect(t)
	ctx := context.Background()

	_, err := s.FetchCall(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateCallStatus(ctx, "c1", models.CallUpdate{Status: models.CallRinging, Patch: &models.ParticipantPatch{UserID: "doc", JoinedAt: &now}}))
	require.NoError(t, s.UpdateCallStatus(ctx, "c1", models.CallUpdate{Status: models.CallFailed, Patch: &models.ParticipantPatch{UserID: "doc", LeftAt: &now}}))

	rec, err := s.FetchCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CallFailed, rec.Status)
	require.Len(t, rec.Participants, 1)
	assert.NotNil(t, rec.Participants[0].LeftAt)
}
