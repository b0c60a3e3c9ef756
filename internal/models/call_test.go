package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRecordApply(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Second)
	t2 := t1.Add(90 * time.Second)

	var rec CallRecord
	rec.Apply(CallUpdate{Status: CallRinging, Patch: &ParticipantPatch{UserID: "a", Username: "Ann", JoinedAt: &t0}}, t0)
	rec.Apply(CallUpdate{Status: CallConnected, StartedAt: &t1, Patch: &ParticipantPatch{UserID: "b", Username: "Bo", JoinedAt: &t1}}, t1)

	// a second StartedAt does not move the original start
	later := t1.Add(time.Minute)
	rec.Apply(CallUpdate{Status: CallConnected, StartedAt: &later}, later)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, t1, *rec.StartedAt)

	rec.Apply(CallUpdate{Status: CallEnded, EndedAt: &t2, Duration: t2.Sub(t1), Patch: &ParticipantPatch{UserID: "b", LeftAt: &t2}}, t2)

	assert.Equal(t, CallEnded, rec.Status)
	assert.Equal(t, int64(90), rec.Duration)
	assert.Equal(t, t2, rec.UpdatedAt)
	require.Len(t, rec.Participants, 2)
	assert.Equal(t, "Bo", rec.Participants[1].Username)
	require.NotNil(t, rec.Participants[1].LeftAt)
	assert.Equal(t, t2, *rec.Participants[1].LeftAt)
}

func TestCallRecordRejoinClearsLeftAt(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Second), t0.Add(2*time.Second)

	var rec CallRecord
	rec.Apply(CallUpdate{Status: CallRinging, Patch: &ParticipantPatch{UserID: "a", JoinedAt: &t0}}, t0)
	rec.Apply(CallUpdate{Status: CallRinging, Patch: &ParticipantPatch{UserID: "a", LeftAt: &t1}}, t1)
	rec.Apply(CallUpdate{Status: CallRinging, Patch: &ParticipantPatch{UserID: "a", JoinedAt: &t2}}, t2)

	require.Len(t, rec.Participants, 1)
	assert.Nil(t, rec.Participants[0].LeftAt)
	assert.Equal(t, t2, *rec.Participants[0].JoinedAt)
}
