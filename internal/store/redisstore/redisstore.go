// Package redisstore keeps call records, access grants and the room
// presence mirror in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/store"
)

const (
	DefaultPeersTTL = 24 * time.Hour
	maxTxRetries    = 5
)

type Store struct {
	client   goredis.UniversalClient
	peersTTL time.Duration
	now      func() time.Time
}

type Option func(*Store)

// WithPeersTTL sets how long an idle room's peer set survives.
func WithPeersTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.peersTTL = d
		}
	}
}

// New wraps an already connected client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, peersTTL: DefaultPeersTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call record layout: a hash at call:<id> with the scalar fields and a
// hash at call:<id>:participants mapping user id to a JSON participant.
const (
	fieldStatus    = "status"
	fieldStartedAt = "started_at"
	fieldEndedAt   = "ended_at"
	fieldDuration  = "duration"
	fieldUpdatedAt = "updated_at"
)

// UpdateCallStatus folds u into the stored record under an optimistic
// transaction on both keys.
func (s *Store) UpdateCallStatus(ctx context.Context, callID string, u models.CallUpdate) error {
	key, pkey := redis.CallKey(callID), redis.CallParticipantsKey(callID)
	txf := func(tx *goredis.Tx) error {
		rec, err := s.load(ctx, tx, callID)
		if errors.Is(err, store.ErrNotFound) {
			rec = &models.CallRecord{CallID: callID}
		} else if err != nil {
			return err
		}
		rec.Apply(u, s.now())

		fields := map[string]any{
			fieldStatus:    string(rec.Status),
			fieldDuration:  rec.Duration,
			fieldUpdatedAt: rec.UpdatedAt.Format(time.RFC3339Nano),
		}
		if rec.StartedAt != nil {
			fields[fieldStartedAt] = rec.StartedAt.Format(time.RFC3339Nano)
		}
		if rec.EndedAt != nil {
			fields[fieldEndedAt] = rec.EndedAt.Format(time.RFC3339Nano)
		}
		var participant []byte
		if u.Patch != nil {
			for _, p := range rec.Participants {
				if p.UserID == u.Patch.UserID {
					if participant, err = json.Marshal(p); err != nil {
						return fmt.Errorf("marshal participant: %w", err)
					}
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if participant != nil {
				pipe.HSet(ctx, pkey, u.Patch.UserID, participant)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key, pkey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update call %s: %w", callID, err)
		}
		return nil
	}
	return fmt.Errorf("update call %s: %w", callID, goredis.TxFailedErr)
}

func (s *Store) FetchCall(ctx context.Context, callID string) (*models.CallRecord, error) {
	return s.load(ctx, s.client, callID)
}

func (s *Store) load(ctx context.Context, c goredis.Cmdable, callID string) (*models.CallRecord, error) {
	h, err := c.HGetAll(ctx, redis.CallKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	if len(h) == 0 {
		return nil, store.ErrNotFound
	}
	rec := &models.CallRecord{CallID: callID, Status: models.CallStatus(h[fieldStatus])}
	rec.StartedAt = parseTime(h[fieldStartedAt])
	rec.EndedAt = parseTime(h[fieldEndedAt])
	if t := parseTime(h[fieldUpdatedAt]); t != nil {
		rec.UpdatedAt = *t
	}
	if d, err := strconv.ParseInt(h[fieldDuration], 10, 64); err == nil {
		rec.Duration = d
	}

	ps, err := c.HGetAll(ctx, redis.CallParticipantsKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load call %s participants: %w", callID, err)
	}
	for _, raw := range ps {
		var p models.CallParticipant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode call %s participant: %w", callID, err)
		}
		rec.Participants = append(rec.Participants, p)
	}
	sort.Slice(rec.Participants, func(i, j int) bool {
		a, b := rec.Participants[i].JoinedAt, rec.Participants[j].JoinedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return rec.Participants[i].UserID < rec.Participants[j].UserID
	})
	return rec, nil
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func (s *Store) CanAccessRoom(ctx context.Context, userID, roomID string) (bool, error) {
	return s.isMember(ctx, store.KindRoom, roomID, userID)
}

func (s *Store) CanAccessCall(ctx context.Context, userID, callID string) (bool, error) {
	return s.isMember(ctx, store.KindCall, callID, userID)
}

func (s *Store) isMember(ctx context.Context, kind, id, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, redis.AccessKey(kind, id), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check %s access: %w", kind, err)
	}
	return ok, nil
}

func (s *Store) GrantAccess(ctx context.Context, kind, id, userID string) error {
	return s.client.SAdd(ctx, redis.AccessKey(kind, id), userID).Err()
}

func (s *Store) RevokeAccess(ctx context.Context, kind, id, userID string) error {
	return s.client.SRem(ctx, redis.AccessKey(kind, id), userID).Err()
}

// AddPeer records connID in the room's peer set and refreshes its TTL.
func (s *Store) AddPeer(ctx context.Context, roomID, connID string) error {
	key := redis.PeersKey(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		pipe.Expire(ctx, key, s.peersTTL)
		return nil
	})
	return err
}

func (s *Store) RemovePeer(ctx context.Context, roomID, connID string) error {
	return s.client.SRem(ctx, redis.PeersKey(roomID), connID).Err()
}

var (
	_ store.CallStore      = (*Store)(nil)
	_ store.AccessChecker  = (*Store)(nil)
	_ store.AccessAdmin    = (*Store)(nil)
	_ store.PresenceMirror = (*Store)(nil)
)
