// Package mongo persists chat history and call records in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

const (
	messagesCollection = "messages"
	callsCollection    = "calls"
	maxVersionRetries  = 5
)

type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type Store struct {
	client   *mongo.Client
	messages *mongo.Collection
	calls    *mongo.Collection
	timeout  time.Duration
}

// Connect dials MongoDB, pings it and makes sure the indexes exist.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		messages: db.Collection(messagesCollection),
		calls:    db.Collection(callsCollection),
		timeout:  cfg.Timeout,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("module", "store.mongo").Str("database", cfg.Database).Msg("connected to MongoDB")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, roomID string, msg models.ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg.RoomID = roomID
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to save message: %w", err)
	}
	return msg.ID, nil
}

// FetchRecentMessages reads newest first and reverses, so the limit keeps
// the latest messages.
func (s *Store) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve message history: %w", err)
	}
	defer cursor.Close(ctx)

	var msgs []models.ChatMessage
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode message history: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead flags the given messages as read, skipping the reader's own.
func (s *Store) MarkRead(ctx context.Context, roomID, readerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{
		"room_id":   roomID,
		"_id":       bson.M{"$in": ids},
		"sender_id": bson.M{"$ne": readerID},
	}
	if _, err := s.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true}}); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

type participantDocument struct {
	UserID   string     `bson:"user_id"`
	Username string     `bson:"username"`
	JoinedAt *time.Time `bson:"joined_at,omitempty"`
	LeftAt   *time.Time `bson:"left_at,omitempty"`
}

type callDocument struct {
	CallID       string                `bson:"_id"`
	Status       string                `bson:"status"`
	StartedAt    *time.Time            `bson:"started_at,omitempty"`
	EndedAt      *time.Time            `bson:"ended_at,omitempty"`
	Duration     int64                 `bson:"duration"`
	Participants []participantDocument `bson:"participants"`
	UpdatedAt    time.Time             `bson:"updated_at"`
	Version      int64                 `bson:"version"`
}

func (d *callDocument) record() *models.CallRecord {
	rec := &models.CallRecord{
		CallID:    d.CallID,
		Status:    models.CallStatus(d.Status),
		StartedAt: d.StartedAt,
		EndedAt:   d.EndedAt,
		Duration:  d.Duration,
		UpdatedAt: d.UpdatedAt,
	}
	for _, p := range d.Participants {
		rec.Participants = append(rec.Participants, models.CallParticipant(p))
	}
	return rec
}

func document(rec *models.CallRecord, version int64) callDocument {
	d := callDocument{
		CallID:    rec.CallID,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		Duration:  rec.Duration,
		UpdatedAt: rec.UpdatedAt,
		Version:   version,
	}
	for _, p := range rec.Participants {
		d.Participants = append(d.Participants, participantDocument(p))
	}
	return d
}

// UpdateCallStatus applies u with a compare-and-swap on the document
// version, retrying when another writer got there first.
func (s *Store) UpdateCallStatus(ctx context.Context, callID string, u models.CallUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for i := 0; i < maxVersionRetries; i++ {
		var cur callDocument
		err := s.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&cur)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			rec := &models.CallRecord{CallID: callID}
			rec.Apply(u, time.Now())
			_, err = s.calls.InsertOne(ctx, document(rec, 1))
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert call %s: %w", callID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("load call %s: %w", callID, err)
		}

		rec := cur.record()
		rec.Apply(u, time.Now())
		res, err := s.calls.ReplaceOne(ctx, bson.M{"_id": callID, "version": cur.Version}, document(rec, cur.Version+1))
		if err != nil {
			return fmt.Errorf("update call %s: %w", callID, err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("update call %s: too many concurrent writers", callID)
}

func (s *Store) FetchCall(ctx context.Context, callID string) (*models.CallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d callDocument
	err := s.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	return d.record(), nil
}

var (
	_ store.MessageStore = (*Store)(nil)
	_ store.CallStore    = (*Store)(nil)
)
