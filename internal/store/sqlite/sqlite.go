// Package sqlite is a single-node store for chat history, call records and
// access grants.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	sender      TEXT NOT NULL,
	sender_role TEXT NOT NULL,
	content     TEXT NOT NULL,
	type        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	read        INTEGER NOT NULL DEFAULT 0,
	file_url    TEXT,
	file_name   TEXT,
	file_size   INTEGER,
	file_mime   TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at);

CREATE TABLE IF NOT EXISTS calls (
	call_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	started_at INTEGER,
	ended_at   INTEGER,
	duration   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	username  TEXT NOT NULL,
	joined_at INTEGER,
	left_at   INTEGER,
	PRIMARY KEY (call_id, user_id)
);

CREATE TABLE IF NOT EXISTS access_grants (
	kind     TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (kind, scope_id, user_id)
);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single
	// database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendMessage(ctx context.Context, roomID string, msg models.ChatMessage) (string, error) {
	query := `INSERT INTO messages
		(id, room_id, sender_id, sender, sender_role, content, type, created_at, read, file_url, file_name, file_size, file_mime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var (
		url, name, mime sql.NullString
		size            sql.NullInt64
	)
	if f := msg.FileData; f != nil {
		url = sql.NullString{String: f.URL, Valid: true}
		name = sql.NullString{String: f.Name, Valid: true}
		mime = sql.NullString{String: f.MimeType, Valid: true}
		size = sql.NullInt64{Int64: f.Size, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, roomID, msg.SenderID, msg.Sender, string(msg.SenderRole), msg.Content, string(msg.Type),
		msg.CreatedAt.UnixNano(), msg.Read, url, name, size, mime)
	if err != nil {
		return "", fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

func (s *Store) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT * FROM (
			SELECT id, room_id, sender_id, sender, sender_role, content, type, created_at, read,
				file_url, file_name, file_size, file_mime
			FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var (
			m               models.ChatMessage
			role, kind      string
			created         int64
			url, name, mime sql.NullString
			size            sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Sender, &role, &m.Content, &kind, &created, &m.Read,
			&url, &name, &size, &mime); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SenderRole = models.Role(role)
		m.Type = models.Kind(kind)
		m.CreatedAt = time.Unix(0, created).UTC()
		if url.Valid {
			m.FileData = &models.FileData{URL: url.String, Name: name.String, Size: size.Int64, MimeType: mime.String}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages for room %s: %w", roomID, err)
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, roomID, readerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, roomID, readerID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE messages SET read = 1 WHERE room_id = ? AND sender_id != ? AND id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark messages read in room %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) UpdateCallStatus(ctx context.Context, callID string, u models.CallUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin call update: %w", err)
	}
	defer tx.Rollback()

	rec, err := loadCall(ctx, tx, callID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &models.CallRecord{CallID: callID}
	} else if err != nil {
		return err
	}
	rec.Apply(u, s.now())

	_, err = tx.ExecContext(ctx, `INSERT INTO calls (call_id, status, started_at, ended_at, duration, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at, ended_at = excluded.ended_at,
			duration = excluded.duration, updated_at = excluded.updated_at`,
		callID, string(rec.Status), nanos(rec.StartedAt), nanos(rec.EndedAt), rec.Duration, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert call %s: %w", callID, err)
	}

	if u.Patch != nil {
		for _, p := range rec.Participants {
			if p.UserID != u.Patch.UserID {
				continue
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO call_participants (call_id, user_id, username, joined_at, left_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (call_id, user_id) DO UPDATE SET
					username = excluded.username, joined_at = excluded.joined_at, left_at = excluded.left_at`,
				callID, p.UserID, p.Username, nanos(p.JoinedAt), nanos(p.LeftAt))
			if err != nil {
				return fmt.Errorf("failed to upsert participant %s of call %s: %w", p.UserID, callID, err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) FetchCall(ctx context.Context, callID string) (*models.CallRecord, error) {
	return loadCall(ctx, s.db, callID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadCall(ctx context.Context, q querier, callID string) (*models.CallRecord, error) {
	var (
		rec            = &models.CallRecord{CallID: callID}
		status         string
		started, ended sql.NullInt64
		updated        int64
	)
	err := q.QueryRowContext(ctx, `SELECT status, started_at, ended_at, duration, updated_at FROM calls WHERE call_id = ?`, callID).
		Scan(&status, &started, &ended, &rec.Duration, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call %s: %w", callID, err)
	}
	rec.Status = models.CallStatus(status)
	rec.StartedAt = fromNanos(started)
	rec.EndedAt = fromNanos(ended)
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := q.QueryContext(ctx, `SELECT user_id, username, joined_at, left_at FROM call_participants
		WHERE call_id = ? ORDER BY rowid`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants of call %s: %w", callID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p            models.CallParticipant
			joined, left sql.NullInt64
		)
		if err := rows.Scan(&p.UserID, &p.Username, &joined, &left); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.JoinedAt = fromNanos(joined)
		p.LeftAt = fromNanos(left)
		rec.Participants = append(rec.Participants, p)
	}
	return rec, rows.Err()
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func (s *Store) CanAccessRoom(ctx context.Context, userID, roomID string) (bool, error) {
	return s.granted(ctx, store.KindRoom, roomID, userID)
}

func (s *Store) CanAccessCall(ctx context.Context, userID, callID string) (bool, error) {
	return s.granted(ctx, store.KindCall, callID, userID)
}

func (s *Store) granted(ctx context.Context, kind, id, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM access_grants WHERE kind = ? AND scope_id = ? AND user_id = ?`, kind, id, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s access: %w", kind, err)
	}
	return true, nil
}

func (s *Store) GrantAccess(ctx context.Context, kind, id, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO access_grants (kind, scope_id, user_id) VALUES (?, ?, ?)`, kind, id, userID)
	if err != nil {
		return fmt.Errorf("failed to grant %s access: %w", kind, err)
	}
	return nil
}

func (s *Store) RevokeAccess(ctx context.Context, kind, id, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM access_grants WHERE kind = ? AND scope_id = ? AND user_id = ?`, kind, id, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke %s access: %w", kind, err)
	}
	return nil
}

var (
	_ store.MessageStore  = (*Store)(nil)
	_ store.CallStore     = (*Store)(nil)
	_ store.AccessChecker = (*Store)(nil)
	_ store.AccessAdmin   = (*Store)(nil)
)
