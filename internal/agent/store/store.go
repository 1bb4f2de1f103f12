package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codetether/codetether/internal/codec/transcript"
)

// SessionRecord is one persisted session.
type SessionRecord struct {
	ID                int
	Name              string
	WorkingDir        string
	ProviderSessionID string
	Model             string
	MessageCount      int
	InputTokens       int
	OutputTokens      int
	CostUSD           float64
	CreatedAt         time.Time
	LastActiveAt      time.Time
}

// TranscriptEntry is one persisted chat line, decompressed.
type TranscriptEntry struct {
	SessionID int
	Seq       int
	Role      string // "user" or "assistant"
	Text      string
	CreatedAt time.Time
}

// Store wraps the agent's SQLite database with typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceIdentity returns the stable device id and name, generating and
// persisting them on first call.
func (s *Store) DeviceIdentity(ctx context.Context) (id, name string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT device_id, device_name FROM device WHERE id = 1`)
	switch err = row.Scan(&id, &name); {
	case err == nil:
		return id, name, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", "", fmt.Errorf("load device identity: %w", err)
	}

	id, err = gonanoid.New()
	if err != nil {
		return "", "", fmt.Errorf("generate device id: %w", err)
	}
	name, err = os.Hostname()
	if err != nil || name == "" {
		name = "desktop"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device (id, device_id, device_name) VALUES (1, ?, ?)`, id, name)
	if err != nil {
		return "", "", fmt.Errorf("save device identity: %w", err)
	}
	return id, name, nil
}

// SaveRoom records the room this device is paired into, so the agent can
// rejoin after a restart.
func (s *Store) SaveRoom(ctx context.Context, roomID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device SET room_id = ? WHERE id = 1`, roomID)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("save room: device identity not initialised")
	}
	return nil
}

// ClearRoom forgets the stored room, e.g. after the hub reports it gone.
func (s *Store) ClearRoom(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE device SET room_id = '' WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	return nil
}

// Room returns the stored room id, or "" when unpaired.
func (s *Store) Room(ctx context.Context) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `SELECT room_id FROM device WHERE id = 1`).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load room: %w", err)
	}
	return roomID, nil
}

// UpsertSession inserts or refreshes one session row.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, working_dir, provider_session_id, model,
			message_count, input_tokens, output_tokens, cost_usd,
			created_at, last_active_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			working_dir = excluded.working_dir,
			provider_session_id = excluded.provider_session_id,
			model = excluded.model,
			message_count = excluded.message_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			last_active_at = excluded.last_active_at`,
		rec.ID, rec.Name, rec.WorkingDir, rec.ProviderSessionID, rec.Model,
		rec.MessageCount, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.CreatedAt.UnixMilli(), rec.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteSession removes a session row and, via the foreign key, its
// transcript.
func (s *Store) DeleteSession(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	return nil
}

// Sessions returns all persisted sessions ordered by id.
func (s *Store) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, working_dir, provider_session_id, model,
			message_count, input_tokens, output_tokens, cost_usd,
			created_at, last_active_at
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdAt, lastActiveAt int64
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.WorkingDir, &rec.ProviderSessionID, &rec.Model,
			&rec.MessageCount, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD,
			&createdAt, &lastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		rec.LastActiveAt = time.UnixMilli(lastActiveAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendTranscript stores one chat line for a session, compressed. seq
// numbering starts at 1 and is assigned here.
func (s *Store) AppendTranscript(ctx context.Context, sessionID int, role, text string) error {
	body, compression := transcript.Compress([]byte(text))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, seq, role, compression, body, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM transcripts WHERE session_id = ?`,
		sessionID, role, int(compression), body, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("append transcript for session %d: %w", sessionID, err)
	}
	return nil
}

// Transcript returns a session's chat lines in order. limit > 0 keeps only
// the most recent lines.
func (s *Store) Transcript(ctx context.Context, sessionID, limit int) ([]TranscriptEntry, error) {
	query := `
		SELECT session_id, seq, role, compression, body, created_at
		FROM transcripts WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query += ` DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load transcript for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var compression int
		var body []byte
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Role, &compression, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript line: %w", err)
		}
		text, err := transcript.Decompress(body, transcript.Compression(compression))
		if err != nil {
			return nil, err
		}
		e.Text = string(text)
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 {
		// The LIMIT query returned newest-first; put them back in order.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
