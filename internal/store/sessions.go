package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helpdesk-backend/internal/db"
	"helpdesk-backend/internal/dialog"
)

// SessionStore persists dialog sessions as JSON rows guarded by a version
// column.
type SessionStore struct {
	db  *db.DB
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(database *db.DB, ttl time.Duration) *SessionStore {
	return &SessionStore{db: database, ttl: ttl, now: time.Now}
}

func (ss *SessionStore) Load(ctx context.Context, id string) (*dialog.Session, error) {
	var (
		payload string
		version int64
		updated int64
	)
	query := ss.db.Rebind(`SELECT payload, version, updated_at FROM conversation_sessions WHERE id = ?`)
	err := ss.db.QueryRowContext(ctx, query, id).Scan(&payload, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if ss.ttl > 0 && ss.now().Sub(time.UnixMilli(updated)) > ss.ttl {
		// Expired rows are removed so the next save starts a fresh session.
		if err := ss.Delete(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var s dialog.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	s.Version = version
	return &s, nil
}

// Save inserts a new session or updates the row at s.Version, returning
// dialog.ErrSessionConflict when another writer saved first.
func (ss *SessionStore) Save(ctx context.Context, s *dialog.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	now := ss.now().UnixMilli()

	var res sql.Result
	if s.Version == 0 {
		query := ss.db.Rebind(`
			INSERT INTO conversation_sessions (id, state, payload, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (id) DO NOTHING
		`)
		res, err = ss.db.ExecContext(ctx, query, s.ID, string(s.State), string(payload), now)
	} else {
		query := ss.db.Rebind(`
			UPDATE conversation_sessions
			SET state = ?, payload = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`)
		res, err = ss.db.ExecContext(ctx, query, string(s.State), string(payload), now, s.ID, s.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if n == 0 {
		return dialog.ErrSessionConflict
	}
	s.Version++
	return nil
}

func (ss *SessionStore) Delete(ctx context.Context, id string) error {
	query := ss.db.Rebind(`DELETE FROM conversation_sessions WHERE id = ?`)
	if _, err := ss.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
