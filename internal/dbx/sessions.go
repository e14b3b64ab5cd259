package dbx

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionRow is the raw row shape for the sessions table.
type SessionRow struct {
	ID             string
	Principal      string
	LanguageHint   sql.NullString
	TTLSeconds     int
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func (db *DB) CreateSession(id, principal, languageHint string, ttl time.Duration) error {
	_, err := db.Exec(
		`INSERT INTO sessions (id, principal, language_hint, ttl_seconds)
		 VALUES ($1, $2, $3, $4)`,
		id, principal, nullIfEmpty(languageHint), int(ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(id string) (*SessionRow, error) {
	s := &SessionRow{}
	err := db.QueryRow(
		`SELECT id, principal, language_hint, ttl_seconds, created_at, last_accessed_at
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.Principal, &s.LanguageHint, &s.TTLSeconds, &s.CreatedAt, &s.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (db *DB) TouchSession(id string) error {
	_, err := db.Exec("UPDATE sessions SET last_accessed_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (db *DB) DeleteSession(id string) error {
	_, err := db.Exec("DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListExpiredSessions returns sessions whose TTL has elapsed since last access.
func (db *DB) ListExpiredSessions() ([]*SessionRow, error) {
	rows, err := db.Query(
		`SELECT id, principal, language_hint, ttl_seconds, created_at, last_accessed_at
		 FROM sessions
		 WHERE NOW() - last_accessed_at > (ttl_seconds || ' seconds')::interval`,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		s := &SessionRow{}
		if err := rows.Scan(&s.ID, &s.Principal, &s.LanguageHint, &s.TTLSeconds, &s.CreatedAt, &s.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
