// Package session implements the SessionRegistry: identifier allocation,
// metadata persistence with TTL, and reference validation. No in-memory
// per-session state is kept — concurrent executions on the same session
// are explicitly not serialized, so nothing benefits from a shared
// mutable cache beyond the database row itself.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kubecoderun/kubecoderun/internal/dbx"
	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Store is the SessionRegistry (C6).
type Store struct {
	db  *dbx.DB
	log zerolog.Logger
}

func NewStore(db *dbx.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Create allocates a new unguessable session id and persists it.
func (s *Store) Create(principal string, hint model.Language, ttl time.Duration) (*model.Session, error) {
	id := uuid.NewString()
	if err := s.db.CreateSession(id, principal, string(hint), ttl); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	now := time.Now()
	return &model.Session{
		ID:             id,
		Principal:      principal,
		LanguageHint:   hint,
		TTL:            ttl,
		CreatedAt:      now,
		LastAccessedAt: now,
	}, nil
}

// Get returns session metadata, or model.ErrSessionNotFound if the id is
// unknown or has expired.
func (s *Store) Get(id string) (*model.Session, error) {
	row, err := s.db.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if row == nil {
		return nil, model.ErrSessionNotFound
	}
	sess := rowToSession(row)
	if sess.Expired(time.Now()) {
		return nil, model.ErrSessionNotFound
	}
	return sess, nil
}

// Touch bumps last-access time. Idempotent and side-effect-free aside
// from the timestamp.
func (s *Store) Touch(id string) error {
	if err := s.db.TouchSession(id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Delete removes a session. The files cascade via ON DELETE CASCADE on
// the files table; the caller is responsible for also clearing any
// StateStore entry, since state lives outside Postgres.
func (s *Store) Delete(id string) error {
	if err := s.db.DeleteSession(id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func rowToSession(row *dbx.SessionRow) *model.Session {
	var hint model.Language
	if row.LanguageHint.Valid {
		hint = model.Language(row.LanguageHint.String)
	}
	return &model.Session{
		ID:             row.ID,
		Principal:      row.Principal,
		LanguageHint:   hint,
		TTL:            time.Duration(row.TTLSeconds) * time.Second,
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
	}
}
