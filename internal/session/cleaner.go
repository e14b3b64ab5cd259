package session

import (
	"time"

	"github.com/kubecoderun/kubecoderun/internal/dbx"
)

// StateDeleter is implemented by internal/statestore.Store; the cleaner
// depends on the narrow interface rather than the concrete type to avoid
// an import cycle between session and statestore.
type StateDeleter interface {
	Delete(sessionID string) error
}

// Cleaner periodically deletes expired sessions and their associated
// state blobs. Grounded on the same ticker-driven background-task shape
// used throughout this codebase's other loops (pool replenisher, state
// archiver).
type Cleaner struct {
	store    *Store
	db       *dbx.DB
	state    StateDeleter
	interval time.Duration
	stop     chan struct{}
}

func NewCleaner(store *Store, db *dbx.DB, state StateDeleter, interval time.Duration) *Cleaner {
	return &Cleaner{
		store:    store,
		db:       db,
		state:    state,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (c *Cleaner) Start() {
	go c.loop()
}

func (c *Cleaner) Stop() {
	close(c.stop)
}

func (c *Cleaner) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cleaner) sweep() {
	expired, err := c.db.ListExpiredSessions()
	if err != nil {
		c.store.log.Error().Err(err).Msg("session cleaner: failed to list expired sessions")
		return
	}

	for _, row := range expired {
		if err := c.state.Delete(row.ID); err != nil {
			c.store.log.Error().Err(err).Str("session_id", row.ID).Msg("session cleaner: failed to delete state")
			continue
		}
		if err := c.store.Delete(row.ID); err != nil {
			c.store.log.Error().Err(err).Str("session_id", row.ID).Msg("session cleaner: failed to delete session")
		}
	}
}
