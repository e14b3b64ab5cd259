package sandboxmgr

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// OrphanSweeper periodically destroys backend sandboxes that this
// process no longer tracks as live — e.g. left behind after a crash
// between Create and the pool recording the handle. Grounded on the
// teacher's CleanOrphans-at-startup idea, generalized into a recurring
// background loop since this core's sandboxes are far shorter-lived
// than the teacher's per-user persistent pods.
type OrphanSweeper struct {
	backend  Backend
	log      zerolog.Logger
	interval time.Duration
	// live reports every sandbox name any in-process component still
	// considers live — the pool's starting/ready/leased slots and any
	// cold sandbox a request currently holds. The caller is expected to
	// merge every such source; a name missing from it is torn down.
	live func() map[string]bool
	stop chan struct{}
}

func NewOrphanSweeper(backend Backend, log zerolog.Logger, interval time.Duration, live func() map[string]bool) *OrphanSweeper {
	return &OrphanSweeper{backend: backend, log: log, interval: interval, live: live, stop: make(chan struct{})}
}

func (s *OrphanSweeper) Start() {
	go s.loop()
}

func (s *OrphanSweeper) Stop() {
	close(s.stop)
}

func (s *OrphanSweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *OrphanSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := s.backend.KnownNames(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("orphan sweep: list failed")
		return
	}

	live := s.live()
	for _, name := range names {
		if live[name] {
			continue
		}
		if err := s.backend.DestroyByName(ctx, name); err != nil {
			s.log.Error().Err(err).Str("sandbox", name).Msg("orphan sweep: destroy failed")
			continue
		}
		s.log.Info().Str("sandbox", name).Msg("orphan sweep: destroyed untracked sandbox")
	}
}
