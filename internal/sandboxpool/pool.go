// Package sandboxpool implements the SandboxPool (C2): a per-language
// warm reserve of ready sandboxes, replenished in the background and
// handed out for O(10ms) acquisition.
//
// Concurrency invariants (I1-I4 in the design) are upheld as follows:
//   - the ready channel itself enforces "a ready slot is handed to at
//     most one caller" (I2) — a channel receive is exclusive by
//     construction;
//   - all blocking I/O (sandbox creation, readiness probing, teardown)
//     happens outside languagePool.mu, in the replenisher's goroutines
//     (I3);
//   - bookkeeping counters are mutated only while holding the per-
//     language mutex, and every critical section is O(1) (I1).
package sandboxpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Creator is the narrow slice of SandboxManager the pool depends on.
type Creator interface {
	Create(ctx context.Context, name string, lang model.Language, provenance model.Provenance) (*model.SandboxHandle, error)
	Destroy(ctx context.Context, handle *model.SandboxHandle) error
}

// ReadinessChecker probes an in-sandbox agent's /ready endpoint.
type ReadinessChecker interface {
	Ready(ctx context.Context, endpoint string) error
}

// Config is the pool's slice of the process configuration surface.
type Config struct {
	TargetPerLang        map[model.Language]int
	ParallelBatch        int
	ReplenishInterval    time.Duration
	ExhaustionTrigger    bool
	StartupDeadline      time.Duration
	HealthInterval       time.Duration
}

// Stats mirrors spec.md's Stats(lang) -> {starting, ready, leased, unhealthy}.
type Stats struct {
	Starting  int
	Ready     int
	Leased    int
	Unhealthy int
}

// Pool is the SandboxPool (C2).
type Pool struct {
	cfg     Config
	creator Creator
	checker ReadinessChecker
	log     zerolog.Logger

	mu       sync.Mutex
	langs    map[model.Language]*languagePool
	shutdown bool
}

type languagePool struct {
	lang   model.Language
	target int

	mu        sync.Mutex
	starting  int
	readyCnt  int
	leased    int
	unhealthy int
	failures  map[string]int  // handle name -> consecutive health-check failures
	live      map[string]bool // names of sandboxes currently tracked by this pool, for the orphan sweep

	ready   chan *model.SandboxHandle
	exhaust chan struct{}
	stop    chan struct{}
}

// New constructs a Pool. Call Start to begin the background replenisher
// and health-check loops for every language with a non-zero target.
func New(cfg Config, creator Creator, checker ReadinessChecker, log zerolog.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		creator: creator,
		checker: checker,
		log:     log,
		langs:   make(map[model.Language]*languagePool),
	}
	for lang, target := range cfg.TargetPerLang {
		lp := &languagePool{
			lang:     lang,
			target:   target,
			failures: make(map[string]int),
			live:     make(map[string]bool),
			ready:    make(chan *model.SandboxHandle, max(target, 1)),
			exhaust:  make(chan struct{}, 1),
			stop:     make(chan struct{}),
		}
		p.langs[lang] = lp
	}
	return p
}

// Start launches the replenisher and health loops for every enabled
// language pool.
func (p *Pool) Start() {
	for _, lp := range p.langs {
		if lp.target <= 0 {
			continue
		}
		go p.replenishLoop(lp)
		go p.healthLoop(lp)
	}
}

// Warmup blocks until the language's target is reached or cap elapses.
// Partial success is allowed; the caller only gets a log, not an error.
func (p *Pool) Warmup(lang model.Language) {
	lp, ok := p.langs[lang]
	if !ok || lp.target <= 0 {
		return
	}
	cap := 4 * p.cfg.StartupDeadline
	if cap <= 0 {
		cap = time.Minute
	}
	deadline := time.Now().Add(cap)
	for time.Now().Before(deadline) {
		lp.mu.Lock()
		readyCnt := lp.readyCnt
		lp.mu.Unlock()
		if readyCnt >= lp.target {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	lp.mu.Lock()
	readyCnt := lp.readyCnt
	lp.mu.Unlock()
	p.log.Warn().Str("lang", string(lang)).Int("ready", readyCnt).Int("target", lp.target).
		Msg("warmup cap elapsed before target reached")
}

// Acquire hands out a ready slot, transitioning it atomically to leased.
func (p *Pool) Acquire(ctx context.Context, lang model.Language, deadline time.Time) (*model.SandboxHandle, error) {
	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()
	if shutdown {
		return nil, fmt.Errorf("%w: pool is shut down", model.ErrPoolTimeout)
	}

	lp, ok := p.langs[lang]
	if !ok || lp.target <= 0 {
		return nil, model.ErrPoolDisabled
	}

	select {
	case h := <-lp.ready:
		lp.lease()
		return h, nil
	default:
	}

	if p.cfg.ExhaustionTrigger {
		select {
		case lp.exhaust <- struct{}{}:
		default:
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case h := <-lp.ready:
		lp.lease()
		return h, nil
	case <-timer.C:
		return nil, model.ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release tears down a leased sandbox. Sandboxes are single-use: each
// execution gets a freshly leased handle and the slot is never returned
// to the ready channel, since the pool has no way to know the in-sandbox
// filesystem or process state is still clean after a run. The
// replenisher's next tick refills the deficit this leaves behind.
func (p *Pool) Release(ctx context.Context, handle *model.SandboxHandle) {
	lp, ok := p.langs[handle.Language]
	if ok {
		lp.mu.Lock()
		lp.leased--
		delete(lp.live, handle.Name)
		lp.mu.Unlock()
	}
	if err := p.creator.Destroy(ctx, handle); err != nil {
		p.log.Error().Err(err).Str("sandbox", handle.Name).Msg("release: destroy failed")
	}
}

// LiveNames returns the names of every sandbox this pool currently
// believes is live (starting, ready, or leased), across all languages.
// The SandboxManager's orphan sweep diffs this against what the
// platform itself reports to find untracked sandboxes left behind by a
// crash between Create and the pool recording the handle.
func (p *Pool) LiveNames() map[string]bool {
	out := make(map[string]bool)
	for _, lp := range p.langs {
		lp.mu.Lock()
		for name := range lp.live {
			out[name] = true
		}
		lp.mu.Unlock()
	}
	return out
}

// Stats returns observability counters for one language.
func (p *Pool) Stats(lang model.Language) Stats {
	lp, ok := p.langs[lang]
	if !ok {
		return Stats{}
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return Stats{Starting: lp.starting, Ready: lp.readyCnt, Leased: lp.leased, Unhealthy: lp.unhealthy}
}

// Shutdown destroys every pool sandbox and refuses further Acquire calls.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	for _, lp := range p.langs {
		close(lp.stop)
	drain:
		for {
			select {
			case h := <-lp.ready:
				if err := p.creator.Destroy(ctx, h); err != nil {
					p.log.Error().Err(err).Str("sandbox", h.Name).Msg("shutdown: destroy failed")
				}
				lp.mu.Lock()
				delete(lp.live, h.Name)
				lp.mu.Unlock()
			default:
				break drain
			}
		}
	}
}

func (lp *languagePool) lease() {
	lp.mu.Lock()
	lp.readyCnt--
	lp.leased++
	lp.mu.Unlock()
}

// replenishLoop is the per-language background task described in
// spec.md §4.2: compute deficit, create up to parallel_batch sandboxes
// concurrently outside the lock, probe readiness, transition to ready
// or unhealthy.
func (p *Pool) replenishLoop(lp *languagePool) {
	ticker := time.NewTicker(p.cfg.ReplenishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lp.stop:
			return
		case <-ticker.C:
			p.replenish(lp)
		case <-lp.exhaust:
			p.replenish(lp)
		}
	}
}

func (p *Pool) replenish(lp *languagePool) {
	lp.mu.Lock()
	deficit := lp.target - (lp.readyCnt + lp.starting)
	lp.mu.Unlock()
	if deficit <= 0 {
		return
	}

	batch := deficit
	if batch > p.cfg.ParallelBatch {
		batch = p.cfg.ParallelBatch
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(p.cfg.ParallelBatch)
	for i := 0; i < batch; i++ {
		g.Go(func() error {
			p.createOne(ctx, lp)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) createOne(ctx context.Context, lp *languagePool) {
	lp.mu.Lock()
	lp.starting++
	lp.mu.Unlock()

	// Registered as live before the Create call, not after it returns:
	// the k8s backend's Create blocks in waitScheduled for up to its own
	// poll timeout while the CR already carries the management label, and
	// the orphan sweep must not mistake that in-progress CR for an
	// untracked leftover.
	name := model.NewSandboxName()
	lp.mu.Lock()
	lp.live[name] = true
	lp.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupDeadline)
	defer cancel()

	handle, err := p.creator.Create(createCtx, name, lp.lang, model.ProvenancePool)
	if err != nil {
		lp.mu.Lock()
		lp.starting--
		delete(lp.live, name)
		lp.mu.Unlock()
		p.log.Warn().Err(err).Str("lang", string(lp.lang)).Msg("replenisher: create failed, will retry")
		return
	}

	deadline := time.Now().Add(p.cfg.StartupDeadline)
	var ready bool
	for time.Now().Before(deadline) {
		if err := p.checker.Ready(createCtx, handle.Endpoint); err == nil {
			ready = true
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	lp.mu.Lock()
	lp.starting--
	lp.mu.Unlock()

	if !ready {
		lp.mu.Lock()
		lp.unhealthy++
		lp.mu.Unlock()
		if err := p.creator.Destroy(context.Background(), handle); err != nil {
			p.log.Error().Err(err).Str("sandbox", handle.Name).Msg("replenisher: destroy of unhealthy sandbox failed")
		}
		lp.mu.Lock()
		lp.unhealthy--
		delete(lp.live, handle.Name)
		lp.mu.Unlock()
		return
	}

	lp.mu.Lock()
	lp.readyCnt++
	lp.mu.Unlock()

	select {
	case lp.ready <- handle:
	default:
		// Channel at capacity: target shrank concurrently. Destroy the
		// surplus rather than leak it.
		lp.mu.Lock()
		lp.readyCnt--
		delete(lp.live, handle.Name)
		lp.mu.Unlock()
		if err := p.creator.Destroy(context.Background(), handle); err != nil {
			p.log.Error().Err(err).Str("sandbox", handle.Name).Msg("replenisher: destroy of surplus sandbox failed")
		}
	}
}

// healthLoop probes ready slots at a slower interval; two consecutive
// failures move a slot to unhealthy -> destroy.
func (p *Pool) healthLoop(lp *languagePool) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lp.stop:
			return
		case <-ticker.C:
			p.healthCheck(lp)
		}
	}
}

func (p *Pool) healthCheck(lp *languagePool) {
	lp.mu.Lock()
	n := lp.readyCnt
	lp.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < n; i++ {
		var h *model.SandboxHandle
		select {
		case h = <-lp.ready:
		default:
			return
		}

		if err := p.checker.Ready(ctx, h.Endpoint); err == nil {
			lp.failures[h.Name] = 0
			select {
			case lp.ready <- h:
			default:
				lp.mu.Lock()
				lp.readyCnt--
				delete(lp.live, h.Name)
				lp.mu.Unlock()
				_ = p.creator.Destroy(context.Background(), h)
			}
			continue
		}

		lp.failures[h.Name]++
		if lp.failures[h.Name] < 2 {
			select {
			case lp.ready <- h:
			default:
				lp.mu.Lock()
				lp.readyCnt--
				delete(lp.live, h.Name)
				lp.mu.Unlock()
				_ = p.creator.Destroy(context.Background(), h)
			}
			continue
		}

		delete(lp.failures, h.Name)
		lp.mu.Lock()
		lp.readyCnt--
		lp.unhealthy++
		lp.mu.Unlock()
		if err := p.creator.Destroy(context.Background(), h); err != nil {
			p.log.Error().Err(err).Str("sandbox", h.Name).Msg("health check: destroy failed")
		}
		lp.mu.Lock()
		lp.unhealthy--
		delete(lp.live, h.Name)
		lp.mu.Unlock()
	}
}
