package sandboxpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

type fakeCreator struct {
	mu   sync.Mutex
	live map[string]bool
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{live: make(map[string]bool)}
}

func (f *fakeCreator) Create(ctx context.Context, name string, lang model.Language, provenance model.Provenance) (*model.SandboxHandle, error) {
	f.mu.Lock()
	f.live[name] = true
	f.mu.Unlock()
	return &model.SandboxHandle{Name: name, Language: lang, Endpoint: name, Provenance: provenance, CreatedAt: time.Now()}, nil
}

func (f *fakeCreator) Destroy(ctx context.Context, handle *model.SandboxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[handle.Name] {
		return fmt.Errorf("double destroy of %s", handle.Name)
	}
	delete(f.live, handle.Name)
	return nil
}

type alwaysReady struct{}

func (alwaysReady) Ready(ctx context.Context, endpoint string) error { return nil }

func testConfig(target int) Config {
	return Config{
		TargetPerLang:     map[model.Language]int{model.LangPython: target},
		ParallelBatch:     4,
		ReplenishInterval: 20 * time.Millisecond,
		ExhaustionTrigger: true,
		StartupDeadline:   2 * time.Second,
		HealthInterval:    time.Hour, // keep health checks out of the way in acquire tests
	}
}

func TestWarmupReachesTarget(t *testing.T) {
	creator := newFakeCreator()
	p := New(testConfig(3), creator, alwaysReady{}, zerolog.Nop())
	p.Start()
	p.Warmup(model.LangPython)

	stats := p.Stats(model.LangPython)
	require.Equal(t, 3, stats.Ready)
}

func TestAcquireTransitionsReadyToLeased(t *testing.T) {
	creator := newFakeCreator()
	p := New(testConfig(2), creator, alwaysReady{}, zerolog.Nop())
	p.Start()
	p.Warmup(model.LangPython)

	h, err := p.Acquire(context.Background(), model.LangPython, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	stats := p.Stats(model.LangPython)
	require.Equal(t, 1, stats.Ready)
	require.Equal(t, 1, stats.Leased)
}

func TestAcquireNeverDoubleHandsOutASlot(t *testing.T) {
	creator := newFakeCreator()
	p := New(testConfig(5), creator, alwaysReady{}, zerolog.Nop())
	p.Start()
	p.Warmup(model.LangPython)

	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), model.LangPython, time.Now().Add(time.Second))
			require.NoError(t, err)
			_, dup := seen.LoadOrStore(h.Name, true)
			require.False(t, dup, "slot handed out twice: %s", h.Name)
		}()
	}
	wg.Wait()
}

func TestAcquireOnDisabledLanguageReturnsPoolDisabled(t *testing.T) {
	creator := newFakeCreator()
	p := New(testConfig(0), creator, alwaysReady{}, zerolog.Nop())
	p.Start()

	_, err := p.Acquire(context.Background(), model.LangPython, time.Now().Add(time.Second))
	require.ErrorIs(t, err, model.ErrPoolDisabled)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	creator := newFakeCreator()
	cfg := testConfig(1)
	cfg.ReplenishInterval = time.Hour // no periodic refill during the test
	cfg.ExhaustionTrigger = false     // and no exhaustion-triggered refill that would mask the timeout
	p := New(cfg, creator, alwaysReady{}, zerolog.Nop())
	p.Start()
	p.replenish(p.langs[model.LangPython]) // fill the single slot once; neither trigger above will
	p.Warmup(model.LangPython)

	_, err := p.Acquire(context.Background(), model.LangPython, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), model.LangPython, time.Now().Add(50*time.Millisecond))
	require.ErrorIs(t, err, model.ErrPoolTimeout)
}

func TestShutdownDestroysEverySandboxExactlyOnce(t *testing.T) {
	creator := newFakeCreator()
	p := New(testConfig(4), creator, alwaysReady{}, zerolog.Nop())
	p.Start()
	p.Warmup(model.LangPython)

	p.Shutdown(context.Background())

	creator.mu.Lock()
	defer creator.mu.Unlock()
	require.Empty(t, creator.live)

	_, err := p.Acquire(context.Background(), model.LangPython, time.Now().Add(time.Second))
	require.ErrorIs(t, err, model.ErrPoolTimeout)
}
