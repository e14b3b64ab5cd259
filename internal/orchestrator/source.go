package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Pool is the slice of internal/sandboxpool.Pool the blended source
// depends on.
type Pool interface {
	Acquire(ctx context.Context, lang model.Language, deadline time.Time) (*model.SandboxHandle, error)
	Release(ctx context.Context, handle *model.SandboxHandle)
}

// ColdSpawner is the slice of internal/sandboxmgr.Manager the blended
// source depends on for the no-pool-hit path.
type ColdSpawner interface {
	ExecuteCold(ctx context.Context, lang model.Language, checkReady func(ctx context.Context, endpoint string) error, startupDeadline time.Duration) (*model.SandboxHandle, error)
	Destroy(ctx context.Context, handle *model.SandboxHandle) error
}

// BlendedSource implements SandboxSource by trying the warm pool first
// and falling back to a cold spawn once the pool fails to produce a
// slot within PoolFallbackThreshold — the design note the spec leaves
// as an open question, resolved here as a fixed per-request wait rather
// than a language-level on/off switch, so every stateless-language
// request still gets a chance at a warm hit if one becomes available
// just as the request arrives.
type BlendedSource struct {
	pool             Pool
	cold             ColdSpawner
	checkReady       func(ctx context.Context, endpoint string) error
	fallbackThreshold time.Duration
	coldStartupDeadline time.Duration
}

func NewBlendedSource(pool Pool, cold ColdSpawner, checkReady func(ctx context.Context, endpoint string) error, fallbackThreshold, coldStartupDeadline time.Duration) *BlendedSource {
	return &BlendedSource{
		pool:                pool,
		cold:                cold,
		checkReady:          checkReady,
		fallbackThreshold:   fallbackThreshold,
		coldStartupDeadline: coldStartupDeadline,
	}
}

func (s *BlendedSource) Acquire(ctx context.Context, lang model.Language, deadline time.Time) (*model.SandboxHandle, error) {
	poolDeadline := time.Now().Add(s.fallbackThreshold)
	if poolDeadline.After(deadline) {
		poolDeadline = deadline
	}

	handle, err := s.pool.Acquire(ctx, lang, poolDeadline)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, model.ErrPoolTimeout) && !errors.Is(err, model.ErrPoolDisabled) {
		return nil, err
	}

	return s.cold.ExecuteCold(ctx, lang, s.checkReady, s.coldStartupDeadline)
}

func (s *BlendedSource) Release(ctx context.Context, handle *model.SandboxHandle) {
	if handle.Provenance == model.ProvenancePool {
		s.pool.Release(ctx, handle)
		return
	}
	_ = s.cold.Destroy(ctx, handle)
}
