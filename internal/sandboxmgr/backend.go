// Package sandboxmgr implements the SandboxManager (C3): platform-level
// sandbox lifecycle behind a small Backend interface, with a Kubernetes
// Sandbox-CR implementation for production and a Docker implementation
// for local development, mirroring the driver-abstraction shape used
// throughout the retrieved example pack for exactly this kind of
// pluggable execution backend.
package sandboxmgr

import (
	"context"
	"sync"
	"time"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Backend is the platform-level black box: create and destroy, plus the
// health and listing hooks the orphan sweep needs, with no assumption
// about what lies beneath them. The cold-path ExecuteCold lives on
// Manager, built on top of Create and Destroy.
type Backend interface {
	// Create provisions a two-process sandbox (main runtime + sidecar
	// agent sharing a working directory) under the given name and
	// returns a handle once the platform reports it scheduled — not yet
	// ready. The name is minted by the caller (model.NewSandboxName) so
	// it can be tracked as in-flight before this call even returns.
	Create(ctx context.Context, name string, lang model.Language, provenance model.Provenance) (*model.SandboxHandle, error)

	// Destroy is unconditional, idempotent teardown. It never panics
	// and never blocks the caller's exit path on failure; callers log.
	Destroy(ctx context.Context, handle *model.SandboxHandle) error

	// Healthy reports whether the backend itself (not a specific
	// sandbox) can be reached.
	Healthy(ctx context.Context) error

	// KnownNames lists the sandbox names currently tracked by the
	// platform under this backend's management label, for the orphan
	// sweep.
	KnownNames(ctx context.Context) ([]string, error)

	// DestroyByName tears down a sandbox the caller only knows by name
	// (used by the orphan sweep, which has no in-memory handle).
	DestroyByName(ctx context.Context, name string) error
}

// Manager wraps a Backend with the cold-path convenience operation and
// the set of live cold sandboxes the orphan sweep consults.
type Manager struct {
	Backend Backend

	mu   sync.Mutex
	live map[string]bool // cold sandboxes created but not yet Destroy-ed
}

func NewManager(b Backend) *Manager {
	return &Manager{Backend: b, live: make(map[string]bool)}
}

// Destroy passes through to the backend, letting Manager satisfy the
// narrow ColdSpawner interface the orchestrator's blended sandbox
// source depends on.
func (m *Manager) Destroy(ctx context.Context, handle *model.SandboxHandle) error {
	m.mu.Lock()
	delete(m.live, handle.Name)
	m.mu.Unlock()
	return m.Backend.Destroy(ctx, handle)
}

// LiveNames returns the names of cold sandboxes this manager has created
// but not yet destroyed. A cold execution holds its sandbox for the
// whole request — potentially much longer than the orphan sweep's
// interval — so the sweeper merges this set with the pool's LiveNames
// to avoid tearing down a sandbox still mid-execution.
func (m *Manager) LiveNames() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.live))
	for name := range m.live {
		out[name] = true
	}
	return out
}

// ExecuteCold is the no-pool path, used when a language's pool is
// disabled or does not produce a slot in time: it creates a sandbox and
// awaits readiness (via the caller-supplied checker), then returns the
// handle. Execution, harvesting and the final Destroy are left to the
// caller; the sandbox is destroyed here only if it never becomes ready.
// The manager itself does not know the wire protocol — it only owns
// sandbox lifetime.
func (m *Manager) ExecuteCold(ctx context.Context, lang model.Language, checkReady func(ctx context.Context, endpoint string) error, startupDeadline time.Duration) (*model.SandboxHandle, error) {
	name := model.NewSandboxName()
	m.mu.Lock()
	m.live[name] = true
	m.mu.Unlock()

	handle, err := m.Backend.Create(ctx, name, lang, model.ProvenanceCold)
	if err != nil {
		m.mu.Lock()
		delete(m.live, name)
		m.mu.Unlock()
		return nil, err
	}

	deadline := time.Now().Add(startupDeadline)
	for time.Now().Before(deadline) {
		if err := checkReady(ctx, handle.Endpoint); err == nil {
			return handle, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = m.Backend.Destroy(ctx, handle)
	m.mu.Lock()
	delete(m.live, handle.Name)
	m.mu.Unlock()
	return nil, context.DeadlineExceeded
}
