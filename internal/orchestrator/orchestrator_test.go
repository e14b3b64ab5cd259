package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kubecoderun/kubecoderun/internal/eventbus"
	"github.com/kubecoderun/kubecoderun/internal/executor"
	"github.com/kubecoderun/kubecoderun/internal/model"
)

type fakeSessions struct {
	sessions map[string]*model.Session
	created  int
}

func (f *fakeSessions) Create(principal string, hint model.Language, ttl time.Duration) (*model.Session, error) {
	f.created++
	id := fmt.Sprintf("new-sess-%d", f.created)
	sess := &model.Session{ID: id, Principal: principal, LanguageHint: hint, TTL: ttl, LastAccessedAt: time.Now()}
	if f.sessions == nil {
		f.sessions = make(map[string]*model.Session)
	}
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeSessions) Get(id string) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessions) Touch(id string) error { return nil }

type fakeState struct {
	saved map[string][]byte
}

func (f *fakeState) Load(ctx context.Context, sessionID string) ([]byte, error) {
	return f.saved[sessionID], nil
}

func (f *fakeState) Save(ctx context.Context, sessionID string, payload []byte) (*model.StateBlob, error) {
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[sessionID] = payload
	return &model.StateBlob{SessionID: sessionID, ContentHash: "deadbeef"}, nil
}

type fakeFiles struct {
	byID map[string][]byte
}

func (f *fakeFiles) Get(ctx context.Context, sessionID, fileID string) (*model.StoredFile, []byte, error) {
	content, ok := f.byID[fileID]
	if !ok {
		return nil, nil, model.ErrFileNotFound
	}
	return &model.StoredFile{SessionID: sessionID, FileID: fileID}, content, nil
}

func (f *fakeFiles) Put(ctx context.Context, sessionID, name, contentType string, content []byte) (*model.StoredFile, error) {
	return &model.StoredFile{SessionID: sessionID, FileID: "out-" + name, Name: name, Size: int64(len(content))}, nil
}

type fakeSandboxSource struct {
	handle    *model.SandboxHandle
	acquireErr error
	released  *model.SandboxHandle
}

func (f *fakeSandboxSource) Acquire(ctx context.Context, lang model.Language, deadline time.Time) (*model.SandboxHandle, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.handle, nil
}

func (f *fakeSandboxSource) Release(ctx context.Context, handle *model.SandboxHandle) {
	f.released = handle
}

type fakeExecutor struct {
	staged    map[string][]byte
	before    []string
	resp      *executor.ExecuteResponse
	harvested map[string][]byte
	lastReq   executor.ExecuteRequest
}

func (f *fakeExecutor) StageFile(ctx context.Context, endpoint, name string, content []byte) error {
	if f.staged == nil {
		f.staged = make(map[string][]byte)
	}
	f.staged[name] = content
	return nil
}

func (f *fakeExecutor) ListFiles(ctx context.Context, endpoint string) ([]string, error) {
	return f.before, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, endpoint string, req executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
	f.lastReq = req
	return f.resp, nil
}

func (f *fakeExecutor) HarvestNew(ctx context.Context, endpoint string, before []string, maxFiles int, maxFileSize int64) (map[string][]byte, error) {
	return f.harvested, nil
}

func testOrchestrator(t *testing.T, sandbox SandboxSource, exec Executor, state StateStore) (*Orchestrator, *fakeSessions) {
	sessions := &fakeSessions{sessions: map[string]*model.Session{
		"sess-1": {ID: "sess-1", LanguageHint: model.LangPython, TTL: time.Hour, LastAccessedAt: time.Now()},
	}}
	cfg := Config{MaxExecutionTime: 5 * time.Second, MaxOutputFiles: 10, MaxFileSizeBytes: 1 << 20, SessionTTL: time.Hour}
	o := New(cfg, sessions, state, sandbox, exec, &fakeFiles{}, eventbus.New(), zerolog.Nop(), noop.NewTracerProvider().Tracer("test"))
	return o, sessions
}

func TestExecuteHappyPathReturnsStdout(t *testing.T) {
	handle := &model.SandboxHandle{Name: "sbx-1", Language: model.LangPython, Endpoint: "http://sbx-1", Provenance: model.ProvenancePool}
	sandbox := &fakeSandboxSource{handle: handle}
	exec := &fakeExecutor{resp: &executor.ExecuteResponse{Stdout: "hi\n", ExitCode: 0}}
	o, _ := testOrchestrator(t, sandbox, exec, &fakeState{})

	result, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, Code: "print('hi')", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "hi\n", result.Stdout)
	require.Equal(t, 0, result.ExitCode)
	require.NotNil(t, sandbox.released)
}

func TestExecuteOnUnknownSessionReturnsSessionNotFound(t *testing.T) {
	sandbox := &fakeSandboxSource{}
	exec := &fakeExecutor{}
	o, _ := testOrchestrator(t, sandbox, exec, &fakeState{})

	_, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, SessionID: "missing"})
	require.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestExecutePersistsAndReloadsStateForStatefulLanguage(t *testing.T) {
	handle := &model.SandboxHandle{Name: "sbx-1", Language: model.LangPython, Endpoint: "http://sbx-1", Provenance: model.ProvenancePool}
	sandbox := &fakeSandboxSource{handle: handle}
	state := &fakeState{}

	exec1 := &fakeExecutor{resp: &executor.ExecuteResponse{Stdout: "1", State: []byte("namespace-v1")}}
	o, _ := testOrchestrator(t, sandbox, exec1, state)
	result, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, Code: "x=1", SessionID: "sess-1"})
	require.NoError(t, err)
	require.True(t, result.HasState)
	require.Equal(t, []byte("namespace-v1"), state.saved["sess-1"])

	exec2 := &fakeExecutor{resp: &executor.ExecuteResponse{Stdout: "2"}}
	o2, _ := testOrchestrator(t, sandbox, exec2, state)
	_, err = o2.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, Code: "print(x)", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, []byte("namespace-v1"), exec2.lastReq.State)
}

func TestExecuteHarvestsProducedFilesAsReferences(t *testing.T) {
	handle := &model.SandboxHandle{Name: "sbx-1", Language: model.LangPython, Endpoint: "http://sbx-1", Provenance: model.ProvenanceCold}
	sandbox := &fakeSandboxSource{handle: handle}
	exec := &fakeExecutor{
		resp:      &executor.ExecuteResponse{Stdout: "ok"},
		harvested: map[string][]byte{"plot.png": []byte("binary")},
	}
	o, _ := testOrchestrator(t, sandbox, exec, &fakeState{})

	result, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, Code: "plot()", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "plot.png", result.Files[0].Name)
}

func TestExecuteReturnsPoolTimeoutWhenSourceExhausted(t *testing.T) {
	sandbox := &fakeSandboxSource{acquireErr: model.ErrPoolTimeout}
	exec := &fakeExecutor{}
	o, _ := testOrchestrator(t, sandbox, exec, &fakeState{})

	_, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, SessionID: "sess-1"})
	require.ErrorIs(t, err, model.ErrPoolTimeout)
}

func TestExecuteWithoutSessionIDCreatesNewSession(t *testing.T) {
	handle := &model.SandboxHandle{Name: "sbx-1", Language: model.LangPython, Endpoint: "http://sbx-1", Provenance: model.ProvenancePool}
	sandbox := &fakeSandboxSource{handle: handle}
	exec := &fakeExecutor{resp: &executor.ExecuteResponse{Stdout: "hi\n", ExitCode: 0}}
	o, sessions := testOrchestrator(t, sandbox, exec, &fakeState{})

	result, err := o.Execute(t.Context(), model.ExecutionRequest{Language: model.LangPython, Code: "print('hi')"})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.Equal(t, 1, sessions.created)
	_, ok := sessions.sessions[result.SessionID]
	require.True(t, ok)
}

func TestExecuteRejectsUnsupportedLanguage(t *testing.T) {
	sandbox := &fakeSandboxSource{}
	exec := &fakeExecutor{}
	o, _ := testOrchestrator(t, sandbox, exec, &fakeState{})

	_, err := o.Execute(t.Context(), model.ExecutionRequest{Language: "cobol", SessionID: "sess-1"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}
