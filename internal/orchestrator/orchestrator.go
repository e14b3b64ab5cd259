// Package orchestrator implements the Orchestrator (C1): the single
// place that composes session lookup, sandbox acquisition (warm pool or
// cold spawn), remote code execution, file harvesting, and interpreter
// state persistence into one Execute call.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubecoderun/kubecoderun/internal/eventbus"
	"github.com/kubecoderun/kubecoderun/internal/executor"
	"github.com/kubecoderun/kubecoderun/internal/model"
)

// SandboxSource abstracts over "acquire from the warm pool" and "spawn
// cold", so Execute runs the identical stage/run/harvest/release
// pipeline regardless of provenance.
type SandboxSource interface {
	Acquire(ctx context.Context, lang model.Language, deadline time.Time) (*model.SandboxHandle, error)
	Release(ctx context.Context, handle *model.SandboxHandle)
}

// SessionRegistry is the slice of internal/session.Store the
// orchestrator depends on.
type SessionRegistry interface {
	Create(principal string, hint model.Language, ttl time.Duration) (*model.Session, error)
	Get(id string) (*model.Session, error)
	Touch(id string) error
}

// StateStore is the slice of internal/statestore.Store the orchestrator
// depends on. Payload bytes pass through untouched; see package
// statestore's doc comment for why they are never deserialized here.
type StateStore interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, payload []byte) (*model.StateBlob, error)
}

// FileStore is the slice of internal/filestore.Store the orchestrator
// depends on.
type FileStore interface {
	Get(ctx context.Context, sessionID, fileID string) (*model.StoredFile, []byte, error)
	Put(ctx context.Context, sessionID, name, contentType string, content []byte) (*model.StoredFile, error)
}

// Executor is the slice of internal/executor.Client the orchestrator
// depends on.
type Executor interface {
	StageFile(ctx context.Context, endpoint, name string, content []byte) error
	ListFiles(ctx context.Context, endpoint string) ([]string, error)
	Execute(ctx context.Context, endpoint string, req executor.ExecuteRequest) (*executor.ExecuteResponse, error)
	HarvestNew(ctx context.Context, endpoint string, before []string, maxFiles int, maxFileSize int64) (map[string][]byte, error)
}

// Config is the orchestrator's slice of the process configuration surface.
type Config struct {
	MaxExecutionTime time.Duration
	MaxOutputFiles   int
	MaxFileSizeBytes int64
	SessionTTL       time.Duration
}

// minExecutionTime is the floor for a per-request timeout override, per
// spec.md §4.1's "clamped to [1 s, MAX_EXECUTION_TIME]" rule.
const minExecutionTime = time.Second

// Orchestrator is the Orchestrator (C1).
type Orchestrator struct {
	cfg      Config
	sessions SessionRegistry
	state    StateStore
	sandbox  SandboxSource
	exec     Executor
	files    FileStore
	bus      *eventbus.Bus
	log      zerolog.Logger
	tracer   trace.Tracer
}

func New(cfg Config, sessions SessionRegistry, state StateStore, sandbox SandboxSource, exec Executor, files FileStore, bus *eventbus.Bus, log zerolog.Logger, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		state:    state,
		sandbox:  sandbox,
		exec:     exec,
		files:    files,
		bus:      bus,
		log:      log,
		tracer:   tracer,
	}
}

// Execute runs one piece of code against a session: resolve the
// session, acquire a sandbox, stage input files and any prior
// interpreter state, run the code, harvest produced files and updated
// state, release the sandbox, and publish a completion event. Every
// step after sandbox acquisition runs with the sandbox handle
// guaranteed to be released on return, even on error or panic recovery
// upstream in internal/server.
func (o *Orchestrator) Execute(ctx context.Context, req model.ExecutionRequest) (result *model.ExecutionResult, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Execute",
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID),
			attribute.String("language", string(req.Language)),
		))
	defer span.End()

	started := time.Now()
	errorKind := ""
	var exitCode int
	var provenance model.Provenance
	var sess *model.Session

	defer func() {
		sessionID := req.SessionID
		if sess != nil {
			sessionID = sess.ID
		}
		o.bus.Publish(model.ExecutionCompleted{
			SessionID:  sessionID,
			Language:   req.Language,
			ExitCode:   exitCode,
			ErrorKind:  errorKind,
			DurationMS: time.Since(started).Milliseconds(),
			Provenance: provenance,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !model.SupportedLanguages[req.Language] {
		errorKind = "invalid_request"
		return nil, fmt.Errorf("%w: unsupported language %q", model.ErrInvalidRequest, req.Language)
	}

	if req.SessionID == "" {
		sess, err = o.sessions.Create(req.Principal, req.Language, o.cfg.SessionTTL)
		if err != nil {
			errorKind = "internal"
			return nil, fmt.Errorf("%w: create session: %v", model.ErrInternal, err)
		}
	} else {
		sess, err = o.sessions.Get(req.SessionID)
		if err != nil {
			errorKind = "session_not_found"
			return nil, err
		}
		if err := o.sessions.Touch(sess.ID); err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("touch session failed, continuing")
		}
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	execTimeout := req.Timeout
	if execTimeout <= 0 {
		execTimeout = o.cfg.MaxExecutionTime
	}
	if execTimeout < minExecutionTime {
		execTimeout = minExecutionTime
	}
	if execTimeout > o.cfg.MaxExecutionTime {
		execTimeout = o.cfg.MaxExecutionTime
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	handle, err := o.sandbox.Acquire(execCtx, req.Language, time.Now().Add(execTimeout))
	if err != nil {
		errorKind = "pool_timeout"
		return nil, err
	}
	provenance = handle.Provenance
	defer o.sandbox.Release(context.Background(), handle)

	for _, ref := range req.Files {
		fileSessionID := ref.SessionID
		if fileSessionID == "" {
			fileSessionID = sess.ID
		}
		_, content, err := o.files.Get(ctx, fileSessionID, ref.FileID)
		if err != nil {
			errorKind = "file_not_found"
			return nil, fmt.Errorf("stage input %s: %w", ref.Name, err)
		}
		if err := o.exec.StageFile(execCtx, handle.Endpoint, ref.Name, content); err != nil {
			errorKind = "remote_agent"
			return nil, err
		}
	}

	var priorState []byte
	if req.Language.Stateful() {
		priorState, err = o.state.Load(execCtx, sess.ID)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("state load failed, executing without prior state")
		}
	}

	before, err := o.exec.ListFiles(execCtx, handle.Endpoint)
	if err != nil {
		errorKind = "remote_agent"
		return nil, err
	}

	resp, err := o.exec.Execute(execCtx, handle.Endpoint, executor.ExecuteRequest{
		Code:       req.Code,
		Language:   string(req.Language),
		State:      priorState,
		TimeoutSec: int(execTimeout.Seconds()),
	})
	if err != nil {
		errorKind = "remote_agent"
		return nil, err
	}
	exitCode = resp.ExitCode

	harvested, err := o.exec.HarvestNew(execCtx, handle.Endpoint, before, o.cfg.MaxOutputFiles, o.cfg.MaxFileSizeBytes)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("harvest failed, returning execution result without output files")
		harvested = nil
	}

	var outFiles []model.FileRef
	for name, content := range harvested {
		stored, err := o.files.Put(ctx, sess.ID, name, "", content)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID).Str("file", name).Msg("store harvested file failed")
			continue
		}
		outFiles = append(outFiles, model.FileRef{SessionID: stored.SessionID, FileID: stored.FileID, Name: stored.Name})
	}

	result = &model.ExecutionResult{
		SessionID: sess.ID,
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		ExitCode:  resp.ExitCode,
		Files:     outFiles,
		TimedOut:  resp.TimedOut,
	}

	if req.Language.Stateful() && len(resp.State) > 0 {
		blob, err := o.state.Save(ctx, sess.ID, resp.State)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("state save failed, execution result still returned")
		} else {
			result.HasState = true
			result.StateSize = int64(len(resp.State))
			result.StateHash = blob.ContentHash
		}
	}

	return result, nil
}
