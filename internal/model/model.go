// Package model holds the domain types shared across the execution
// orchestration core: sessions, sandbox handles, pool slots, state blobs,
// and stored files.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Language is one of the closed set of supported language codes.
type Language string

// Supported language codes, exactly as accepted on the wire.
const (
	LangPython     Language = "py"
	LangJavaScript Language = "js"
	LangTypeScript Language = "ts"
	LangGo         Language = "go"
	LangJava       Language = "java"
	LangC          Language = "c"
	LangCPP        Language = "cpp"
	LangRust       Language = "rs"
	LangPHP        Language = "php"
	LangR          Language = "r"
	LangFortran    Language = "f90"
	LangD          Language = "d"
)

// SupportedLanguages is the closed set of accepted language codes.
var SupportedLanguages = map[Language]bool{
	LangPython:     true,
	LangJavaScript: true,
	LangTypeScript: true,
	LangGo:         true,
	LangJava:       true,
	LangC:          true,
	LangCPP:        true,
	LangRust:       true,
	LangPHP:        true,
	LangR:          true,
	LangFortran:    true,
	LangD:          true,
}

// StatefulLanguages is the subset that carries persistent interpreter state
// across executions in the same session.
var StatefulLanguages = map[Language]bool{
	LangPython: true,
}

func (l Language) Stateful() bool {
	return StatefulLanguages[l]
}

// NewSandboxName mints a sandbox name before the backend's Create call,
// so the caller (pool replenisher or cold spawner) can register it as
// in-flight before the round trip completes rather than only learning
// the name once creation succeeds.
func NewSandboxName() string {
	id := uuid.NewString()
	if len(id) > 12 {
		id = id[:12]
	}
	return "kcr-sbx-" + id
}

// Provenance records where a sandbox came from, for observability only.
type Provenance string

const (
	ProvenancePool Provenance = "pool"
	ProvenanceCold Provenance = "cold"
)

// Session binds a client-visible identifier to files and interpreter state.
type Session struct {
	ID             string
	Principal      string
	LanguageHint   Language
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
}

// Expired reports whether the session has aged past its TTL as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastAccessedAt) > s.TTL
}

// SandboxHandle identifies a live sandbox instance. It is never persisted;
// it is process-lifetime state owned by whichever component currently
// holds it (pool, orchestrator, or briefly the remote executor).
type SandboxHandle struct {
	Name       string
	Language   Language
	Endpoint   string
	Provenance Provenance
	CreatedAt  time.Time
	Busy       bool
}

// SlotState is the lifecycle state of one pool slot.
type SlotState string

const (
	SlotStarting  SlotState = "starting"
	SlotReady     SlotState = "ready"
	SlotLeased    SlotState = "leased"
	SlotUnhealthy SlotState = "unhealthy"
)

// StateBlob is the opaque, serialized interpreter namespace for a session.
// The core never deserializes the payload — only length, hash, and tier
// are meaningful to it.
type StateBlob struct {
	SessionID      string
	Bytes          []byte
	ContentHash    string
	Size           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	Tier           string // "hot" or "cold"
}

// StoredFile is a binary artifact attached to a session.
type StoredFile struct {
	SessionID   string
	FileID      string
	Name        string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}

// FileRef names a file already attached to a session, used both as an
// execution input reference and as a response reference to a produced file.
type FileRef struct {
	SessionID string
	FileID    string
	Name      string
}

// ExecutionRequest is the validated input to Orchestrator.Execute.
type ExecutionRequest struct {
	Language  Language
	Code      string
	Principal string // owning tenant+user; authentication itself is out of scope
	SessionID string
	Files     []FileRef
	Timeout   time.Duration
}

// ExecutionResult is the output of Orchestrator.Execute.
type ExecutionResult struct {
	SessionID   string
	Stdout      string
	Stderr      string
	ExitCode    int
	Files       []FileRef
	HasState    bool
	StateSize   int64
	StateHash   string
	TimedOut    bool
}

// ExecutionCompleted is published to the event bus after every Execute call.
type ExecutionCompleted struct {
	SessionID  string
	Language   Language
	ExitCode   int
	ErrorKind  string
	DurationMS int64
	Provenance Provenance
}
