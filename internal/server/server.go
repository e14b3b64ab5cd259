// Package server implements the HTTP transport edge: request parsing,
// response encoding, and the error-taxonomy-to-status-code mapping.
// Nothing outside this package maps model errors to HTTP statuses.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kubecoderun/kubecoderun/internal/filestore"
	"github.com/kubecoderun/kubecoderun/internal/model"
	"github.com/kubecoderun/kubecoderun/internal/orchestrator"
	"github.com/kubecoderun/kubecoderun/internal/session"
	"github.com/kubecoderun/kubecoderun/internal/statestore"
)

// Server wires the orchestration core's operations onto chi routes.
type Server struct {
	orch   *orchestrator.Orchestrator
	sess   *session.Store
	files  *filestore.Store
	state  *statestore.Store
	log    zerolog.Logger
	router chi.Router
}

func New(orch *orchestrator.Orchestrator, sess *session.Store, files *filestore.Store, state *statestore.Store, log zerolog.Logger) *Server {
	s := &Server{orch: orch, sess: sess, files: files, state: state, log: log}
	s.router = s.routes()
	return s
}

func (s *Server) Router() chi.Router { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/exec", s.handleExec)
	r.Post("/upload", s.handleUpload)
	r.Get("/files/{session_id}", s.handleListFiles)
	r.Get("/download/{session_id}/{file_id}", s.handleDownload)
	r.Delete("/files/{session_id}/{file_id}", s.handleDeleteFile)
	r.Get("/state/{session_id}", s.handleGetState)
	r.Post("/state/{session_id}", s.handlePutState)
	r.Get("/state/{session_id}/info", s.handleStateInfo)
	r.Delete("/state/{session_id}", s.handleDeleteState)
	r.Get("/healthz", s.handleHealthz)

	return r
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// statusFor maps the core's error taxonomy onto HTTP statuses. This is
// the only place in the codebase that does this mapping.
func statusFor(err error) int {
	switch {
	case isErr(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case isErr(err, model.ErrStateTooLarge):
		return http.StatusRequestEntityTooLarge
	case isErr(err, model.ErrSessionNotFound), isErr(err, model.ErrFileNotFound):
		return http.StatusNotFound
	case isErr(err, model.ErrPoolTimeout):
		// PoolTimeout is the core's designed 429-equivalent signal, per
		// spec.md §5's backpressure translation.
		return http.StatusTooManyRequests
	case isErr(err, model.ErrPoolDisabled):
		return http.StatusConflict
	case isErr(err, model.ErrRemoteAgent):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
