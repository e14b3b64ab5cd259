package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

type stateInfoWire struct {
	Exists    bool   `json:"exists"`
	SessionID string `json:"session_id"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Tier      string `json:"tier"`
}

// handleGetState streams the raw compressed blob with an ETag set to the
// stored content hash, honoring If-None-Match so a client holding the
// same blob it already cached doesn't pay the transfer again.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	info, err := s.state.Info(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := `"` + info.ContentHash + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload, err := s.state.Load(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if payload == nil {
		writeError(w, model.ErrSessionNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handlePutState accepts a raw application/octet-stream body, bounded to
// the configured state-size ceiling, and either persists a fresh save
// (the normal agent-produced-state path) or a client-pushed restore of a
// previously cached blob (ClientUpload, §4.5) — both go through Save
// since a client push is simply a write that takes precedence over
// whatever server-side state existed, which is exactly last-writer-wins
// semantics already.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	body := http.MaxBytesReader(w, r.Body, s.state.MaxSizeBytes()+1)
	payload, err := io.ReadAll(body)
	if err != nil {
		writeError(w, model.ErrStateTooLarge)
		return
	}

	blob, err := s.state.Save(r.Context(), sessionID, payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stateInfoWire{
		Exists:    true,
		SessionID: sessionID,
		Size:      blob.Size,
		Hash:      blob.ContentHash,
		CreatedAt: blob.CreatedAt.UTC().Format(http.TimeFormat),
		ExpiresAt: blob.ExpiresAt.UTC().Format(http.TimeFormat),
		Tier:      blob.Tier,
	})
}

func (s *Server) handleStateInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	info, err := s.state.Info(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stateInfoWire{
		Exists:    true,
		SessionID: sessionID,
		Size:      info.Size,
		Hash:      info.ContentHash,
		CreatedAt: info.CreatedAt.UTC().Format(http.TimeFormat),
		ExpiresAt: info.ExpiresAt.UTC().Format(http.TimeFormat),
		Tier:      info.Tier,
	})
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if err := s.state.Delete(sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
