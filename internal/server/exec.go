package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

type fileRefWire struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
}

type execRequest struct {
	SessionID string        `json:"session_id"`
	Lang      string        `json:"lang"`
	Code      string        `json:"code"`
	Files     []fileRefWire `json:"files"`
	TimeoutS  float64       `json:"timeout"`
}

type execResponse struct {
	SessionID string        `json:"session_id"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Files     []fileRefWire `json:"files,omitempty"`
	HasState  bool          `json:"has_state,omitempty"`
	StateSize int64         `json:"state_size,omitempty"`
	StateHash string        `json:"state_hash,omitempty"`
}

// execJSONPreamble is a single leading whitespace byte written before the
// JSON body once the handler has committed to responding. Leading
// whitespace is valid JSON, so clients parsing the body as JSON are
// unaffected. It is written only after Execute has returned, together
// with the body; nothing is sent to the client while the execution runs.
const execJSONPreamble = " "

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidRequest)
		return
	}

	files := make([]model.FileRef, 0, len(req.Files))
	for _, f := range req.Files {
		sid := f.SessionID
		if sid == "" {
			sid = req.SessionID
		}
		files = append(files, model.FileRef{SessionID: sid, FileID: f.FileID, Name: f.Name})
	}

	timeout := time.Duration(req.TimeoutS * float64(time.Second))

	result, err := s.orch.Execute(r.Context(), model.ExecutionRequest{
		Language:  model.Language(req.Lang),
		Code:      req.Code,
		Principal: principalFromRequest(r),
		SessionID: req.SessionID,
		Files:     files,
		Timeout:   timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	outFiles := make([]fileRefWire, 0, len(result.Files))
	for _, f := range result.Files {
		outFiles = append(outFiles, fileRefWire{SessionID: f.SessionID, FileID: f.FileID, Name: f.Name})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(execJSONPreamble))
	json.NewEncoder(w).Encode(execResponse{
		SessionID: result.SessionID,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Files:     outFiles,
		HasState:  result.HasState,
		StateSize: result.StateSize,
		StateHash: result.StateHash,
	})
}

// principalFromRequest extracts the owning tenant+user, when an upstream
// auth layer has already attached one. Authentication itself is out of
// scope for this core; a missing header yields an empty principal.
func principalFromRequest(r *http.Request) string {
	return r.Header.Get("X-Principal")
}
