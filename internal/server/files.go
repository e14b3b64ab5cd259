package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

type storedFileWire struct {
	FileID      string `json:"file_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, model.ErrInvalidRequest)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, model.ErrInvalidRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, model.ErrInvalidRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, model.ErrInvalidRequest)
		return
	}

	stored, err := s.files.Put(r.Context(), sessionID, header.Filename, header.Header.Get("Content-Type"), content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, storedFileWire{FileID: stored.FileID, Name: stored.Name, Size: stored.Size, ContentType: stored.ContentType})
}

// handleListFiles sets Connection: close so that a client's short idle
// timeout on this metadata call cannot carry over, through a kept-alive
// connection, onto a later long /exec call.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	w.Header().Set("Connection", "close")

	files, err := s.files.List(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]storedFileWire, 0, len(files))
	for _, f := range files {
		out = append(out, storedFileWire{FileID: f.FileID, Name: f.Name, Size: f.Size, ContentType: f.ContentType})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	fileID := chi.URLParam(r, "file_id")

	meta, content, err := s.files.Get(r.Context(), sessionID, fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+meta.Name+"\"")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	fileID := chi.URLParam(r, "file_id")

	if err := s.files.Delete(r.Context(), sessionID, fileID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
