package executor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

func TestExecuteRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		var req ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "print(1)", req.Code)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecuteResponse{Stdout: "1\n", ExitCode: 0})
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Execute(t.Context(), srv.URL, ExecuteRequest{Code: "print(1)", Language: "py", TimeoutSec: 5})
	require.NoError(t, err)
	require.Equal(t, "1\n", resp.Stdout)
	require.Equal(t, 0, resp.ExitCode)
}

func TestReadyReturnsErrorOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Ready(t.Context(), srv.URL)
	require.Error(t, err)
}

func TestHarvestNewOnlyDownloadsFilesAbsentBefore(t *testing.T) {
	files := map[string]string{"a.txt": "old", "b.txt": "new"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files" && r.Method == http.MethodGet:
			names := make([]string, 0, len(files))
			for n := range files {
				names = append(names, n)
			}
			json.NewEncoder(w).Encode(names)
		case r.Method == http.MethodGet:
			name := r.URL.Path[len("/files/"):]
			io.WriteString(w, files[name])
		}
	}))
	defer srv.Close()

	c := NewClient()
	harvested, err := c.HarvestNew(t.Context(), srv.URL, []string{"a.txt"}, 10, 1024)
	require.NoError(t, err)
	require.Len(t, harvested, 1)
	require.Equal(t, "new", string(harvested["b.txt"]))
}

func TestExecuteMapsAgent4xxToInvalidRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Execute(t.Context(), srv.URL, ExecuteRequest{Code: "bad"})
	require.True(t, errors.Is(err, model.ErrInvalidRequest))
}

func TestExecuteMapsAgent5xxToRemoteAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Execute(t.Context(), srv.URL, ExecuteRequest{Code: "x"})
	require.True(t, errors.Is(err, model.ErrRemoteAgent))
}

func TestStageFileSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "input.py", header.Filename)
		body, _ := io.ReadAll(file)
		require.Equal(t, "x = 1", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.StageFile(t.Context(), srv.URL, "input.py", []byte("x = 1"))
	require.NoError(t, err)
}
