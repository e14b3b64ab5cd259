// Package executor implements the RemoteExecutor (C4): the HTTP channel
// between the orchestration core and the agent process running inside
// a sandbox. The wire protocol is deliberately small — one HTTP call per
// staged file, one for code execution, and a listing plus one download
// per new file for harvesting — mirroring
// the thin client/server split the example pack uses for its own
// in-sandbox agent channel, generalized from a persistent shell session
// to a single stateless request per execution.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// statusErr maps an agent HTTP response status to the core's error
// taxonomy: 4xx is the caller's fault (InvalidRequest), 5xx is the
// agent's (RemoteAgentError), per spec's agent error-mapping rule.
func statusErr(op string, status int) error {
	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: %s: status %d", model.ErrInvalidRequest, op, status)
	}
	return fmt.Errorf("%w: %s: status %d", model.ErrRemoteAgent, op, status)
}

// Client talks to one sandbox's agent over HTTP.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Ready probes the agent's readiness endpoint. Used by the pool's
// replenisher and the cold-spawn path; never by steady-state execution.
func (c *Client) Ready(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent not ready: status %d", resp.StatusCode)
	}
	return nil
}

// Health probes liveness only, used by the pool's health-check loop.
func (c *Client) Health(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// StageFile uploads one input file into the sandbox's working directory
// ahead of execution.
func (c *Client) StageFile(ctx context.Context, endpoint, name string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/files", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stage file %s: %v", model.ErrRemoteAgent, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusErr("stage file "+name, resp.StatusCode)
	}
	return nil
}

// ListFiles returns the names currently in the sandbox's working
// directory. Called once before and once after Execute so the
// orchestrator can diff the two sets and harvest only newly produced
// files, per the pre/post listing approach the spec calls for.
func (c *Client) ListFiles(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/files", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list files: %v", model.ErrRemoteAgent, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list files", resp.StatusCode)
	}

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("%w: decode file list: %v", model.ErrRemoteAgent, err)
	}
	return names, nil
}

// DownloadFile fetches one file's bytes out of the sandbox for harvesting.
func (c *Client) DownloadFile(ctx context.Context, endpoint, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/files/"+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download file %s: %v", model.ErrRemoteAgent, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("download file "+name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read file %s: %v", model.ErrRemoteAgent, name, err)
	}
	return body, nil
}

// ExecuteRequest is the wire body for the agent's /execute endpoint.
type ExecuteRequest struct {
	Code       string `json:"code"`
	Language   string `json:"language"`
	State      []byte `json:"state,omitempty"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// ExecuteResponse is the agent's /execute reply. State is opaque bytes
// the core never inspects beyond length and hash.
type ExecuteResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	State    []byte `json:"state,omitempty"`
}

// Execute runs code inside the sandbox and returns raw stdout/stderr/
// exit code plus any updated interpreter state. The caller supplies a
// context already bounded by the execution timeout; Execute adds no
// timeout of its own beyond that context, since the agent's own
// enforcement is what actually kills a runaway process.
func (c *Client) Execute(ctx context.Context, endpoint string, req ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &ExecuteResponse{TimedOut: true, ExitCode: -1}, nil
		}
		return nil, fmt.Errorf("%w: execute: %v", model.ErrRemoteAgent, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("execute", resp.StatusCode)
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode execute response: %v", model.ErrRemoteAgent, err)
	}
	return &out, nil
}

// HarvestNew diffs the pre- and post-execution file listings and
// downloads only what's new, bounded by maxFiles and maxFileSize.
func (c *Client) HarvestNew(ctx context.Context, endpoint string, before []string, maxFiles int, maxFileSize int64) (map[string][]byte, error) {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}

	after, err := c.ListFiles(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	for _, name := range after {
		if seen[name] {
			continue
		}
		if len(out) >= maxFiles {
			break
		}
		content, err := c.DownloadFile(ctx, endpoint, name)
		if err != nil {
			return nil, err
		}
		if int64(len(content)) > maxFileSize {
			continue
		}
		out[name] = content
	}
	return out, nil
}
