// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the sessiond API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	endpoint   string
}

// New creates a new client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://localhost", // Ignored by the socket transport
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		transport := DefaultTransport()
		c.httpClient = &http.Client{Transport: transport}
		c.endpoint = transport.endpoint()
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport sets a custom transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: transport}
		if t, ok := transport.(*Transport); ok {
			c.endpoint = t.endpoint()
		}
		return nil
	}
}

// WithBaseURL overrides the request base URL. Used with plain HTTP clients.
func WithBaseURL(base string) Option {
	return func(c *Client) error {
		if _, err := url.Parse(base); err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		c.baseURL = base
		c.endpoint = base
		return nil
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sessiond returned %d", e.StatusCode)
	}
	return fmt.Sprintf("sessiond returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 response.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsConflict reports a 409 response.
func IsConflict(err error) bool { return StatusCode(err) == http.StatusConflict }

// NotebookServerInfo locates the notebook server of a running session.
type NotebookServerInfo struct {
	Port    int    `json:"port"`
	BaseURL string `json:"base_url"`
}

// Session is a session as returned by the API.
type Session struct {
	ProjectUUID        string              `json:"project_uuid"`
	PipelineUUID       string              `json:"pipeline_uuid"`
	Status             string              `json:"status"`
	JupyterServerIP    string              `json:"jupyter_server_ip,omitempty"`
	NotebookServerInfo *NotebookServerInfo `json:"notebook_server_info,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// CreateSessionRequest is the body of POST /api/sessions/.
type CreateSessionRequest struct {
	ProjectUUID  string `json:"project_uuid"`
	PipelineUUID string `json:"pipeline_uuid"`
	PipelinePath string `json:"pipeline_path,omitempty"`
	ProjectDir   string `json:"project_dir,omitempty"`
	HostUserdir  string `json:"host_userdir,omitempty"`
}

// ListSessionsRequest filters ListSessions. Empty fields match everything;
// the daemon ignores PipelineUUID unless ProjectUUID is set.
type ListSessionsRequest struct {
	ProjectUUID  string
	PipelineUUID string
}

// HealthResponse is the response from /api/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// VersionResponse is the response from /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Health returns the daemon health status. An unhealthy daemon answers 503
// with a body, which is returned along with the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &health)
	if err != nil && StatusCode(err) != http.StatusServiceUnavailable {
		return nil, err
	}
	return &health, err
}

// Version returns the daemon version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// ListSessions returns the sessions matching req.
func (c *Client) ListSessions(ctx context.Context, req ListSessionsRequest) ([]Session, error) {
	q := url.Values{}
	if req.ProjectUUID != "" {
		q.Set("project_uuid", req.ProjectUUID)
	}
	if req.PipelineUUID != "" {
		q.Set("pipeline_uuid", req.PipelineUUID)
	}
	path := "/api/sessions/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, projectUUID, pipelineUUID string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, sessionPath(projectUUID, pipelineUUID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession starts a session. The returned session is LAUNCHING.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// StopSession begins shutting a session down and returns the daemon's message.
func (c *Client) StopSession(ctx context.Context, projectUUID, pipelineUUID string) (string, error) {
	var msg messageResponse
	if err := c.do(ctx, http.MethodDelete, sessionPath(projectUUID, pipelineUUID), nil, &msg); err != nil {
		return "", err
	}
	return msg.Message, nil
}

// RestartSession restarts the session's memory server.
func (c *Client) RestartSession(ctx context.Context, projectUUID, pipelineUUID string) (string, error) {
	var msg messageResponse
	if err := c.do(ctx, http.MethodPut, sessionPath(projectUUID, pipelineUUID), nil, &msg); err != nil {
		return "", err
	}
	return msg.Message, nil
}

func sessionPath(projectUUID, pipelineUUID string) string {
	return "/api/sessions/" + url.PathEscape(projectUUID) + "/" + url.PathEscape(pipelineUUID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if IsDaemonNotRunning(err) {
			return &DaemonNotRunningError{Endpoint: c.endpoint, Err: err}
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg messageResponse
		if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		}
		// Health reports its checks even when failing.
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
