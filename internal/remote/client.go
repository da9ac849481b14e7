// Package remote is the HTTP client for peer daemons. Every lifecycle
// operation and registry read that can run locally has a mirror here; the
// CLI and the /remote proxy pick local or remote once, at the top.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opm-sh/opm/internal/agent"
	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/util"
)

// Client talks to one peer daemon.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the peer's auth token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient builds a client for the peer at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect builds a client from a servers.toml entry.
func Connect(srv config.Server) *Client {
	return NewClient(srv.Address, WithToken(srv.Token))
}

// ActionResponse is the peer's acknowledgment of a process action.
type ActionResponse struct {
	Done   bool   `json:"done"`
	Action string `json:"action"`
}

// BulkActionResponse reports per-id outcomes of a bulk action.
type BulkActionResponse struct {
	Success []int  `json:"success"`
	Failed  []int  `json:"failed"`
	Action  string `json:"action"`
}

// LogResponse carries one log file's lines.
type LogResponse struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// List fetches the peer's process table with live metrics.
func (c *Client) List() ([]registry.ProcessItem, error) {
	var items []registry.ProcessItem
	return items, c.getJSON("/list", &items)
}

// Info fetches the full view of one process.
func (c *Client) Info(id int) (registry.ItemSingle, error) {
	var item registry.ItemSingle
	return item, c.getJSON(fmt.Sprintf("/process/%d/info", id), &item)
}

// Env fetches the stored environment overlay of one process.
func (c *Client) Env(id int) (registry.Env, error) {
	var env registry.Env
	return env, c.getJSON(fmt.Sprintf("/process/%d/env", id), &env)
}

// Logs fetches the tail of one log file; kind is "out" or "error".
func (c *Client) Logs(id int, kind string) (LogResponse, error) {
	var logs LogResponse
	return logs, c.getJSON(fmt.Sprintf("/process/%d/logs/%s", id, kind), &logs)
}

// LogsRaw fetches one log file verbatim.
func (c *Client) LogsRaw(id int, kind string) (string, error) {
	body, err := c.get(fmt.Sprintf("/process/%d/logs/%s/raw", id, kind))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Action applies a lifecycle action (start, restart, reload, stop, remove,
// flush, clear_env, ...) to one process.
func (c *Client) Action(id int, method string) (ActionResponse, error) {
	var resp ActionResponse
	err := c.postJSON(fmt.Sprintf("/process/%d/action", id), map[string]string{"method": method}, &resp)
	return resp, err
}

// BulkAction applies a lifecycle action to several processes.
func (c *Client) BulkAction(ids []int, method string) (BulkActionResponse, error) {
	var resp BulkActionResponse
	err := c.postJSON("/process/bulk-action", map[string]any{"ids": ids, "method": method}, &resp)
	return resp, err
}

// Create starts a new process on the peer.
func (c *Client) Create(name, script, path, watch string) error {
	body := map[string]string{"script": script, "path": path}
	if name != "" {
		body["name"] = name
	}
	if watch != "" {
		body["watch"] = watch
	}
	return c.postJSON("/process/create", body, nil)
}

// Rename sets a process name; the body is plain text.
func (c *Client) Rename(id int, name string) error {
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/process/%d/rename", c.baseURL, id), strings.NewReader(name))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	_, err = c.do(req)
	return err
}

// Metrics fetches the peer daemon's own metrics document.
func (c *Client) Metrics() (json.RawMessage, error) {
	var raw json.RawMessage
	return raw, c.getJSON("/daemon/metrics", &raw)
}

// Dump fetches the peer's serialized registry.
func (c *Client) Dump() ([]byte, error) {
	return c.get("/daemon/dump")
}

// RunnerConfig fetches the peer's runner section, needed to render remote
// commands verbatim.
func (c *Client) RunnerConfig() (config.Runner, error) {
	var runner config.Runner
	return runner, c.getJSON("/daemon/config", &runner)
}

// Save asks the peer to force-persist its registry.
func (c *Client) Save() error {
	return c.postJSON("/daemon/save", nil, nil)
}

// Restore asks the peer to relaunch processes from its last dump.
func (c *Client) Restore() error {
	return c.postJSON("/daemon/restore", nil, nil)
}

// Agents fetches the peer's connected-agent table.
func (c *Client) Agents() ([]agent.Info, error) {
	var agents []agent.Info
	return agents, c.getJSON("/daemon/agents/list", &agents)
}

// DeleteAgent removes an agent from the peer's registry. Its next heartbeat
// will be answered "not found".
func (c *Client) DeleteAgent(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/daemon/agents/"+id, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// Healthy reports whether the peer answers at all.
func (c *Client) Healthy() bool {
	_, err := c.get("/daemon/metrics")
	return err == nil
}

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) getJSON(path string, out any) error {
	// Transient network failures are retried with backoff; HTTP-level
	// failures (404, bad token) surface immediately.
	body, err := util.Retry(context.Background(), util.DefaultRetryConfig(), func() ([]byte, error) {
		return c.get(path)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) postJSON(path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("token", c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, msg)
	}
	return body, nil
}
