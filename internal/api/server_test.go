package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/notify"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/testutil"
)

type apiFixture struct {
	server *Server
	ts     *httptest.Server
	fake   *testutil.FakeProbe
	base   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		t.Fatal(err)
	}
	// Materialize the default config with the log path inside the sandbox.
	cfg, err := config.ReadFrom(base)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Runner.LogPath = filepath.Join(base, "logs")
	if err := cfg.SaveTo(base); err != nil {
		t.Fatal(err)
	}

	fake := testutil.NewFakeProbe()
	logger := log.New(os.Stderr, "", 0)
	server := NewServer(base, fake, notify.NewManager(config.Notifications{}, logger), logger)
	ts := httptest.NewServer(server.Engine(""))
	t.Cleanup(ts.Close)

	return &apiFixture{server: server, ts: ts, fake: fake, base: base}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *apiFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestCreateListStop(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/process/create", map[string]string{
		"name": "echo", "script": "sleep 60", "path": t.TempDir(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	resp.Body.Close()

	var items []registry.ProcessItem
	if code := f.getJSON(t, "/list", &items); code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if len(items) != 1 {
		t.Fatalf("list has %d items", len(items))
	}
	if items[0].ID != 0 || items[0].Status != "online" || items[0].Restarts != 0 {
		t.Errorf("item = %+v", items[0])
	}
	if items[0].Pid <= 0 {
		t.Errorf("pid = %d", items[0].Pid)
	}

	// Stop it; the next list shows stopped with 0s uptime.
	resp = f.postJSON(t, "/process/0/action", map[string]string{"method": "stop"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	resp.Body.Close()

	items = nil
	f.getJSON(t, "/list", &items)
	if items[0].Status != "stopped" || items[0].Uptime != "0s" {
		t.Errorf("after stop: %+v", items[0])
	}
}

func TestActionValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/process/0/action", map[string]string{"method": "restart"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("action on missing process: %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	f.postJSON(t, "/process/create", map[string]string{"script": "sleep 60", "path": t.TempDir()}).Body.Close()
	resp = f.postJSON(t, "/process/0/action", map[string]string{"method": "levitate"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown method: %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBulkAction(t *testing.T) {
	f := newAPIFixture(t)
	dir := t.TempDir()
	f.postJSON(t, "/process/create", map[string]string{"name": "a", "script": "sleep 60", "path": dir}).Body.Close()
	f.postJSON(t, "/process/create", map[string]string{"name": "b", "script": "sleep 60", "path": dir}).Body.Close()

	resp := f.postJSON(t, "/process/bulk-action", map[string]any{"ids": []int{0, 1, 9}, "method": "stop"})
	defer resp.Body.Close()

	var out bulkActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Success) != 2 || len(out.Failed) != 1 || out.Failed[0] != 9 {
		t.Errorf("bulk result = %+v", out)
	}
}

func TestRenameAndEnv(t *testing.T) {
	f := newAPIFixture(t)
	f.postJSON(t, "/process/create", map[string]string{"script": "sleep 60", "path": t.TempDir()}).Body.Close()

	resp, err := http.Post(f.ts.URL+"/process/0/rename", "text/plain", strings.NewReader("renamed"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename: %d", resp.StatusCode)
	}

	var items []registry.ProcessItem
	f.getJSON(t, "/list", &items)
	if items[0].Name != "renamed" {
		t.Errorf("name = %q", items[0].Name)
	}

	var env map[string]string
	if code := f.getJSON(t, "/process/0/env", &env); code != http.StatusOK {
		t.Fatalf("env: %d", code)
	}
}

func TestTokenAuth(t *testing.T) {
	f := newAPIFixture(t)

	cfg, err := config.ReadFrom(f.base)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Daemon.Web.Secure = &config.WebSecurity{Enabled: true, Token: "hunter2"}
	if err := cfg.SaveTo(f.base); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(f.ts.URL + "/list")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/list", nil)
	req.Header.Set("token", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: %d, want 200", resp.StatusCode)
	}
}

func TestAgentHTTPLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/daemon/agents/register", map[string]string{
		"id": "agent-1", "name": "builder", "hostname": "host-a",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d", resp.StatusCode)
	}

	resp = f.postJSON(t, "/daemon/agents/heartbeat", map[string]string{"id": "agent-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat known: %d", resp.StatusCode)
	}

	resp = f.postJSON(t, "/daemon/agents/heartbeat", map[string]string{"id": "ghost"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("heartbeat unknown: %d, want 404", resp.StatusCode)
	}

	var agents []map[string]any
	f.getJSON(t, "/daemon/agents/list", &agents)
	if len(agents) != 1 {
		t.Fatalf("agents = %v", agents)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/daemon/agents/agent-1", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()

	agents = nil
	f.getJSON(t, "/daemon/agents/list", &agents)
	if len(agents) != 0 {
		t.Errorf("agent not removed: %v", agents)
	}
}

func TestServersEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/daemon/servers/add", map[string]string{
		"name": "edge", "address": "http://edge:9876", "token": "s3cret",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add server: %d", resp.StatusCode)
	}

	var names []string
	f.getJSON(t, "/daemon/servers", &names)
	if len(names) != 1 || names[0] != "edge" {
		t.Errorf("servers = %v", names)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/daemon/servers/edge", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("delete server: %d", resp2.StatusCode)
	}
}

func TestPrometheusExposition(t *testing.T) {
	f := newAPIFixture(t)

	// Generate some traffic first.
	f.getJSON(t, "/list", nil)

	resp, err := http.Get(f.ts.URL + "/daemon/prometheus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	body := buf.String()
	for _, metric := range []string{
		"http_requests_total",
		"process_start_time_seconds",
		"daemon_memory_usage",
		"daemon_cpu_percentage",
		"http_request_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("exposition missing %s", metric)
		}
	}
}

func TestDumpEndpointRoundTrips(t *testing.T) {
	f := newAPIFixture(t)
	f.postJSON(t, "/process/create", map[string]string{"name": "web", "script": "sleep 60", "path": t.TempDir()}).Body.Close()

	resp, err := http.Get(f.ts.URL + "/daemon/dump")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var dump struct {
		List map[string]json.RawMessage `json:"list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dump); err != nil {
		t.Fatal(err)
	}
	if len(dump.List) != 1 {
		t.Errorf("dump holds %d processes", len(dump.List))
	}
}

func TestDaemonConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var runner config.Runner
	if code := f.getJSON(t, "/daemon/config", &runner); code != http.StatusOK {
		t.Fatalf("config: %d", code)
	}
	if runner.Shell != "/bin/sh" || len(runner.Args) != 1 || runner.Args[0] != "-c" {
		t.Errorf("runner = %+v", runner)
	}
	if runner.LogPath == "" {
		t.Error("log path missing from config projection")
	}
}

func TestNotificationsConfigRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/daemon/config/notifications", map[string]any{
		"enabled": true, "webhook_url": "http://hook.example",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set notifications: %d", resp.StatusCode)
	}

	var got config.Notifications
	f.getJSON(t, "/daemon/config/notifications", &got)
	if !got.Enabled || got.WebhookURL != "http://hook.example" {
		t.Errorf("notifications = %+v", got)
	}
}

func TestNotFoundInfo(t *testing.T) {
	f := newAPIFixture(t)
	if code := f.getJSON(t, fmt.Sprintf("/process/%d/info", 42), nil); code != http.StatusNotFound {
		t.Errorf("info on missing process: %d, want 404", code)
	}
}
