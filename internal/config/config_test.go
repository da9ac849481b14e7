package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestReadWritesDefaults(t *testing.T) {
	base := testBase(t)

	cfg, err := ReadFrom(base)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if cfg.Runner.Shell != "/bin/sh" || len(cfg.Runner.Args) != 1 || cfg.Runner.Args[0] != "-c" {
		t.Errorf("runner defaults = %+v", cfg.Runner)
	}
	if cfg.Daemon.Restarts != 10 || cfg.Daemon.Interval != 1000 {
		t.Errorf("daemon defaults = %+v", cfg.Daemon)
	}
	if cfg.Default != "local" {
		t.Errorf("default target = %q", cfg.Default)
	}

	if _, err := os.Stat(filepath.Join(base, "config.toml")); err != nil {
		t.Errorf("config.toml not written: %v", err)
	}

	// Second read parses the written file.
	again, err := ReadFrom(base)
	if err != nil {
		t.Fatalf("second ReadFrom: %v", err)
	}
	if again.Runner.LogPath != cfg.Runner.LogPath {
		t.Errorf("log path drifted: %q vs %q", again.Runner.LogPath, cfg.Runner.LogPath)
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	base := testBase(t)
	cfg, err := ReadFrom(base)
	if err != nil {
		t.Fatal(err)
	}

	cfg.Daemon.Restarts = 3
	cfg.Daemon.Web.Secure = &WebSecurity{Enabled: true, Token: "t0ken"}
	cfg.Daemon.Notifications = Notifications{Enabled: true, WebhookURL: "http://hook"}
	if err := cfg.SaveTo(base); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFrom(base)
	if err != nil {
		t.Fatal(err)
	}
	if got.Daemon.Restarts != 3 {
		t.Errorf("restarts = %d", got.Daemon.Restarts)
	}
	if got.Daemon.Web.Secure == nil || got.Daemon.Web.Secure.Token != "t0ken" {
		t.Errorf("secure = %+v", got.Daemon.Web.Secure)
	}
	if !got.Daemon.Notifications.Enabled || got.Daemon.Notifications.WebhookURL != "http://hook" {
		t.Errorf("notifications = %+v", got.Daemon.Notifications)
	}
}

func TestServersRoundTrip(t *testing.T) {
	base := testBase(t)

	servers, err := ReadServersFrom(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers.Servers) != 0 {
		t.Errorf("fresh servers = %v", servers.Servers)
	}

	servers.Servers["edge"] = Server{Address: "http://edge:9876/", Token: "s3cret"}
	if err := servers.SaveTo(base); err != nil {
		t.Fatal(err)
	}

	got, err := ReadServersFrom(base)
	if err != nil {
		t.Fatal(err)
	}
	srv, ok := got.Get("edge")
	if !ok {
		t.Fatal("server lost")
	}
	// Get normalizes the trailing slash.
	if srv.Address != "http://edge:9876" || srv.Token != "s3cret" {
		t.Errorf("server = %+v", srv)
	}

	if _, ok := got.Get("missing"); ok {
		t.Error("missing server found")
	}
}

func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent("http://server:9876/", "", "tok")
	if a.ID == "" {
		t.Error("agent id not minted")
	}
	if a.Name == "" {
		t.Error("agent name empty")
	}
	if a.ServerURL != "http://server:9876" {
		t.Errorf("server url = %q", a.ServerURL)
	}
	if a.HeartbeatInterval != 30 || a.ReconnectInterval != 5 {
		t.Errorf("intervals = %d/%d", a.HeartbeatInterval, a.ReconnectInterval)
	}
	if a.APIPort != AgentDefaultAPIPort {
		t.Errorf("api port = %d", a.APIPort)
	}
}
