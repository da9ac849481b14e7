// Package config loads and persists the opm configuration files under
// $HOME/.opm: config.toml (daemon + runner settings), servers.toml (named
// peers) and agent.toml (per-host agent identity).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root of config.toml.
type Config struct {
	Default string `toml:"default"`
	Role    string `toml:"role,omitempty"`
	Runner  Runner `toml:"runner"`
	Daemon  Daemon `toml:"daemon"`
}

// Runner holds the spawn settings shared by every managed process. The json
// tags shape the /daemon/config projection peers consume.
type Runner struct {
	Shell   string   `toml:"shell" json:"shell"`
	Args    []string `toml:"args" json:"args"`
	Node    string   `toml:"node" json:"node"`
	LogPath string   `toml:"log_path" json:"log_path"`
}

// Daemon holds the supervisor loop settings.
type Daemon struct {
	// Restarts is the maximum number of consecutive crashes before the
	// supervisor gives up on a process.
	Restarts uint64 `toml:"restarts"`
	// Interval is the supervisor tick period in milliseconds.
	Interval      uint64        `toml:"interval"`
	Kind          string        `toml:"kind"`
	Web           Web           `toml:"web"`
	Notifications Notifications `toml:"notifications"`
}

// Web configures the HTTP API surface.
type Web struct {
	Address string       `toml:"address,omitempty"`
	Port    int          `toml:"port,omitempty"`
	Path    string       `toml:"path,omitempty"`
	Secure  *WebSecurity `toml:"secure,omitempty"`
}

// WebSecurity enables token authentication on the API.
type WebSecurity struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
}

// Notifications configures the outbound notification sinks.
type Notifications struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	WebhookURL string `toml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
}

// Servers is the root of servers.toml.
type Servers struct {
	Servers map[string]Server `toml:"servers"`
}

// Server is one named peer daemon.
type Server struct {
	Address string `toml:"address"`
	Token   string `toml:"token,omitempty"`
}

// DefaultWebPort is the port the HTTP API listens on unless configured.
const DefaultWebPort = 9876

// AgentDefaultAPIPort is the default API port for agent-role instances,
// distinct from the server default so both roles can share a host.
const AgentDefaultAPIPort = 9877

// Base returns $HOME/.opm, creating it (and the log directory) on first use.
func Base() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	base := filepath.Join(home, ".opm")
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		return "", fmt.Errorf("creating opm directory: %w", err)
	}
	return base, nil
}

// Paths returned relative to Base. Errors from Base propagate to the caller
// through Read; these helpers assume the directory already exists.

func DumpPath(base string) string      { return filepath.Join(base, "process.dump") }
func PidPath(base string) string       { return filepath.Join(base, "daemon.pid") }
func LockPath(base string) string      { return filepath.Join(base, "daemon.lock") }
func LogPath(base string) string       { return filepath.Join(base, "opm.log") }
func DaemonLogPath(base string) string { return filepath.Join(base, "daemon.log") }

func configPath(base string) string  { return filepath.Join(base, "config.toml") }
func serversPath(base string) string { return filepath.Join(base, "servers.toml") }
func agentPath(base string) string   { return filepath.Join(base, "agent.toml") }

func defaults(base string) Config {
	return Config{
		Default: "local",
		Runner: Runner{
			Shell:   "/bin/sh",
			Args:    []string{"-c"},
			Node:    "node",
			LogPath: filepath.Join(base, "logs"),
		},
		Daemon: Daemon{
			Restarts: 10,
			Interval: 1000,
			Kind:     "default",
		},
	}
}

// Read loads config.toml, writing the default configuration first if the
// file does not exist yet.
func Read() (Config, error) {
	base, err := Base()
	if err != nil {
		return Config{}, err
	}
	return ReadFrom(base)
}

// ReadFrom is Read against an explicit base directory.
func ReadFrom(base string) (Config, error) {
	path := configPath(base)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaults(base)
		if err := writeToml(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists the configuration back to config.toml.
func (c Config) Save() error {
	base, err := Base()
	if err != nil {
		return err
	}
	return c.SaveTo(base)
}

// SaveTo is Save against an explicit base directory.
func (c Config) SaveTo(base string) error {
	return writeToml(configPath(base), c)
}

// ReadServers loads servers.toml, creating an empty file on first use.
func ReadServers() (Servers, error) {
	base, err := Base()
	if err != nil {
		return Servers{}, err
	}
	return ReadServersFrom(base)
}

// ReadServersFrom is ReadServers against an explicit base directory.
func ReadServersFrom(base string) (Servers, error) {
	path := serversPath(base)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return Servers{}, fmt.Errorf("creating %s: %w", path, err)
		}
		return Servers{Servers: map[string]Server{}}, nil
	}

	var s Servers
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Servers{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.Servers == nil {
		s.Servers = map[string]Server{}
	}
	return s, nil
}

// Save persists the peer table back to servers.toml.
func (s Servers) Save() error {
	base, err := Base()
	if err != nil {
		return err
	}
	return s.SaveTo(base)
}

// SaveTo is Save against an explicit base directory.
func (s Servers) SaveTo(base string) error {
	return writeToml(serversPath(base), s)
}

// Get returns the named peer with its address normalized.
func (s Servers) Get(name string) (Server, bool) {
	srv, ok := s.Servers[name]
	if !ok {
		return Server{}, false
	}
	srv.Address = trimTrailingSlash(srv.Address)
	return srv, true
}

func trimTrailingSlash(addr string) string {
	for len(addr) > 0 && addr[len(addr)-1] == '/' {
		addr = addr[:len(addr)-1]
	}
	return addr
}

func writeToml(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}
